package sessionRepository

import (
	"context"
	"database/sql"
	"time"

	"PersonDetection/internal/entity"
	contextPkg "PersonDetection/pkg/context"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type RunDB struct {
	ID               string         `db:"id"`
	SessionID        string         `db:"session_id"`
	JobID            string         `db:"job_id"`
	State            string         `db:"state"`
	ErrorKind        sql.NullString `db:"error_kind"`
	ErrorMessage     sql.NullString `db:"error_message"`
	ArtifactSequence sql.NullInt64  `db:"artifact_sequence"`
	Frames           int            `db:"frames"`
	TotalPeople      int            `db:"total_people"`
	MaxPeopleInFrame int            `db:"max_people_in_frame"`
	StartedAt        time.Time      `db:"started_at"`
	FinishedAt       time.Time      `db:"finished_at"`
}

func (r *runsRepository) CreateRun(ctx context.Context, run entity.ProcessingRun) error {
	requestID := contextPkg.GetRequestID(ctx)
	argsKV := map[string]interface{}{
		"id":                  run.ID,
		"session_id":          run.SessionID,
		"job_id":              run.JobID,
		"state":               string(run.State),
		"error_kind":          sql.NullString{},
		"error_message":       sql.NullString{},
		"artifact_sequence":   sql.NullInt64{},
		"frames":              run.Frames,
		"total_people":        run.Stats.TotalPeople,
		"max_people_in_frame": run.Stats.MaxPeopleInFrame,
		"started_at":          run.StartedAt.UTC(),
		"finished_at":         run.FinishedAt.UTC(),
	}
	if run.Error != nil {
		argsKV["error_kind"] = sql.NullString{String: string(run.Error.Kind), Valid: true}
		argsKV["error_message"] = sql.NullString{String: run.Error.Message, Valid: true}
		if run.Error.ArtifactSequence != nil {
			argsKV["artifact_sequence"] = sql.NullInt64{Int64: int64(*run.Error.ArtifactSequence), Valid: true}
		}
	}

	query, args, err := sqlx.Named(queryCreateRun, argsKV)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to build SQL query for CreateRun")
		return err
	}
	query = r.q.Rebind(query)

	if _, err = r.q.ExecContext(ctx, query, args...); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"session_id": run.SessionID,
			"error":      err.Error(),
		}).Error("Database error when creating processing run")
		return err
	}

	return nil
}

func (r *runsRepository) ListRuns(ctx context.Context, limit int) ([]entity.ProcessingRun, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []RunDB
	if err := r.q.SelectContext(ctx, &rows, r.q.Rebind(queryListRuns), limit); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": contextPkg.GetRequestID(ctx),
			"error":      err.Error(),
		}).Error("Database error when listing processing runs")
		return nil, err
	}

	return toRuns(rows), nil
}

func (r *runsRepository) ListRunsBySession(ctx context.Context, sessionID string) ([]entity.ProcessingRun, error) {
	var rows []RunDB
	if err := r.q.SelectContext(ctx, &rows, r.q.Rebind(queryListRunsBySession), sessionID); err != nil {
		r.log.WithFields(logrus.Fields{
			"request_id": contextPkg.GetRequestID(ctx),
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("Database error when listing processing runs by session")
		return nil, err
	}

	return toRuns(rows), nil
}

func toRuns(rows []RunDB) []entity.ProcessingRun {
	runs := make([]entity.ProcessingRun, 0, len(rows))
	for _, row := range rows {
		run := entity.ProcessingRun{
			ID:        row.ID,
			SessionID: row.SessionID,
			JobID:     row.JobID,
			State:     entity.SessionState(row.State),
			Frames:    row.Frames,
			Stats: entity.Stats{
				TotalPeople:      row.TotalPeople,
				MaxPeopleInFrame: row.MaxPeopleInFrame,
			},
			StartedAt:  row.StartedAt,
			FinishedAt: row.FinishedAt,
		}
		if row.ErrorKind.Valid {
			run.Error = &entity.SessionError{
				Kind:    entity.ErrorKind(row.ErrorKind.String),
				Message: row.ErrorMessage.String,
			}
			if row.ArtifactSequence.Valid {
				seq := int(row.ArtifactSequence.Int64)
				run.Error.ArtifactSequence = &seq
			}
		}
		runs = append(runs, run)
	}
	return runs
}
