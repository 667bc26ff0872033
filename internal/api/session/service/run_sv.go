package sessionService

import (
	"context"

	"PersonDetection/internal/api/session/engine"
	"PersonDetection/internal/entity"
	contextPkg "PersonDetection/pkg/context"
	"github.com/sirupsen/logrus"
)

func (s *sessionService) Runs(ctx context.Context, limit int) ([]entity.ProcessingRun, error) {
	if s.repository == nil {
		return []entity.ProcessingRun{}, nil
	}

	client, err := s.repository.NewClient(false)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": contextPkg.GetRequestID(ctx),
			"error":      err.Error(),
		}).Error("Failed to create new client")
		return nil, err
	}

	return client.Runs.ListRuns(ctx, limit)
}

// RecordRun stores the outcome of a finished job. A job that lost its session
// is recorded with the state the supervisor left, or as DELETED.
func (s *sessionService) RecordRun(out engine.Outcome) {
	if s.repository == nil {
		return
	}

	run := entity.ProcessingRun{
		SessionID:  out.SessionID,
		JobID:      out.JobID,
		State:      out.State,
		Error:      out.Error,
		Frames:     out.Frames,
		Stats:      out.Stats,
		StartedAt:  out.StartedAt,
		FinishedAt: out.FinishedAt,
	}
	if out.Aborted {
		current, err := s.registry.Get(out.SessionID)
		if err == nil && current.JobID == out.JobID {
			run.State = current.State
			run.Error = current.Error
		} else {
			run.State = entity.StateDeleted
			run.Error = &entity.SessionError{Kind: entity.ErrorCancelled, Message: "session deleted while processing"}
		}
	}

	id, err := s.utils.NewULIDFromTimestamp(out.FinishedAt)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": out.SessionID,
			"error":      err.Error(),
		}).Error("Failed to generate ULID")
		return
	}
	run.ID = id

	client, err := s.repository.NewClient(false)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": out.SessionID,
			"error":      err.Error(),
		}).Error("Failed to create new client")
		return
	}

	if err := client.Runs.CreateRun(context.Background(), run); err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": out.SessionID,
			"job_id":     out.JobID,
			"error":      err.Error(),
		}).Error("Failed to record processing run")
	}
}
