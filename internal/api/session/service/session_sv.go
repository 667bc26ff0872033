package sessionService

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"PersonDetection/internal/api/session"
	"PersonDetection/internal/api/session/engine"
	"PersonDetection/internal/api/session/registry"
	"PersonDetection/internal/entity"
	contextPkg "PersonDetection/pkg/context"
	"PersonDetection/pkg/storage"
	"PersonDetection/pkg/video"
	"github.com/sirupsen/logrus"
)

func (s *sessionService) Create(ctx context.Context) entity.Session {
	created := s.registry.Create(s.cfg.Defaults)

	s.log.WithFields(logrus.Fields{
		"request_id": contextPkg.GetRequestID(ctx),
		"session_id": created.ID,
	}).Info("Session created")

	return created
}

func (s *sessionService) Upload(ctx context.Context, req session.UploadRequest, files []session.UploadFile) (session.UploadResponse, error) {
	requestID := contextPkg.GetRequestID(ctx)

	if err := s.validator.Struct(req); err != nil {
		return session.UploadResponse{}, fmt.Errorf("%w: %v", session.ErrInvalidConfig, err)
	}

	batch, err := s.prepareBatch(req, files)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"session_id": req.SessionID,
			"error":      err.Error(),
		}).Warn("Rejected upload batch")
		return session.UploadResponse{}, err
	}

	sequences := make([]int, len(batch))
	for i, f := range batch {
		sequences[i] = f.Sequence
	}

	sessionID := req.SessionID
	created := false
	if sessionID == "" {
		if err := registry.ValidateSequences(-1, sequences); err != nil {
			return session.UploadResponse{}, err
		}
		cfg := s.cfg.Defaults
		if req.FPS > 0 {
			cfg.FrameRate = req.FPS
		}
		sessionID = s.registry.Create(cfg).ID
		created = true
	} else if err := s.registry.CheckSequences(sessionID, sequences); err != nil {
		return session.UploadResponse{}, err
	}
	ctx = contextPkg.WithSessionID(ctx, sessionID)

	artifacts := make([]entity.Artifact, 0, len(batch))
	for _, f := range batch {
		ref, err := s.storage.Put(ctx, sessionID, f.Sequence, f.Ext, f.Data)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"request_id": requestID,
				"session_id": sessionID,
				"sequence":   f.Sequence,
				"error":      err.Error(),
			}).Error("Failed to store artifact")
			s.discard(ctx, sessionID, artifacts, created)
			if errors.Is(err, storage.ErrNamespaceDeleted) {
				return session.UploadResponse{}, session.ErrNotFound
			}
			return session.UploadResponse{}, fmt.Errorf("%w: %v", session.ErrStorageFailure, err)
		}
		artifacts = append(artifacts, entity.Artifact{
			Sequence: f.Sequence,
			Name:     f.Name,
			RawRef:   ref,
			Size:     len(f.Data),
		})
	}

	updated, err := s.registry.AppendArtifacts(sessionID, artifacts)
	if err != nil {
		s.discard(ctx, sessionID, artifacts, created)
		return session.UploadResponse{}, err
	}

	s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"session_id": sessionID,
		"uploaded":   len(artifacts),
		"total":      len(updated.Artifacts),
	}).Info("Artifacts uploaded")

	resp := session.UploadResponse{
		SessionID:     sessionID,
		State:         updated.State,
		Message:       fmt.Sprintf("Uploaded %d files.", len(artifacts)),
		UploadedCount: len(artifacts),
		TotalCount:    len(updated.Artifacts),
	}

	if req.ProcessNow {
		var override session.ProcessRequest
		if req.FPS > 0 {
			fps := req.FPS
			override.FPS = &fps
		}
		processed, err := s.Process(ctx, sessionID, override)
		if err != nil {
			fields := logrus.Fields{
				"request_id": requestID,
				"session_id": sessionID,
				"error":      err.Error(),
			}
			if created {
				s.log.WithFields(fields).Warn("Processing could not start, rolling back the new session")
				s.discard(ctx, sessionID, artifacts, true)
			} else {
				s.log.WithFields(fields).Warn("Artifacts stored but processing could not start")
			}
			return session.UploadResponse{}, err
		}
		resp.State = processed.Status.State
		resp.Processing = true
		resp.Message += " Processing started in background."
	}

	return resp, nil
}

// prepareBatch validates the payloads and assigns sequences. Without explicit
// sequences the files are numbered in upload order after the session's last
// artifact.
func (s *sessionService) prepareBatch(req session.UploadRequest, files []session.UploadFile) ([]session.UploadFile, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in upload", session.ErrInvalidArtifact)
	}
	if len(files) > s.cfg.MaxUploadFiles {
		return nil, fmt.Errorf("%w: %d images exceed the limit of %d", session.ErrInvalidArtifact, len(files), s.cfg.MaxUploadFiles)
	}
	if len(req.Sequences) > 0 && len(req.Sequences) != len(files) {
		return nil, fmt.Errorf("%w: %d sequences for %d images", session.ErrInvalidArtifact, len(req.Sequences), len(files))
	}

	next := 0
	if len(req.Sequences) == 0 && req.SessionID != "" {
		current, err := s.registry.Get(req.SessionID)
		if err != nil {
			return nil, err
		}
		next = current.LastSequence() + 1
	}

	batch := make([]session.UploadFile, len(files))
	for i, f := range files {
		_, format, err := s.utils.InspectImage(f.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", session.ErrInvalidArtifact, f.Name, err)
		}

		f.Ext = extensionFor(format, f.Name)
		if len(req.Sequences) > 0 {
			f.Sequence = req.Sequences[i]
		} else {
			f.Sequence = next + i
		}
		batch[i] = f
	}

	return batch, nil
}

func extensionFor(format, name string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "png":
		return ".png"
	}
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		return ext
	}
	return "." + format
}

// discard removes what a failed upload already wrote. A session created by
// the same upload is dropped entirely.
func (s *sessionService) discard(ctx context.Context, sessionID string, artifacts []entity.Artifact, created bool) {
	if created {
		if _, err := s.registry.Delete(sessionID); err == nil {
			if err := s.storage.DeleteAll(ctx, sessionID); err != nil {
				s.log.WithFields(logrus.Fields{
					"session_id": sessionID,
					"error":      err.Error(),
				}).Warn("Failed to remove storage of abandoned session")
			}
		}
		return
	}

	for _, a := range artifacts {
		if err := s.storage.Remove(ctx, sessionID, a.RawRef); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.WithFields(logrus.Fields{
				"session_id": sessionID,
				"ref":        a.RawRef,
				"error":      err.Error(),
			}).Warn("Failed to remove artifact of rejected upload")
		}
	}
}

func (s *sessionService) Process(ctx context.Context, sessionID string, req session.ProcessRequest) (session.ProcessResponse, error) {
	requestID := contextPkg.GetRequestID(ctx)

	if err := s.validator.Struct(req); err != nil {
		return session.ProcessResponse{}, fmt.Errorf("%w: %v", session.ErrInvalidConfig, err)
	}

	current, err := s.registry.Get(sessionID)
	if err != nil {
		return session.ProcessResponse{}, err
	}

	cfg := applyOverrides(current.Config, req)
	if err := s.validator.Struct(cfg); err != nil {
		return session.ProcessResponse{}, fmt.Errorf("%w: %v", session.ErrInvalidConfig, err)
	}

	claimed, err := s.registry.ClaimProcessing(sessionID, cfg)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"session_id": sessionID,
			"error":      err.Error(),
		}).Warn("Process request rejected")
		return session.ProcessResponse{}, err
	}

	job := engine.Job{
		SessionID: claimed.ID,
		JobID:     claimed.JobID,
		Artifacts: claimed.Artifacts,
		Config:    cfg,
	}
	if err := s.scheduler.Submit(job); err != nil {
		_ = s.registry.Fail(claimed.ID, claimed.JobID, entity.SessionError{
			Kind:    entity.ErrorCancelled,
			Message: "service is shutting down",
		})
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("Failed to schedule processing job")
		return session.ProcessResponse{}, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}

	s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"session_id": sessionID,
		"job_id":     claimed.JobID,
		"artifacts":  len(claimed.Artifacts),
		"fps":        cfg.FrameRate,
		"policy":     cfg.FailurePolicy,
	}).Info("Processing job scheduled")

	snapshot := claimed
	if req.Wait {
		timeout := cfg.JobTimeout
		if req.WaitTimeout != nil {
			timeout = seconds(*req.WaitTimeout)
		}
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if snapshot, err = s.registry.Wait(waitCtx, sessionID); err != nil {
			return session.ProcessResponse{}, err
		}
	}

	return session.ProcessResponse{
		SessionID: sessionID,
		Accepted:  true,
		Message:   "Processing started in background",
		Status:    session.NewStatusResponse(snapshot, false),
	}, nil
}

func applyOverrides(cfg entity.SessionConfig, req session.ProcessRequest) entity.SessionConfig {
	if req.Count != nil {
		cfg.CaptureCount = *req.Count
	}
	if req.Interval != nil {
		cfg.CaptureInterval = seconds(*req.Interval)
	}
	if req.FPS != nil {
		cfg.FrameRate = *req.FPS
	}
	if req.Width != nil {
		cfg.FrameWidth = *req.Width
	}
	if req.Height != nil {
		cfg.FrameHeight = *req.Height
	}
	if req.Timeout != nil {
		cfg.JobTimeout = seconds(*req.Timeout)
	}
	if req.ImageTimeout != nil {
		cfg.ImageTimeout = seconds(*req.ImageTimeout)
	}
	if req.FailurePolicy != "" {
		cfg.FailurePolicy = entity.FailurePolicy(req.FailurePolicy)
	}
	return cfg
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (s *sessionService) Status(ctx context.Context, sessionID string) (entity.Session, error) {
	return s.registry.Get(sessionID)
}

func (s *sessionService) Download(ctx context.Context, sessionID string) (session.Download, error) {
	current, err := s.registry.Get(sessionID)
	if err != nil {
		return session.Download{}, err
	}
	if current.State != entity.StateCompleted {
		return session.Download{}, fmt.Errorf("%w: session is %s", session.ErrInvalidState, current.State)
	}

	data, err := s.storage.Get(contextPkg.WithSessionID(ctx, sessionID), sessionID, current.OutputRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceDeleted) {
			return session.Download{}, session.ErrNotFound
		}
		s.log.WithFields(logrus.Fields{
			"request_id": contextPkg.GetRequestID(ctx),
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("Failed to read output artifact")
		return session.Download{}, fmt.Errorf("%w: %v", session.ErrStorageFailure, err)
	}

	return session.Download{
		Filename:    fmt.Sprintf("processed_%s%s", sessionID, video.Extension),
		ContentType: video.ContentType,
		Data:        data,
	}, nil
}

// Delete removes the registry entry first, so the id is unknown to every
// later call while the job and the storage removal wind down.
func (s *sessionService) Delete(ctx context.Context, sessionID string) error {
	requestID := contextPkg.GetRequestID(ctx)

	last, err := s.registry.Delete(sessionID)
	if err != nil {
		return err
	}

	cancelled := s.scheduler.Cancel(sessionID)

	// The namespace is tombstoned before DeleteAll touches any bytes, so a
	// failed purge leaves nothing reachable and the delete still succeeds.
	if err := s.storage.DeleteAll(contextPkg.WithSessionID(ctx, sessionID), sessionID); err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("Failed to purge session storage, leftover objects need manual cleanup")
	}

	s.log.WithFields(logrus.Fields{
		"request_id":    requestID,
		"session_id":    sessionID,
		"state":         last.State,
		"job_cancelled": cancelled,
	}).Info("Session deleted")

	return nil
}

func (s *sessionService) List(ctx context.Context) []entity.Session {
	return s.registry.List()
}

func (s *sessionService) Subscribe(ctx context.Context, sessionID string) (<-chan entity.Session, func(), error) {
	return s.registry.Subscribe(sessionID)
}

func (s *sessionService) CaptureConfig() session.CaptureConfigResponse {
	d := s.cfg.Defaults
	return session.CaptureConfigResponse{
		FPS:             d.FrameRate,
		FrameWidth:      d.FrameWidth,
		FrameHeight:     d.FrameHeight,
		CaptureCount:    d.CaptureCount,
		CaptureInterval: d.CaptureInterval.Seconds(),
		ImageTimeout:    d.ImageTimeout.Seconds(),
		JobTimeout:      d.JobTimeout.Seconds(),
		FailurePolicy:   d.FailurePolicy,
		MaxUploadFiles:  s.cfg.MaxUploadFiles,
	}
}
