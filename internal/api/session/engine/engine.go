package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"PersonDetection/internal/api/session"
	"PersonDetection/internal/api/session/registry"
	"PersonDetection/internal/entity"
	"PersonDetection/pkg/detector"
	"PersonDetection/pkg/render"
	"PersonDetection/pkg/storage"
	"PersonDetection/pkg/video"
	"github.com/sirupsen/logrus"
)

// Registry is the part of the session registry a job writes to.
type Registry interface {
	RecordDetection(id, jobID string, sequence int, result entity.DetectionResult, processed int) error
	Complete(id, jobID, outputRef string, stats entity.Stats) error
	Fail(id, jobID string, cause entity.SessionError) error
}

type Job struct {
	SessionID string
	JobID     string
	Artifacts []entity.Artifact
	Config    entity.SessionConfig
}

// Outcome describes how a job ended. Aborted is set when the session was
// deleted or taken over before the job could record its result.
type Outcome struct {
	SessionID  string
	JobID      string
	State      entity.SessionState
	Error      *entity.SessionError
	Stats      entity.Stats
	Frames     int
	Aborted    bool
	StartedAt  time.Time
	FinishedAt time.Time
}

type Option func(*Engine)

// WithLookahead lets detection run up to n artifacts ahead of rendering.
func WithLookahead(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.lookahead = n
		}
	}
}

func WithStorageRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.storageRetries = n
		}
	}
}

func WithJPEGQuality(q int) Option {
	return func(e *Engine) {
		e.quality = q
	}
}

// Engine turns a frozen list of artifacts into one annotated video. It keeps
// no state between jobs.
type Engine struct {
	registry       Registry
	storage        storage.IStorage
	detector       detector.IDetector
	renderer       render.IRenderer
	log            *logrus.Logger
	lookahead      int
	storageRetries int
	retryBackoff   time.Duration
	quality        int
	now            func() time.Time
}

func New(reg Registry, store storage.IStorage, det detector.IDetector, renderer render.IRenderer, log *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry:       reg,
		storage:        store,
		detector:       det,
		renderer:       renderer,
		log:            log,
		lookahead:      2,
		storageRetries: 2,
		retryBackoff:   50 * time.Millisecond,
		quality:        85,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type detected struct {
	raw    []byte
	result entity.DetectionResult
	err    *entity.SessionError
}

// Run processes the job until it completes, fails, or ctx ends. The outcome
// is always written to the registry before Run returns.
func (e *Engine) Run(ctx context.Context, job Job) Outcome {
	out := Outcome{
		SessionID: job.SessionID,
		JobID:     job.JobID,
		StartedAt: e.now(),
	}
	entry := e.log.WithFields(logrus.Fields{
		"session_id": job.SessionID,
		"job_id":     job.JobID,
	})

	artifacts := append([]entity.Artifact(nil), job.Artifacts...)
	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].Sequence < artifacts[j].Sequence
	})

	entry.WithFields(logrus.Fields{
		"artifacts": len(artifacts),
		"fps":       job.Config.FrameRate,
		"policy":    job.Config.FailurePolicy,
	}).Info("Processing job started")

	stats, frames, data, serr := e.process(ctx, job, artifacts)
	out.Frames = frames

	if serr == nil {
		ref, err := e.putOutput(ctx, job.SessionID, data)
		if err != nil {
			serr = e.classify(ctx, err, entity.ErrorStorageFailure, nil)
		} else if err := e.registry.Complete(job.SessionID, job.JobID, ref, stats); err != nil {
			out.Aborted = true
		} else {
			out.State = entity.StateCompleted
			out.Stats = stats
		}
	}

	if serr != nil {
		if err := e.registry.Fail(job.SessionID, job.JobID, *serr); err != nil {
			out.Aborted = true
		} else {
			out.State = entity.StateFailed
			out.Error = serr
		}
	}

	out.FinishedAt = e.now()
	fields := logrus.Fields{
		"state":    out.State,
		"frames":   out.Frames,
		"duration": out.FinishedAt.Sub(out.StartedAt).String(),
	}
	switch {
	case out.Aborted:
		entry.WithFields(fields).Info("Processing job abandoned, session is gone")
	case out.Error != nil:
		entry.WithFields(fields).WithField("error", out.Error.Error()).Warn("Processing job failed")
	default:
		entry.WithFields(fields).Info("Processing job completed")
	}
	return out
}

func (e *Engine) process(ctx context.Context, job Job, artifacts []entity.Artifact) (entity.Stats, int, []byte, *entity.SessionError) {
	var stats entity.Stats
	cfg := job.Config

	writer, err := video.NewMJPEGWriter(cfg.FrameWidth, cfg.FrameHeight, cfg.FrameRate, e.quality)
	if err != nil {
		return stats, 0, nil, &entity.SessionError{Kind: entity.ErrorInternal, Message: err.Error()}
	}

	pipeCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	results, slots := e.startDetection(pipeCtx, &wg, job, artifacts)

	for i, artifact := range artifacts {
		if err := ctx.Err(); err != nil {
			return stats, writer.Frames(), nil, e.classify(ctx, err, entity.ErrorInternal, nil)
		}

		var d detected
		select {
		case d = <-results[i]:
		case <-ctx.Done():
			return stats, writer.Frames(), nil, e.classify(ctx, ctx.Err(), entity.ErrorInternal, nil)
		}
		<-slots
		if d.err != nil {
			return stats, writer.Frames(), nil, d.err
		}

		frame, err := e.renderer.Render(render.Frame{
			Raw:      d.raw,
			Width:    cfg.FrameWidth,
			Height:   cfg.FrameHeight,
			Regions:  d.result.Regions,
			Captions: captions(artifact, d.result),
			Footer:   fmt.Sprintf("Frame %d/%d", i+1, len(artifacts)),
		})
		if err != nil {
			return stats, writer.Frames(), nil, sessionError(entity.ErrorInternal, fmt.Sprintf("render: %v", err), &artifact.Sequence)
		}
		if err := writer.AddFrame(frame); err != nil {
			return stats, writer.Frames(), nil, sessionError(entity.ErrorInternal, fmt.Sprintf("encode frame: %v", err), &artifact.Sequence)
		}

		stats.TotalPeople += d.result.PeopleCount
		if d.result.PeopleCount > stats.MaxPeopleInFrame {
			stats.MaxPeopleInFrame = d.result.PeopleCount
		}

		if err := e.registry.RecordDetection(job.SessionID, job.JobID, artifact.Sequence, d.result, i+1); err != nil {
			if errors.Is(err, session.ErrNotFound) || errors.Is(err, registry.ErrStaleJob) {
				return stats, writer.Frames(), nil, sessionError(entity.ErrorCancelled, "session no longer owned by this job", nil)
			}
			return stats, writer.Frames(), nil, sessionError(entity.ErrorInternal, err.Error(), &artifact.Sequence)
		}
	}

	data, err := writer.Finish()
	if err != nil {
		return stats, len(artifacts), nil, sessionError(entity.ErrorInternal, fmt.Sprintf("assemble video: %v", err), nil)
	}
	return stats, len(artifacts), data, nil
}

// startDetection loads and detects artifacts ahead of the consumer. The
// consumer frees one slot per result it takes, so at most lookahead+1
// artifacts are loaded but not yet rendered. Each result lands in the channel
// for its own index, which keeps frame order independent of completion order.
func (e *Engine) startDetection(ctx context.Context, wg *sync.WaitGroup, job Job, artifacts []entity.Artifact) ([]chan detected, chan struct{}) {
	results := make([]chan detected, len(artifacts))
	for i := range results {
		results[i] = make(chan detected, 1)
	}

	slots := make(chan struct{}, e.lookahead+1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range artifacts {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}

			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] <- e.detectOne(ctx, job, artifacts[i])
			}(i)
		}
	}()

	return results, slots
}

func (e *Engine) detectOne(ctx context.Context, job Job, artifact entity.Artifact) detected {
	seq := artifact.Sequence

	raw, err := e.load(ctx, job.SessionID, artifact.RawRef)
	if err != nil {
		return detected{err: e.classify(ctx, err, entity.ErrorStorageFailure, &seq)}
	}

	detectCtx, cancel := context.WithTimeout(ctx, job.Config.ImageTimeout)
	defer cancel()

	regions, err := e.detector.Detect(detectCtx, raw)
	if err == nil {
		err = detectCtx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			return detected{err: e.classify(ctx, ctx.Err(), entity.ErrorInternal, &seq)}
		}

		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("detection timed out after %s", job.Config.ImageTimeout)
		}
		if job.Config.FailurePolicy == entity.PolicySkip {
			e.log.WithFields(logrus.Fields{
				"session_id": job.SessionID,
				"sequence":   seq,
				"error":      msg,
			}).Warn("Detection failed, rendering frame without overlays")
			result := entity.NewDetectionResult(nil, e.now())
			result.Skipped = true
			result.Error = msg
			return detected{raw: raw, result: result}
		}
		return detected{err: sessionError(entity.ErrorDetectionFailure, msg, &seq)}
	}

	return detected{raw: raw, result: entity.NewDetectionResult(regions, e.now())}
}

func (e *Engine) load(ctx context.Context, sessionID, ref string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= e.storageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * e.retryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		data, err := e.storage.Get(ctx, sessionID, ref)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidRef) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Engine) putOutput(ctx context.Context, sessionID string, data []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.storageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * e.retryBackoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		ref, err := e.storage.PutOutput(ctx, sessionID, video.Extension, data)
		if err == nil {
			return ref, nil
		}
		if errors.Is(err, storage.ErrNamespaceDeleted) || ctx.Err() != nil {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// classify maps err to a session error, preferring the state of the job
// context over the kind suggested by the caller.
func (e *Engine) classify(ctx context.Context, err error, fallback entity.ErrorKind, seq *int) *entity.SessionError {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return sessionError(entity.ErrorTimeout, "job exceeded its time limit", seq)
	case errors.Is(ctx.Err(), context.Canceled):
		return sessionError(entity.ErrorCancelled, "job cancelled", seq)
	case errors.Is(err, storage.ErrNamespaceDeleted):
		return sessionError(entity.ErrorCancelled, "session storage deleted", seq)
	}
	return sessionError(fallback, err.Error(), seq)
}

func sessionError(kind entity.ErrorKind, msg string, seq *int) *entity.SessionError {
	serr := &entity.SessionError{Kind: kind, Message: msg}
	if seq != nil {
		s := *seq
		serr.ArtifactSequence = &s
	}
	return serr
}

func captions(artifact entity.Artifact, result entity.DetectionResult) []string {
	name := artifact.Name
	if name == "" {
		name = fmt.Sprintf("#%d", artifact.Sequence)
	}
	lines := []string{
		fmt.Sprintf("People detected: %d", result.PeopleCount),
		fmt.Sprintf("Image: %s", name),
	}
	if result.Skipped {
		lines = append(lines, "Detection skipped")
	}
	return lines
}
