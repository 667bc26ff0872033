package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PersonDetection/internal/entity"
	"github.com/sirupsen/logrus"
)

var ErrSchedulerClosed = errors.New("scheduler is shut down")

type Runner interface {
	Run(ctx context.Context, job Job) Outcome
}

type handle struct {
	jobID  string
	cancel context.CancelFunc
}

// Scheduler runs at most size jobs at once. Jobs waiting for a slot stay
// PROCESSING with no progress, and their time limit starts once they get one.
// A job that waits longer than its time limit plus the grace period fails
// with TIMEOUT without running.
type Scheduler struct {
	runner   Runner
	registry Registry
	log      *logrus.Logger
	slots    chan struct{}
	grace    time.Duration

	mu       sync.Mutex
	handles  map[string]handle
	closed   bool
	onFinish []func(Outcome)

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(runner Runner, reg Registry, size int, grace time.Duration, log *logrus.Logger) *Scheduler {
	if size <= 0 {
		size = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		registry: reg,
		log:      log,
		slots:    make(chan struct{}, size),
		grace:    grace,
		handles:  make(map[string]handle),
		base:     base,
		cancel:   cancel,
	}
}

// OnFinish registers a hook called after every job, including jobs that were
// cancelled before they started.
func (s *Scheduler) OnFinish(fn func(Outcome)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinish = append(s.onFinish, fn)
}

func (s *Scheduler) Submit(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}

	ctx, cancel := context.WithCancel(s.base)
	s.handles[job.SessionID] = handle{jobID: job.JobID, cancel: cancel}

	s.wg.Add(1)
	go s.work(ctx, cancel, job)

	return nil
}

// Cancel asks the job of a session to stop. It reports whether one was found.
func (s *Scheduler) Cancel(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[sessionID]
	if ok {
		h.cancel()
	}
	return ok
}

// Active returns the number of submitted jobs that have not finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Shutdown stops accepting jobs, cancels the running ones and waits for them
// until ctx ends.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) work(ctx context.Context, cancel context.CancelFunc, job Job) {
	defer s.wg.Done()
	defer cancel()

	queueLimit := job.Config.JobTimeout + s.grace
	queued := time.NewTimer(queueLimit)
	select {
	case s.slots <- struct{}{}:
		queued.Stop()
	case <-ctx.Done():
		queued.Stop()
		s.finish(job, s.failQueued(job, entity.SessionError{
			Kind:    entity.ErrorCancelled,
			Message: "job cancelled before it started",
		}))
		return
	case <-queued.C:
		s.log.WithFields(logrus.Fields{
			"session_id": job.SessionID,
			"job_id":     job.JobID,
		}).Warn("Processing job waited too long for a worker")
		s.finish(job, s.failQueued(job, entity.SessionError{
			Kind:    entity.ErrorTimeout,
			Message: fmt.Sprintf("job waited %s for a worker", queueLimit),
		}))
		return
	}

	var released, finished sync.Once
	release := func() { released.Do(func() { <-s.slots }) }
	defer release()
	done := func(out Outcome) { finished.Do(func() { s.finish(job, out) }) }

	runCtx, stop := context.WithTimeout(ctx, job.Config.JobTimeout)
	defer stop()

	startedAt := time.Now()
	// A job that ignores its context is abandoned: the session fails and the
	// slot goes to the next job while the stuck goroutine is left behind.
	supervisor := time.AfterFunc(job.Config.JobTimeout+s.grace, func() {
		cause := entity.SessionError{
			Kind:    entity.ErrorTimeout,
			Message: fmt.Sprintf("job did not stop within %s of its time limit", s.grace),
		}
		if err := s.registry.Fail(job.SessionID, job.JobID, cause); err != nil {
			return
		}
		s.log.WithFields(logrus.Fields{
			"session_id": job.SessionID,
			"job_id":     job.JobID,
		}).Error("Processing job unresponsive, session marked as failed")
		done(Outcome{
			SessionID:  job.SessionID,
			JobID:      job.JobID,
			State:      entity.StateFailed,
			Error:      &cause,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
		})
		release()
	})
	defer supervisor.Stop()

	done(s.runner.Run(runCtx, job))
}

func (s *Scheduler) failQueued(job Job, cause entity.SessionError) Outcome {
	now := time.Now()
	out := Outcome{
		SessionID:  job.SessionID,
		JobID:      job.JobID,
		StartedAt:  now,
		FinishedAt: now,
	}
	if err := s.registry.Fail(job.SessionID, job.JobID, cause); err != nil {
		out.Aborted = true
		return out
	}
	out.State = entity.StateFailed
	out.Error = &cause
	return out
}

func (s *Scheduler) finish(job Job, out Outcome) {
	s.mu.Lock()
	if h, ok := s.handles[job.SessionID]; ok && h.jobID == job.JobID {
		delete(s.handles, job.SessionID)
	}
	hooks := append([]func(Outcome){}, s.onFinish...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(out)
	}
}
