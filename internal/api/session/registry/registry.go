package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"PersonDetection/internal/api/session"
	"PersonDetection/internal/entity"
	"github.com/google/uuid"
)

// ErrStaleJob is returned to a job whose session was deleted, finished or
// claimed by another job. The job must stop without touching the session.
var ErrStaleJob = errors.New("job no longer owns the session")

// Observer receives a snapshot after every mutation. Observers run while the
// registry lock is held, so they must not block or call back into the
// registry.
type Observer func(entity.Session)

type Option func(*Registry)

func WithObserver(fn Observer) Option {
	return func(r *Registry) {
		r.observers = append(r.observers, fn)
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) {
		r.newID = newID
	}
}

type entry struct {
	session entity.Session
	done    chan struct{}
	closed  bool
	subs    map[int]chan entity.Session
}

// Registry is the single source of truth for session lifecycle state. Every
// transition is checked and applied under one lock.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	nextSub   int
	observers []Observer
	now       func() time.Time
	newID     func() string
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Create(cfg entity.SessionConfig) entity.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	id := r.newID()
	for r.entries[id] != nil {
		id = r.newID()
	}

	e := &entry{
		session: entity.Session{
			ID:        id,
			State:     entity.StateCreated,
			CreatedAt: now,
			UpdatedAt: now,
			Artifacts: []entity.Artifact{},
			Config:    cfg,
		},
		done: make(chan struct{}),
		subs: make(map[int]chan entity.Session),
	}
	r.entries[id] = e
	r.publish(e)

	return e.session.Clone()
}

func (r *Registry) Get(id string) (entity.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return entity.Session{}, session.ErrNotFound
	}
	return e.session.Clone(), nil
}

func (r *Registry) List() []entity.Session {
	r.mu.RLock()
	out := make([]entity.Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CheckSequences validates a batch against the session's current artifacts
// without modifying it.
func (r *Registry) CheckSequences(id string, sequences []int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return session.ErrNotFound
	}
	if !e.session.State.AcceptsUploads() {
		return fmt.Errorf("%w: session is %s", session.ErrInvalidState, e.session.State)
	}
	return ValidateSequences(e.session.LastSequence(), sequences)
}

// AppendArtifacts adds a batch in one step. Sequences must be strictly
// increasing and above every sequence already present.
func (r *Registry) AppendArtifacts(id string, artifacts []entity.Artifact) (entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return entity.Session{}, session.ErrNotFound
	}
	if !e.session.State.AcceptsUploads() {
		return entity.Session{}, fmt.Errorf("%w: session is %s", session.ErrInvalidState, e.session.State)
	}

	sequences := make([]int, len(artifacts))
	for i, a := range artifacts {
		sequences[i] = a.Sequence
	}
	if err := ValidateSequences(e.session.LastSequence(), sequences); err != nil {
		return entity.Session{}, err
	}

	for _, a := range artifacts {
		a.Detection = nil
		e.session.Artifacts = append(e.session.Artifacts, a)
	}
	e.session.State = entity.StateUploaded
	e.session.Progress = entity.Progress{Total: len(e.session.Artifacts)}
	e.session.UpdatedAt = r.now()
	r.publish(e)

	return e.session.Clone(), nil
}

// ClaimProcessing is the compare-and-swap from UPLOADED to PROCESSING. The
// returned snapshot carries the job id every later job-owned write must
// present.
func (r *Registry) ClaimProcessing(id string, cfg entity.SessionConfig) (entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return entity.Session{}, session.ErrNotFound
	}
	if e.session.State == entity.StateCreated && len(e.session.Artifacts) == 0 {
		return entity.Session{}, session.ErrEmptySession
	}
	if e.session.State != entity.StateUploaded {
		return entity.Session{}, fmt.Errorf("%w: session is %s", session.ErrInvalidState, e.session.State)
	}

	e.session.State = entity.StateProcessing
	e.session.Config = cfg
	e.session.JobID = r.newID()
	e.session.Progress = entity.Progress{Total: len(e.session.Artifacts)}
	e.session.Error = nil
	e.session.Stats = entity.Stats{}
	e.session.UpdatedAt = r.now()
	r.publish(e)

	return e.session.Clone(), nil
}

// RecordDetection stores the result for one artifact and advances progress.
// Progress never moves backwards.
func (r *Registry) RecordDetection(id, jobID string, sequence int, result entity.DetectionResult, processed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.owned(id, jobID)
	if err != nil {
		return err
	}

	idx := -1
	for i, a := range e.session.Artifacts {
		if a.Sequence == sequence {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: unknown sequence %d", session.ErrInvalidArtifact, sequence)
	}

	res := result.Clone()
	e.session.Artifacts[idx].Detection = &res
	if processed > e.session.Progress.Total {
		processed = e.session.Progress.Total
	}
	if processed > e.session.Progress.Processed {
		e.session.Progress.Processed = processed
	}
	e.session.UpdatedAt = r.now()
	r.publish(e)

	return nil
}

func (r *Registry) Complete(id, jobID, outputRef string, stats entity.Stats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.owned(id, jobID)
	if err != nil {
		return err
	}

	e.session.State = entity.StateCompleted
	e.session.OutputRef = outputRef
	e.session.Stats = stats
	e.session.Progress.Processed = e.session.Progress.Total
	e.session.UpdatedAt = r.now()
	r.finish(e)

	return nil
}

func (r *Registry) Fail(id, jobID string, cause entity.SessionError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.owned(id, jobID)
	if err != nil {
		return err
	}

	e.session.State = entity.StateFailed
	e.session.OutputRef = ""
	e.session.Error = &cause
	e.session.UpdatedAt = r.now()
	r.finish(e)

	return nil
}

// Delete removes the entry immediately and returns its last snapshot, which
// still carries the job id of a running job.
func (r *Registry) Delete(id string) (entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return entity.Session{}, session.ErrNotFound
	}
	delete(r.entries, id)

	last := e.session.Clone()
	e.session.State = entity.StateDeleted
	e.session.UpdatedAt = r.now()
	r.finish(e)
	for key, ch := range e.subs {
		close(ch)
		delete(e.subs, key)
	}

	return last, nil
}

// Wait blocks until the session reaches a terminal state or ctx ends and
// returns the snapshot at that moment. Running out of time is not an error.
func (r *Registry) Wait(ctx context.Context, id string) (entity.Session, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return entity.Session{}, session.ErrNotFound
	}

	select {
	case <-e.done:
	case <-ctx.Done():
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.session.Clone(), nil
}

// Subscribe returns a channel that always holds the latest snapshot. Older
// undelivered snapshots are dropped. The channel is closed when the session
// is deleted.
func (r *Registry) Subscribe(id string) (<-chan entity.Session, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, nil, session.ErrNotFound
	}

	key := r.nextSub
	r.nextSub++
	ch := make(chan entity.Session, 1)
	ch <- e.session.Clone()
	e.subs[key] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if sub, ok := e.subs[key]; ok {
				delete(e.subs, key)
				close(sub)
			}
		})
	}
	return ch, cancel, nil
}

// Clear drops every session. Used at shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if !e.closed {
			e.closed = true
			close(e.done)
		}
		for key, ch := range e.subs {
			close(ch)
			delete(e.subs, key)
		}
		delete(r.entries, id)
	}
}

func (r *Registry) owned(id, jobID string) (*entry, error) {
	e, ok := r.entries[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	if e.session.State != entity.StateProcessing || e.session.JobID != jobID {
		return nil, ErrStaleJob
	}
	return e, nil
}

func (r *Registry) finish(e *entry) {
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	r.publish(e)
}

func (r *Registry) publish(e *entry) {
	snapshot := e.session.Clone()
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot.Clone()
	}
	for _, fn := range r.observers {
		fn(snapshot.Clone())
	}
}

// ValidateSequences checks that a batch is strictly increasing and above last.
func ValidateSequences(last int, sequences []int) error {
	if len(sequences) == 0 {
		return fmt.Errorf("%w: no artifacts in batch", session.ErrInvalidArtifact)
	}
	prev := last
	for _, seq := range sequences {
		if seq < 0 {
			return fmt.Errorf("%w: negative sequence %d", session.ErrInvalidArtifact, seq)
		}
		if seq <= prev {
			return fmt.Errorf("%w: sequence %d is duplicate or out of order", session.ErrInvalidArtifact, seq)
		}
		prev = seq
	}
	return nil
}
