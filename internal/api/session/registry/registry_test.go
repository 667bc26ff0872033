package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"PersonDetection/internal/api/session"
	"PersonDetection/internal/entity"
)

func testConfig() entity.SessionConfig {
	return entity.SessionConfig{
		FrameRate:     15,
		FrameWidth:    640,
		FrameHeight:   480,
		ImageTimeout:  time.Second,
		JobTimeout:    time.Minute,
		FailurePolicy: entity.PolicyFailFast,
	}
}

func artifacts(seqs ...int) []entity.Artifact {
	out := make([]entity.Artifact, len(seqs))
	for i, s := range seqs {
		out[i] = entity.Artifact{Sequence: s, Name: fmt.Sprintf("img-%d.jpg", s), RawRef: fmt.Sprintf("raw/%06d.jpg", s)}
	}
	return out
}

func uploaded(t *testing.T, r *Registry, seqs ...int) entity.Session {
	t.Helper()
	s := r.Create(testConfig())
	s, err := r.AppendArtifacts(s.ID, artifacts(seqs...))
	if err != nil {
		t.Fatalf("AppendArtifacts: %v", err)
	}
	return s
}

func TestCreateStartsEmpty(t *testing.T) {
	r := New()
	s := r.Create(testConfig())

	if s.State != entity.StateCreated {
		t.Errorf("state = %s, want CREATED", s.State)
	}
	if len(s.Artifacts) != 0 {
		t.Errorf("expected no artifacts, got %d", len(s.Artifacts))
	}
	if _, err := r.Get(s.ID); err != nil {
		t.Errorf("Get: %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendArtifactsValidatesSequences(t *testing.T) {
	tests := []struct {
		name    string
		first   []int
		second  []int
		wantErr bool
	}{
		{name: "ascending", first: []int{0, 1, 2}},
		{name: "gaps allowed", first: []int{0, 5, 9}},
		{name: "duplicate in batch", first: []int{0, 0}, wantErr: true},
		{name: "descending in batch", first: []int{2, 1}, wantErr: true},
		{name: "negative", first: []int{-1}, wantErr: true},
		{name: "empty batch", first: []int{}, wantErr: true},
		{name: "continues previous batch", first: []int{0, 1}, second: []int{2, 3}},
		{name: "repeats previous batch", first: []int{0, 1}, second: []int{1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			s := r.Create(testConfig())

			_, err := r.AppendArtifacts(s.ID, artifacts(tt.first...))
			if tt.second != nil {
				if err != nil {
					t.Fatalf("first batch: %v", err)
				}
				_, err = r.AppendArtifacts(s.ID, artifacts(tt.second...))
			}

			if tt.wantErr {
				if !errors.Is(err, session.ErrInvalidArtifact) {
					t.Fatalf("expected ErrInvalidArtifact, got %v", err)
				}
				got, _ := r.Get(s.ID)
				if got.State != entity.StateCreated && got.State != entity.StateUploaded {
					t.Errorf("state = %s after rejected upload", got.State)
				}
				if got.JobID != "" {
					t.Error("rejected upload must not start a job")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDuplicateUploadLeavesCreatedSessionUntouched(t *testing.T) {
	r := New()
	s := r.Create(testConfig())

	if _, err := r.AppendArtifacts(s.ID, artifacts(0, 0)); !errors.Is(err, session.ErrInvalidArtifact) {
		t.Fatalf("expected ErrInvalidArtifact, got %v", err)
	}
	got, _ := r.Get(s.ID)
	if got.State != entity.StateCreated || len(got.Artifacts) != 0 {
		t.Errorf("session changed: state=%s artifacts=%d", got.State, len(got.Artifacts))
	}
}

func TestClaimProcessingEmptySession(t *testing.T) {
	r := New()
	s := r.Create(testConfig())

	if _, err := r.ClaimProcessing(s.ID, testConfig()); !errors.Is(err, session.ErrEmptySession) {
		t.Fatalf("expected ErrEmptySession, got %v", err)
	}
	got, _ := r.Get(s.ID)
	if got.State != entity.StateCreated {
		t.Errorf("state = %s, want CREATED", got.State)
	}
}

func TestClaimProcessingIsExclusive(t *testing.T) {
	r := New()
	s := uploaded(t, r, 0, 1, 2)

	const callers = 32
	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		invalid atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := r.ClaimProcessing(s.ID, testConfig())
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, session.ErrInvalidState):
				invalid.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if won.Load() != 1 {
		t.Errorf("claims won = %d, want 1", won.Load())
	}
	if invalid.Load() != callers-1 {
		t.Errorf("InvalidState = %d, want %d", invalid.Load(), callers-1)
	}
}

func TestUploadRejectedOnceProcessing(t *testing.T) {
	r := New()
	s := uploaded(t, r, 0)
	if _, err := r.ClaimProcessing(s.ID, testConfig()); err != nil {
		t.Fatalf("ClaimProcessing: %v", err)
	}

	if _, err := r.AppendArtifacts(s.ID, artifacts(1)); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := r.CheckSequences(s.ID, []int{1}); !errors.Is(err, session.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from CheckSequences, got %v", err)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	r := New()
	s := uploaded(t, r, 0, 1, 2)
	claimed, err := r.ClaimProcessing(s.ID, testConfig())
	if err != nil {
		t.Fatalf("ClaimProcessing: %v", err)
	}

	steps := []int{1, 3, 2, 7}
	want := []int{1, 3, 3, 3}
	for i, processed := range steps {
		if err := r.RecordDetection(s.ID, claimed.JobID, i%3, entity.DetectionResult{}, processed); err != nil {
			t.Fatalf("RecordDetection: %v", err)
		}
		got, _ := r.Get(s.ID)
		if got.Progress.Processed != want[i] {
			t.Errorf("step %d: processed = %d, want %d", i, got.Progress.Processed, want[i])
		}
	}
}

func TestJobWritesRequireOwnership(t *testing.T) {
	r := New()
	s := uploaded(t, r, 0)
	claimed, err := r.ClaimProcessing(s.ID, testConfig())
	if err != nil {
		t.Fatalf("ClaimProcessing: %v", err)
	}

	if err := r.Complete(s.ID, "other-job", "output/processed.avi", entity.Stats{}); !errors.Is(err, ErrStaleJob) {
		t.Errorf("expected ErrStaleJob, got %v", err)
	}
	if err := r.Complete(s.ID, claimed.JobID, "output/processed.avi", entity.Stats{TotalPeople: 2}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := r.Fail(s.ID, claimed.JobID, entity.SessionError{Kind: entity.ErrorTimeout}); !errors.Is(err, ErrStaleJob) {
		t.Errorf("terminal session accepted a second outcome: %v", err)
	}

	got, _ := r.Get(s.ID)
	if got.State != entity.StateCompleted || got.OutputRef == "" || got.Stats.TotalPeople != 2 {
		t.Errorf("unexpected final session: %+v", got)
	}
	if got.Progress.Processed != got.Progress.Total {
		t.Errorf("progress = %+v", got.Progress)
	}
}

func TestDeletedSessionIsNotResurrected(t *testing.T) {
	r := New()
	s := uploaded(t, r, 0, 1)
	claimed, err := r.ClaimProcessing(s.ID, testConfig())
	if err != nil {
		t.Fatalf("ClaimProcessing: %v", err)
	}

	last, err := r.Delete(s.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if last.JobID != claimed.JobID {
		t.Errorf("deleted snapshot lost the job id")
	}

	if err := r.RecordDetection(s.ID, claimed.JobID, 0, entity.DetectionResult{}, 1); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := r.Fail(s.ID, claimed.JobID, entity.SessionError{Kind: entity.ErrorCancelled}); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Delete(s.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestWaitReturnsOnTerminalState(t *testing.T) {
	r := New()
	s := uploaded(t, r, 0)
	claimed, err := r.ClaimProcessing(s.ID, testConfig())
	if err != nil {
		t.Fatalf("ClaimProcessing: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Fail(s.ID, claimed.JobID, entity.SessionError{Kind: entity.ErrorDetectionFailure, Message: "boom"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := r.Wait(ctx, s.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got.State != entity.StateFailed || got.Error == nil {
		t.Errorf("unexpected snapshot: %+v", got)
	}
}

func TestWaitTimeoutReturnsCurrentStatus(t *testing.T) {
	r := New()
	s := uploaded(t, r, 0)
	if _, err := r.ClaimProcessing(s.ID, testConfig()); err != nil {
		t.Fatalf("ClaimProcessing: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := r.Wait(ctx, s.ID)
	if err != nil {
		t.Fatalf("Wait returned an error on timeout: %v", err)
	}
	if got.State != entity.StateProcessing {
		t.Errorf("state = %s, want PROCESSING", got.State)
	}
}

func TestSubscribeKeepsLatestSnapshot(t *testing.T) {
	r := New()
	s := uploaded(t, r, 0, 1, 2)
	updates, cancel, err := r.Subscribe(s.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	claimed, err := r.ClaimProcessing(s.ID, testConfig())
	if err != nil {
		t.Fatalf("ClaimProcessing: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := r.RecordDetection(s.ID, claimed.JobID, i, entity.DetectionResult{}, i+1); err != nil {
			t.Fatalf("RecordDetection: %v", err)
		}
	}

	got := <-updates
	if got.Progress.Processed != 3 {
		t.Errorf("expected the latest snapshot, got progress %+v", got.Progress)
	}

	if _, err := r.Delete(s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	last, ok := <-updates
	if !ok || last.State != entity.StateDeleted {
		t.Errorf("expected DELETED snapshot before close, got %+v ok=%v", last, ok)
	}
	if _, ok := <-updates; ok {
		t.Error("channel not closed after delete")
	}
}

func TestObserverSeesEveryTransition(t *testing.T) {
	var states []entity.SessionState
	r := New(WithObserver(func(s entity.Session) {
		states = append(states, s.State)
	}))

	s := uploaded(t, r, 0)
	claimed, err := r.ClaimProcessing(s.ID, testConfig())
	if err != nil {
		t.Fatalf("ClaimProcessing: %v", err)
	}
	if err := r.Complete(s.ID, claimed.JobID, "output/processed.avi", entity.Stats{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := r.Delete(s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	want := []entity.SessionState{
		entity.StateCreated,
		entity.StateUploaded,
		entity.StateProcessing,
		entity.StateCompleted,
		entity.StateDeleted,
	}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestListOrdersByCreation(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r := New(WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	first := r.Create(testConfig())
	second := r.Create(testConfig())

	list := r.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("unexpected order: %+v", list)
	}

	r.Clear()
	if len(r.List()) != 0 {
		t.Error("Clear left sessions behind")
	}
}
