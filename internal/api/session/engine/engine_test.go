package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"sync"
	"testing"
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

var palette = []color.RGBA{
	{R: 230, A: 255},
	{G: 230, A: 255},
	{B: 230, A: 255},
	{R: 230, G: 230, A: 255},
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func solidPNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 80, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 80; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	registry *registry.Registry
	storage  storage.IStorage
	images   map[string]int
}

func newFixture(t *testing.T, opts ...registry.Option) *fixture {
	t.Helper()
	store, err := storage.NewFileStorage(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	return &fixture{
		registry: registry.New(opts...),
		storage:  store,
		images:   make(map[string]int),
	}
}

func testConfig() entity.SessionConfig {
	return entity.SessionConfig{
		FrameRate:     5,
		FrameWidth:    160,
		FrameHeight:   120,
		ImageTimeout:  500 * time.Millisecond,
		JobTimeout:    5 * time.Second,
		FailurePolicy: entity.PolicyFailFast,
	}
}

// job uploads n solid-colour images and claims the session for processing.
func (f *fixture) job(t *testing.T, n int, cfg entity.SessionConfig) Job {
	t.Helper()
	ctx := context.Background()
	s := f.registry.Create(cfg)

	artifacts := make([]entity.Artifact, n)
	for i := 0; i < n; i++ {
		raw := solidPNG(t, palette[i%len(palette)])
		f.images[string(raw)] = i
		ref, err := f.storage.Put(ctx, s.ID, i, ".png", raw)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		artifacts[i] = entity.Artifact{Sequence: i, Name: fmt.Sprintf("image_%d.png", i), RawRef: ref, Size: len(raw)}
	}
	if _, err := f.registry.AppendArtifacts(s.ID, artifacts); err != nil {
		t.Fatalf("AppendArtifacts: %v", err)
	}

	claimed, err := f.registry.ClaimProcessing(s.ID, cfg)
	if err != nil {
		t.Fatalf("ClaimProcessing: %v", err)
	}
	return Job{SessionID: s.ID, JobID: claimed.JobID, Artifacts: claimed.Artifacts, Config: cfg}
}

func (f *fixture) engine(det detector.IDetector, opts ...Option) *Engine {
	return New(f.registry, f.storage, det, render.New(), quietLogger(), opts...)
}

func (f *fixture) index(raw []byte) int {
	if i, ok := f.images[string(raw)]; ok {
		return i
	}
	return -1
}

func dominant(t *testing.T, frame []byte) int {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	r, g, b, _ := img.At(150, 60).RGBA()
	switch {
	case r > 0x8000 && g > 0x8000:
		return 3
	case r > 0x8000:
		return 0
	case g > 0x8000:
		return 1
	case b > 0x8000:
		return 2
	}
	return -1
}

func TestRunKeepsFrameOrderWhenDetectionFinishesOutOfOrder(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, 4, testConfig())

	// Reverse the job's artifact list; the engine must sort by sequence.
	for i, j := 0, len(job.Artifacts)-1; i < j; i, j = i+1, j-1 {
		job.Artifacts[i], job.Artifacts[j] = job.Artifacts[j], job.Artifacts[i]
	}

	det := detector.Func(func(ctx context.Context, raw []byte) ([]entity.Region, error) {
		idx := f.index(raw)
		time.Sleep(time.Duration(3-idx) * 15 * time.Millisecond)
		regions := make([]entity.Region, idx)
		for i := range regions {
			regions[i] = entity.Region{Label: entity.PersonLabel, Confidence: 0.9, X: 5, Y: 5, Width: 10, Height: 10}
		}
		return regions, nil
	})

	out := f.engine(det, WithLookahead(3)).Run(context.Background(), job)
	if out.State != entity.StateCompleted {
		t.Fatalf("state = %s, error = %v", out.State, out.Error)
	}

	s, err := f.registry.Get(job.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Progress.Processed != 4 || s.Progress.Total != 4 {
		t.Errorf("progress = %+v", s.Progress)
	}
	if s.Stats.TotalPeople != 6 || s.Stats.MaxPeopleInFrame != 3 {
		t.Errorf("stats = %+v", s.Stats)
	}
	for i, a := range s.Artifacts {
		if a.Detection == nil || a.Detection.PeopleCount != i {
			t.Errorf("artifact %d detection = %+v", i, a.Detection)
		}
	}

	data, err := f.storage.Get(context.Background(), job.SessionID, s.OutputRef)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	frames, err := video.ReadFrames(data)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}
	for i, frame := range frames {
		if got := dominant(t, frame); got != i {
			t.Errorf("frame %d shows image %d", i, got)
		}
	}
}

func TestRunReportsMonotonicProgress(t *testing.T) {
	var (
		mu       sync.Mutex
		progress []int
	)
	f := newFixture(t, registry.WithObserver(func(s entity.Session) {
		if s.State == entity.StateProcessing {
			mu.Lock()
			progress = append(progress, s.Progress.Processed)
			mu.Unlock()
		}
	}))
	job := f.job(t, 3, testConfig())

	out := f.engine(detector.None()).Run(context.Background(), job)
	if out.State != entity.StateCompleted {
		t.Fatalf("state = %s, error = %v", out.State, out.Error)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{0, 1, 2, 3}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v, want %v", progress, want)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress = %v, want %v", progress, want)
			break
		}
	}
}

func blockOn(f *fixture, target int) detector.IDetector {
	return detector.Func(func(ctx context.Context, raw []byte) ([]entity.Region, error) {
		if f.index(raw) == target {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, nil
	})
}

func TestRunFailsFastOnDetectionTimeout(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.ImageTimeout = 50 * time.Millisecond
	job := f.job(t, 3, cfg)

	out := f.engine(blockOn(f, 1)).Run(context.Background(), job)
	if out.State != entity.StateFailed {
		t.Fatalf("state = %s", out.State)
	}

	s, _ := f.registry.Get(job.SessionID)
	if s.State != entity.StateFailed || s.Error == nil {
		t.Fatalf("session = %+v", s)
	}
	if s.Error.Kind != entity.ErrorDetectionFailure {
		t.Errorf("kind = %s", s.Error.Kind)
	}
	if s.Error.ArtifactSequence == nil || *s.Error.ArtifactSequence != 1 {
		t.Errorf("error does not reference artifact 1: %+v", s.Error)
	}
	if s.OutputRef != "" {
		t.Error("failed session exposes output")
	}
	if s.Progress.Processed != 1 {
		t.Errorf("processed = %d, want 1", s.Progress.Processed)
	}
}

func TestRunSkipPolicyRendersFailedFrame(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.ImageTimeout = 50 * time.Millisecond
	cfg.FailurePolicy = entity.PolicySkip
	job := f.job(t, 3, cfg)

	out := f.engine(blockOn(f, 1)).Run(context.Background(), job)
	if out.State != entity.StateCompleted {
		t.Fatalf("state = %s, error = %v", out.State, out.Error)
	}
	if out.Frames != 3 {
		t.Errorf("frames = %d", out.Frames)
	}

	s, _ := f.registry.Get(job.SessionID)
	d := s.Artifacts[1].Detection
	if d == nil || !d.Skipped || d.Error == "" {
		t.Errorf("artifact 1 not marked skipped: %+v", d)
	}
	if s.Artifacts[0].Detection.Skipped || s.Artifacts[2].Detection.Skipped {
		t.Error("healthy artifacts marked skipped")
	}
}

func TestRunMarksJobTimeout(t *testing.T) {
	f := newFixture(t)
	cfg := testConfig()
	cfg.ImageTimeout = 5 * time.Second
	job := f.job(t, 2, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out := f.engine(blockOn(f, 0)).Run(ctx, job)
	if out.State != entity.StateFailed || out.Error == nil || out.Error.Kind != entity.ErrorTimeout {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestRunStopsWhenSessionDeleted(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, 3, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var once sync.Once
	det := detector.Func(func(ctx context.Context, raw []byte) ([]entity.Region, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	done := make(chan Outcome, 1)
	go func() {
		done <- f.engine(det).Run(ctx, job)
	}()

	<-started
	if _, err := f.registry.Delete(job.SessionID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := f.storage.DeleteAll(context.Background(), job.SessionID); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	cancel()

	select {
	case out := <-done:
		if !out.Aborted {
			t.Errorf("expected aborted outcome, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job did not stop after cancellation")
	}

	if _, err := f.registry.Get(job.SessionID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("session resurrected: %v", err)
	}
}

func TestRunReportsStorageFailure(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, 2, testConfig())
	job.Artifacts[1].RawRef = "raw/missing.png"

	out := f.engine(detector.None()).Run(context.Background(), job)
	if out.Error == nil || out.Error.Kind != entity.ErrorStorageFailure {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if out.Error.ArtifactSequence == nil || *out.Error.ArtifactSequence != 1 {
		t.Errorf("error does not reference artifact 1: %+v", out.Error)
	}
}

func TestRunSingleArtifact(t *testing.T) {
	f := newFixture(t)
	job := f.job(t, 1, testConfig())

	out := f.engine(detector.None(), WithLookahead(0)).Run(context.Background(), job)
	if out.State != entity.StateCompleted || out.Frames != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
