package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	s3Pkg "PersonDetection/pkg/s3"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestFileStorage(t *testing.T) (IStorage, string) {
	t.Helper()
	root := t.TempDir()
	s, err := NewFileStorage(root, quietLogger())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	return s, root
}

type memoryS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryS3() *memoryS3 {
	return &memoryS3{objects: make(map[string][]byte)}
}

func (m *memoryS3) PutObject(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func (m *memoryS3) GetObject(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, s3Pkg.ErrObjectNotFound
	}
	return data, nil
}

func (m *memoryS3) DeleteObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryS3) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix+"/") {
			delete(m.objects, key)
		}
	}
	return nil
}

func (m *memoryS3) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func backends(t *testing.T) map[string]IStorage {
	fsStore, _ := newTestFileStorage(t)
	return map[string]IStorage{
		"fs": fsStore,
		"s3": NewObjectStorage(newMemoryS3(), "sessions"),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ref, err := s.Put(ctx, "session-a", 3, ".jpg", []byte("frame-3"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if !strings.HasPrefix(ref, "raw/000003-") || !strings.HasSuffix(ref, ".jpg") {
				t.Errorf("unexpected ref %q", ref)
			}

			got, err := s.Get(ctx, "session-a", ref)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !bytes.Equal(got, []byte("frame-3")) {
				t.Errorf("got %q", got)
			}

			out, err := s.PutOutput(ctx, "session-a", ".avi", []byte("video"))
			if err != nil {
				t.Fatalf("PutOutput: %v", err)
			}
			if out != "output/processed.avi" {
				t.Errorf("output ref = %q", out)
			}
		})
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ref, err := s.Put(ctx, "session-a", 0, "jpg", []byte("a"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, err := s.Get(ctx, "session-b", ref); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound reading across sessions, got %v", err)
			}
		})
	}
}

func TestDeleteAllTombstonesNamespace(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ref, err := s.Put(ctx, "session-a", 0, ".jpg", []byte("a"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			other, err := s.Put(ctx, "session-b", 0, ".jpg", []byte("b"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}

			if err := s.DeleteAll(ctx, "session-a"); err != nil {
				t.Fatalf("DeleteAll: %v", err)
			}
			if _, err := s.Get(ctx, "session-a", ref); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound after delete, got %v", err)
			}
			if _, err := s.Put(ctx, "session-a", 1, ".jpg", []byte("late")); !errors.Is(err, ErrNamespaceDeleted) {
				t.Errorf("expected late write to be rejected, got %v", err)
			}
			if _, err := s.PutOutput(ctx, "session-a", ".avi", []byte("late")); !errors.Is(err, ErrNamespaceDeleted) {
				t.Errorf("expected late output to be rejected, got %v", err)
			}
			if _, err := s.Get(ctx, "session-b", other); err != nil {
				t.Errorf("other session affected: %v", err)
			}

			if err := s.DeleteAll(ctx, "session-a"); err != nil {
				t.Errorf("second DeleteAll: %v", err)
			}
		})
	}
}

func TestFileStorageLeavesNoDirectoryBehind(t *testing.T) {
	ctx := context.Background()
	s, root := newTestFileStorage(t)

	for i := 0; i < 3; i++ {
		if _, err := s.Put(ctx, "session-a", i, ".jpg", []byte{byte(i)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.DeleteAll(ctx, "session-a"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "session-a")); !os.IsNotExist(err) {
		t.Errorf("session dir still present: %v", err)
	}
	trash, err := os.ReadDir(filepath.Join(root, trashDir))
	if err != nil {
		t.Fatalf("read trash: %v", err)
	}
	if len(trash) != 0 {
		t.Errorf("trash not purged: %d entries", len(trash))
	}
}

func TestObjectStorageDeletesEveryObject(t *testing.T) {
	ctx := context.Background()
	client := newMemoryS3()
	s := NewObjectStorage(client, "/sessions/")

	for i := 0; i < 3; i++ {
		if _, err := s.Put(ctx, "session-a", i, ".jpg", []byte{byte(i)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := s.Put(ctx, "session-ab", 0, ".jpg", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.DeleteAll(ctx, "session-a"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if got := client.count(); got != 1 {
		t.Errorf("expected only the neighbouring session to remain, have %d objects", got)
	}
}

func TestRemoveSingleArtifact(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ref, err := s.Put(ctx, "session-a", 0, ".png", []byte("a"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Remove(ctx, "session-a", ref); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if _, err := s.Get(ctx, "session-a", ref); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestRejectsEscapingReferences(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStorage(t)

	cases := []struct {
		name      string
		sessionID string
		ref       string
	}{
		{"parent ref", "session-a", "../session-b/raw/x.jpg"},
		{"absolute ref", "session-a", "/etc/passwd"},
		{"unclean ref", "session-a", "raw/./x.jpg"},
		{"slash in session", "a/b", "raw/x.jpg"},
		{"dot session", "..", "raw/x.jpg"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Get(ctx, tc.sessionID, tc.ref); !errors.Is(err, ErrInvalidRef) {
				t.Errorf("expected ErrInvalidRef, got %v", err)
			}
		})
	}
}

// stallingS3 holds every upload for one session until release is closed.
type stallingS3 struct {
	*memoryS3
	session string
	started chan struct{}
	release chan struct{}
}

func (s *stallingS3) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	if strings.Contains(key, "/"+s.session+"/") {
		close(s.started)
		<-s.release
	}
	return s.memoryS3.PutObject(ctx, key, body, contentType)
}

func TestSlowUploadDoesNotBlockOtherSessions(t *testing.T) {
	ctx := context.Background()
	client := &stallingS3{
		memoryS3: newMemoryS3(),
		session:  "slow",
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	s := NewObjectStorage(client, "sessions")

	ref, err := s.Put(ctx, "unrelated", 0, ".jpg", []byte("u"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(ctx, "victim", 0, ".jpg", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	uploaded := make(chan error, 1)
	go func() {
		_, err := s.PutOutput(ctx, "slow", ".avi", []byte("video"))
		uploaded <- err
	}()
	<-client.started

	done := make(chan error, 2)
	go func() { done <- s.DeleteAll(ctx, "victim") }()
	go func() {
		_, err := s.Get(ctx, "unrelated", ref)
		done <- err
	}()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("operation on another session: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("operation on another session blocked behind a slow upload")
		}
	}

	deleted := make(chan error, 1)
	go func() { deleted <- s.DeleteAll(ctx, "slow") }()
	select {
	case <-deleted:
		t.Fatal("DeleteAll returned while an upload to the same session was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(client.release)
	if err := <-uploaded; err != nil {
		t.Errorf("PutOutput: %v", err)
	}
	if err := <-deleted; err != nil {
		t.Errorf("DeleteAll: %v", err)
	}
	if _, err := s.PutOutput(ctx, "slow", ".avi", []byte("late")); !errors.Is(err, ErrNamespaceDeleted) {
		t.Errorf("expected write after delete to be rejected, got %v", err)
	}
}
