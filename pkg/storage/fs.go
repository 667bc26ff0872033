package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const trashDir = ".trash"

type fileStorage struct {
	root  string
	guard *namespaceGuard
	log   *logrus.Logger
}

// NewFileStorage keeps every session under root/<session_id>. Files are
// written to a temp name and renamed so readers never see a partial write.
func NewFileStorage(root string, log *logrus.Logger) (IStorage, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	if err := os.MkdirAll(filepath.Join(root, trashDir), 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &fileStorage{
		root:  root,
		guard: newNamespaceGuard(0),
		log:   log,
	}, nil
}

func (s *fileStorage) Put(ctx context.Context, sessionID string, sequence int, ext string, data []byte) (string, error) {
	ref := rawRef(sequence, ext)
	if err := s.write(ctx, sessionID, ref, data); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *fileStorage) PutOutput(ctx context.Context, sessionID string, ext string, data []byte) (string, error) {
	ref := outputRef(ext)
	if err := s.write(ctx, sessionID, ref, data); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *fileStorage) Get(ctx context.Context, sessionID, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target, err := s.resolve(sessionID, ref)
	if err != nil {
		return nil, err
	}

	release, err := s.guard.enter(sessionID)
	if err != nil {
		return nil, ErrNotFound
	}
	defer release()

	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}

func (s *fileStorage) Remove(ctx context.Context, sessionID, ref string) error {
	target, err := s.resolve(sessionID, ref)
	if err != nil {
		return err
	}

	release, err := s.guard.enter(sessionID)
	if err != nil {
		return nil
	}
	defer release()

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", ref, err)
	}
	return nil
}

// DeleteAll tombstones the namespace first, so it disappears for every
// caller at once, then moves the directory aside and removes it.
func (s *fileStorage) DeleteAll(ctx context.Context, sessionID string) error {
	if err := validateNamespace(sessionID); err != nil {
		return err
	}
	s.guard.tombstone(sessionID)

	dir := filepath.Join(s.root, sessionID)
	trash := filepath.Join(s.root, trashDir, sessionID+"-"+uuid.NewString()[:8])
	if err := os.Rename(dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}

	if err := os.RemoveAll(trash); err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": sessionID,
			"path":       trash,
			"error":      err.Error(),
		}).Warn("Failed to purge deleted session directory")
	}
	return nil
}

func (s *fileStorage) write(ctx context.Context, sessionID, ref string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.resolve(sessionID, ref)
	if err != nil {
		return err
	}

	release, err := s.guard.enter(sessionID)
	if err != nil {
		return err
	}
	defer release()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", ref, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("commit %s: %w", ref, err)
	}
	return nil
}

func (s *fileStorage) resolve(sessionID, ref string) (string, error) {
	if err := validateNamespace(sessionID); err != nil {
		return "", err
	}
	if err := validateRef(ref); err != nil {
		return "", err
	}
	return filepath.Join(s.root, sessionID, filepath.FromSlash(ref)), nil
}
