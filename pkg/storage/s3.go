package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	s3Pkg "PersonDetection/pkg/s3"
)

type objectStorage struct {
	client s3Pkg.ItfS3
	prefix string
	guard  *namespaceGuard
}

// NewObjectStorage stores each session under <prefix>/<session_id>/ in the
// configured bucket.
func NewObjectStorage(client s3Pkg.ItfS3, prefix string) IStorage {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "sessions"
	}
	return &objectStorage{
		client: client,
		prefix: prefix,
		guard:  newNamespaceGuard(0),
	}
}

func (s *objectStorage) Put(ctx context.Context, sessionID string, sequence int, ext string, data []byte) (string, error) {
	ref := rawRef(sequence, ext)
	if err := s.write(ctx, sessionID, ref, data); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *objectStorage) PutOutput(ctx context.Context, sessionID string, ext string, data []byte) (string, error) {
	ref := outputRef(ext)
	if err := s.write(ctx, sessionID, ref, data); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *objectStorage) Get(ctx context.Context, sessionID, ref string) ([]byte, error) {
	key, err := s.key(sessionID, ref)
	if err != nil {
		return nil, err
	}

	release, err := s.guard.enter(sessionID)
	if err != nil {
		return nil, ErrNotFound
	}
	defer release()

	data, err := s.client.GetObject(ctx, key)
	if errors.Is(err, s3Pkg.ErrObjectNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *objectStorage) Remove(ctx context.Context, sessionID, ref string) error {
	key, err := s.key(sessionID, ref)
	if err != nil {
		return err
	}

	release, err := s.guard.enter(sessionID)
	if err != nil {
		return nil
	}
	defer release()

	return s.client.DeleteObject(ctx, key)
}

func (s *objectStorage) DeleteAll(ctx context.Context, sessionID string) error {
	if err := validateNamespace(sessionID); err != nil {
		return err
	}
	s.guard.tombstone(sessionID)

	if err := s.client.DeletePrefix(ctx, path.Join(s.prefix, sessionID)); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *objectStorage) write(ctx context.Context, sessionID, ref string, data []byte) error {
	key, err := s.key(sessionID, ref)
	if err != nil {
		return err
	}

	release, err := s.guard.enter(sessionID)
	if err != nil {
		return err
	}
	defer release()

	return s.client.PutObject(ctx, key, data, mime.TypeByExtension(path.Ext(ref)))
}

func (s *objectStorage) key(sessionID, ref string) (string, error) {
	if err := validateNamespace(sessionID); err != nil {
		return "", err
	}
	if err := validateRef(ref); err != nil {
		return "", err
	}
	return path.Join(s.prefix, sessionID, ref), nil
}
