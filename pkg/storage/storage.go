package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("object not found")
	ErrNamespaceDeleted = errors.New("session namespace deleted")
	ErrInvalidRef       = errors.New("invalid storage reference")
)

const (
	rawDir    = "raw"
	outputDir = "output"
)

// IStorage owns the bytes of every session. All references are relative to
// the session namespace.
type IStorage interface {
	Put(ctx context.Context, sessionID string, sequence int, ext string, data []byte) (string, error)
	Get(ctx context.Context, sessionID, ref string) ([]byte, error)
	PutOutput(ctx context.Context, sessionID string, ext string, data []byte) (string, error)
	Remove(ctx context.Context, sessionID, ref string) error
	DeleteAll(ctx context.Context, sessionID string) error
}

func rawRef(sequence int, ext string) string {
	return path.Join(rawDir, fmt.Sprintf("%06d-%s%s", sequence, uuid.NewString()[:8], normalizeExt(ext)))
}

func outputRef(ext string) string {
	return path.Join(outputDir, "processed"+normalizeExt(ext))
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func validateNamespace(sessionID string) error {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return fmt.Errorf("%w: session id %q", ErrInvalidRef, sessionID)
	}
	return nil
}

func validateRef(ref string) error {
	if ref == "" || path.IsAbs(ref) || path.Clean(ref) != ref || strings.HasPrefix(ref, "..") || strings.Contains(ref, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}
