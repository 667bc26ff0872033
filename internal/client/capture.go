package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// PathPlaceholder is replaced in a capture command by the file to write.
const PathPlaceholder = "{path}"

// Capture runs command count times, interval apart, and collects the file
// each run wrote. A run that fails or writes nothing is skipped.
func Capture(ctx context.Context, command, dir string, count int, interval time.Duration) ([]Image, []error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, []error{fmt.Errorf("create capture dir: %w", err)}
	}

	var (
		images []Image
		errs   []error
	)
	for i := 0; i < count; i++ {
		path := filepath.Join(dir, fmt.Sprintf("image_%05d_%d.jpg", i, time.Now().UnixMilli()))
		cmd := exec.CommandContext(ctx, "sh", "-c", strings.ReplaceAll(command, PathPlaceholder, path))

		if out, err := cmd.CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("capture %d/%d: %w: %s", i+1, count, err, strings.TrimSpace(string(out))))
		} else if data, err := os.ReadFile(path); err != nil || len(data) == 0 {
			errs = append(errs, fmt.Errorf("capture %d/%d: no image written to %s", i+1, count, path))
		} else {
			images = append(images, Image{Name: path, Data: data})
		}

		if i < count-1 {
			select {
			case <-ctx.Done():
				return images, append(errs, ctx.Err())
			case <-time.After(interval):
			}
		}
	}
	return images, errs
}

// LoadImages reads the files matching pattern in lexical order, which is the
// order they are uploaded and rendered in.
func LoadImages(pattern string) ([]Image, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	images := make([]Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		images = append(images, Image{Name: p, Data: data})
	}
	return images, nil
}
