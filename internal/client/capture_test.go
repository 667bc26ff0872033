package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCaptureCollectsEachRun(t *testing.T) {
	dir := t.TempDir()

	images, errs := Capture(context.Background(), "printf frame > {path}", dir, 3, time.Millisecond)
	if len(errs) != 0 {
		t.Fatalf("Capture() errors = %v", errs)
	}
	if len(images) != 3 {
		t.Fatalf("Capture() returned %d images, want 3", len(images))
	}
	for _, img := range images {
		if string(img.Data) != "frame" {
			t.Fatalf("image %s = %q", img.Name, img.Data)
		}
	}
}

func TestCaptureSkipsFailedRuns(t *testing.T) {
	images, errs := Capture(context.Background(), "exit 1", t.TempDir(), 2, 0)
	if len(images) != 0 || len(errs) != 2 {
		t.Fatalf("Capture() = %d images, %d errors; want 0, 2", len(images), len(errs))
	}
}

func TestLoadImagesSortsByName(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.jpg", "a.jpg", "c.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	images, err := LoadImages(filepath.Join(dir, "*.jpg"))
	if err != nil {
		t.Fatalf("LoadImages() error = %v", err)
	}
	if len(images) != 2 || filepath.Base(images[0].Name) != "a.jpg" || filepath.Base(images[1].Name) != "b.jpg" {
		t.Fatalf("LoadImages() = %+v", images)
	}
}
