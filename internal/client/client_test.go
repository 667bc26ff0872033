package client

import (
	"errors"
	"net"
	"testing"
	"time"

	"PersonDetection/internal/api/session"
	"PersonDetection/internal/entity"
	"github.com/gofiber/fiber/v2"
)

func startServer(t *testing.T, register func(api fiber.Router)) string {
	t.Helper()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	register(app.Group("/api/v1"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return "http://" + ln.Addr().String()
}

func TestClientUploadSendsFilesAndFields(t *testing.T) {
	var gotNames []string
	var gotProcessNow, gotFPS string

	base := startServer(t, func(api fiber.Router) {
		api.Post("/upload", func(c *fiber.Ctx) error {
			form, err := c.MultipartForm()
			if err != nil {
				return err
			}
			for _, fh := range form.File["files"] {
				gotNames = append(gotNames, fh.Filename)
			}
			gotProcessNow = c.FormValue("process_now")
			gotFPS = c.FormValue("fps")
			return c.Status(fiber.StatusCreated).JSON(session.UploadResponse{
				SessionID:     "abc",
				State:         entity.StateProcessing,
				UploadedCount: len(gotNames),
				TotalCount:    len(gotNames),
				Processing:    true,
			})
		})
	})

	c := New(base, 5*time.Second)
	resp, err := c.Upload([]Image{
		{Name: "/tmp/capture/image_00000.jpg", Data: []byte("a")},
		{Name: "image_00001.jpg", Data: []byte("b")},
	}, UploadOptions{ProcessNow: true, FPS: 10})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if resp.SessionID != "abc" || !resp.Processing || resp.UploadedCount != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(gotNames) != 2 || gotNames[0] != "image_00000.jpg" || gotNames[1] != "image_00001.jpg" {
		t.Fatalf("server received files %v", gotNames)
	}
	if gotProcessNow != "true" || gotFPS != "10" {
		t.Fatalf("server received process_now=%q fps=%q", gotProcessNow, gotFPS)
	}
}

func TestClientUploadWithoutImages(t *testing.T) {
	c := New("http://127.0.0.1:1", time.Second)
	if _, err := c.Upload(nil, UploadOptions{}); err == nil {
		t.Fatal("Upload(nil) succeeded")
	}
}

func TestClientSessionCalls(t *testing.T) {
	video := []byte("RIFF....AVI ")

	base := startServer(t, func(api fiber.Router) {
		api.Get("/config", func(c *fiber.Ctx) error {
			return c.JSON(session.CaptureConfigResponse{FPS: 15, CaptureCount: 15, CaptureInterval: 0.2})
		})
		api.Post("/process/:session_id", func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusAccepted).JSON(session.ProcessResponse{
				SessionID: c.Params("session_id"),
				Accepted:  true,
				Message:   "Processing started in background",
			})
		})
		api.Get("/status/:session_id", func(c *fiber.Ctx) error {
			if c.Params("session_id") == "missing" {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found", "code": "NOT_FOUND"})
			}
			return c.JSON(session.StatusResponse{
				SessionID: c.Params("session_id"),
				State:     entity.StateCompleted,
				Progress:  entity.Progress{Processed: 3, Total: 3},
			})
		})
		api.Get("/download/:session_id", func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderContentType, "video/x-msvideo")
			return c.Send(video)
		})
		api.Delete("/session/:session_id", func(c *fiber.Ctx) error {
			return c.JSON(session.DeleteResponse{SessionID: c.Params("session_id")})
		})
	})

	c := New(base+"/", 5*time.Second)

	cfg, err := c.Config()
	if err != nil || cfg.FPS != 15 || cfg.CaptureCount != 15 {
		t.Fatalf("Config() = %+v, %v", cfg, err)
	}

	proc, err := c.Process("s1")
	if err != nil || !proc.Accepted || proc.SessionID != "s1" {
		t.Fatalf("Process() = %+v, %v", proc, err)
	}

	status, err := c.Status("s1")
	if err != nil || status.State != entity.StateCompleted || status.Progress.Total != 3 {
		t.Fatalf("Status() = %+v, %v", status, err)
	}

	_, err = c.Status("missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Status(missing) error = %v, want *APIError", err)
	}
	if apiErr.Status != fiber.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("APIError = %+v", apiErr)
	}

	data, err := c.Download("s1")
	if err != nil || string(data) != string(video) {
		t.Fatalf("Download() = %q, %v", data, err)
	}

	if err := c.Delete("s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
}

func TestClientUnreachableServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New("http://"+addr, time.Second)
	if _, err := c.Status("s1"); err == nil {
		t.Fatal("Status() against a closed port succeeded")
	}
}
