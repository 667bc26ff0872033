package middleware

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func newTestApp(rps float64, burst int) (*fiber.App, Middleware) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := New(log, rps, burst)

	app := fiber.New()
	app.Use(m.NewRequestIDMiddleware())
	app.Use(m.NewLoggingMiddleware)
	app.Use(m.NewRateLimiter)
	app.Get("/ping", func(c *fiber.Ctx) error {
		return c.SendString(m.GetRequestID(c))
	})
	return app, m
}

func TestRequestID_GeneratedAndEchoed(t *testing.T) {
	app, _ := newTestApp(100, 100)

	resp, err := app.Test(httptest.NewRequest("GET", "/ping", nil))
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	header := resp.Header.Get(RequestIDKey)
	if header == "" || string(body) != header {
		t.Errorf("expected generated request id in header and locals, got header %q body %q", header, body)
	}

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set(RequestIDKey, "client-id")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if got := resp.Header.Get(RequestIDKey); got != "client-id" {
		t.Errorf("expected client request id to be kept, got %q", got)
	}
}

func TestRateLimiter_RejectsAfterBurst(t *testing.T) {
	app, _ := newTestApp(0.001, 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/ping", nil))
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		codes = append(codes, resp.StatusCode)
	}

	if codes[0] != fiber.StatusOK || codes[1] != fiber.StatusOK || codes[2] != fiber.StatusTooManyRequests {
		t.Errorf("unexpected status codes %v", codes)
	}
}

func TestSanitizeRequestBody(t *testing.T) {
	got := sanitizeRequestBody(fiber.MIMEApplicationJSON, []byte(`{"fps":10,"token":"abc"}`))
	if got != `{"fps":10,"token":"[SECRET]"}` {
		t.Errorf("unexpected sanitized body %s", got)
	}
	if got := sanitizeRequestBody("multipart/form-data; boundary=x", []byte("--x")); got != "[non-JSON body]" {
		t.Errorf("multipart body should not be logged, got %s", got)
	}
}
