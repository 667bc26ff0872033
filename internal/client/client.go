package client

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"PersonDetection/internal/api/session"
	"github.com/gofiber/fiber/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

type Image struct {
	Name string
	Data []byte
}

type UploadOptions struct {
	SessionID  string
	ProcessNow bool
	FPS        int
}

// Client talks to the session API of a detection server.
type Client struct {
	baseURL string
	timeout time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		timeout: timeout,
	}
}

func (c *Client) Config() (session.CaptureConfigResponse, error) {
	var out session.CaptureConfigResponse
	err := c.doJSON(fiber.Get(c.url("config")), fiber.StatusOK, &out)
	return out, err
}

func (c *Client) Upload(images []Image, opts UploadOptions) (session.UploadResponse, error) {
	var out session.UploadResponse
	if len(images) == 0 {
		return out, fmt.Errorf("no images to upload")
	}

	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	args.Set("process_now", strconv.FormatBool(opts.ProcessNow))
	if opts.FPS > 0 {
		args.Set("fps", strconv.Itoa(opts.FPS))
	}
	if opts.SessionID != "" {
		args.Set("session_id", opts.SessionID)
	}

	agent := fiber.Post(c.url("upload"))
	for _, img := range images {
		agent.FileData(&fiber.FormFile{
			Fieldname: "files",
			Name:      filepath.Base(img.Name),
			Content:   img.Data,
		})
	}
	agent.MultipartForm(args)

	err := c.doJSON(agent, fiber.StatusCreated, &out)
	return out, err
}

func (c *Client) Process(sessionID string) (session.ProcessResponse, error) {
	var out session.ProcessResponse
	err := c.doJSON(fiber.Post(c.url("process", sessionID)), fiber.StatusAccepted, &out)
	return out, err
}

func (c *Client) Status(sessionID string) (session.StatusResponse, error) {
	var out session.StatusResponse
	err := c.doJSON(fiber.Get(c.url("status", sessionID)), fiber.StatusOK, &out)
	return out, err
}

func (c *Client) Download(sessionID string) ([]byte, error) {
	code, body, err := c.send(fiber.Get(c.url("download", sessionID)))
	if err != nil {
		return nil, err
	}
	if code != fiber.StatusOK {
		return nil, decodeError(code, body)
	}
	return body, nil
}

func (c *Client) Delete(sessionID string) error {
	return c.doJSON(fiber.Delete(c.url("session", sessionID)), fiber.StatusOK, nil)
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseURL + "/" + strings.Join(escaped, "/")
}

func (c *Client) send(agent *fiber.Agent) (int, []byte, error) {
	agent.Timeout(c.timeout)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return 0, nil, fmt.Errorf("request failed: %w", errs[0])
	}
	return code, body, nil
}

// doJSON accepts want and, for Process, 200 (the job already finished).
func (c *Client) doJSON(agent *fiber.Agent, want int, out any) error {
	code, body, err := c.send(agent)
	if err != nil {
		return err
	}
	if code != want && !(want == fiber.StatusAccepted && code == fiber.StatusOK) {
		return decodeError(code, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(code int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return &APIError{Status: code, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{Status: code, Code: payload.Code, Message: payload.Error}
}
