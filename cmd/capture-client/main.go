package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"PersonDetection/internal/api/session"
	"PersonDetection/internal/client"
	"PersonDetection/internal/entity"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()

	server := flag.String("server", envOr("CAPTURE_SERVER_URL", "http://localhost:3000"), "detection server base url")
	captureCmd := flag.String("capture-cmd", os.Getenv("CAPTURE_COMMAND"), "shell command writing one image to "+client.PathPlaceholder)
	images := flag.String("images", "", "glob of existing images to upload instead of capturing")
	count := flag.Int("count", 0, "images per capture round (0 uses the server default)")
	interval := flag.Duration("interval", 0, "delay between captures (0 uses the server default)")
	fps := flag.Int("fps", 0, "frame rate of the output video (0 uses the server default)")
	outDir := flag.String("out", "/tmp/person_detection", "directory for captures and the downloaded video")
	deleteAfter := flag.Bool("delete", false, "delete the session after downloading")
	timeout := flag.Duration("timeout", 5*time.Minute, "how long to wait for processing")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, options{
		server:      *server,
		captureCmd:  *captureCmd,
		images:      *images,
		count:       *count,
		interval:    *interval,
		fps:         *fps,
		outDir:      *outDir,
		deleteAfter: *deleteAfter,
		timeout:     *timeout,
	}); err != nil {
		logger.Fatal(err)
	}
}

type options struct {
	server      string
	captureCmd  string
	images      string
	count       int
	interval    time.Duration
	fps         int
	outDir      string
	deleteAfter bool
	timeout     time.Duration
}

func run(ctx context.Context, logger *logrus.Logger, opts options) error {
	api := client.New(opts.server, 30*time.Second)

	policy, err := api.Config()
	if err != nil {
		logger.Warnf("Could not read capture policy, using local defaults: %v", err)
		policy = session.CaptureConfigResponse{CaptureCount: 15, CaptureInterval: 0.2}
	}
	if opts.count <= 0 {
		opts.count = policy.CaptureCount
	}
	if opts.interval <= 0 {
		opts.interval = time.Duration(policy.CaptureInterval * float64(time.Second))
	}

	var batch []client.Image
	switch {
	case opts.images != "":
		batch, err = client.LoadImages(opts.images)
		if err != nil {
			return fmt.Errorf("load images: %w", err)
		}
	case opts.captureCmd != "":
		logger.Infof("Capturing %d images with %v interval", opts.count, opts.interval)
		var errs []error
		batch, errs = client.Capture(ctx, opts.captureCmd, opts.outDir, opts.count, opts.interval)
		for _, e := range errs {
			logger.Warn(e)
		}
	default:
		return errors.New("either -images or -capture-cmd is required")
	}
	if len(batch) == 0 {
		return errors.New("no images to upload")
	}

	uploaded, err := api.Upload(batch, client.UploadOptions{ProcessNow: true, FPS: opts.fps})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	logger.WithField("session_id", uploaded.SessionID).Info(uploaded.Message)

	if !uploaded.Processing {
		if _, err := api.Process(uploaded.SessionID); err != nil {
			return fmt.Errorf("process: %w", err)
		}
	}

	final, err := watch(ctx, logger, api, uploaded.SessionID, opts.timeout)
	if err != nil {
		return err
	}

	switch final.State {
	case entity.StateCompleted:
		logger.Infof("People detected: %d total, at most %d in one frame", final.Stats.TotalPeople, final.Stats.MaxPeopleInFrame)
		data, err := api.Download(final.SessionID)
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		path := filepath.Join(opts.outDir, fmt.Sprintf("processed_%s.avi", final.SessionID))
		if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write video: %w", err)
		}
		logger.Infof("Video downloaded to %s", path)
	case entity.StateFailed:
		logger.Errorf("Processing failed: %v", final.Error)
	default:
		logger.Warnf("Stopped watching in state %s", final.State)
	}

	if opts.deleteAfter {
		if err := api.Delete(final.SessionID); err != nil {
			return fmt.Errorf("delete: %w", err)
		}
		logger.Infof("Session %s deleted", final.SessionID)
	}
	return nil
}

func watch(ctx context.Context, logger *logrus.Logger, api *client.Client, sessionID string, timeout time.Duration) (session.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetch := func() (session.StatusResponse, error) {
		return api.Status(sessionID)
	}

	if stdoutIsTTY() {
		p := tea.NewProgram(client.NewWatchModel(fetch, 500*time.Millisecond), tea.WithContext(ctx))
		finalModel, err := p.Run()
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return session.StatusResponse{}, err
		}
		if m, ok := finalModel.(client.WatchModel); ok {
			status, _, err := m.Result()
			if status.SessionID == "" {
				status.SessionID = sessionID
			}
			return status, err
		}
		return session.StatusResponse{SessionID: sessionID}, nil
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		status, err := fetch()
		if err != nil {
			logger.Warnf("Error checking status: %v", err)
		} else {
			logger.Infof("Processing status: %s (%d/%d)", status.State, status.Progress.Processed, status.Progress.Total)
			if status.State.IsTerminal() {
				return status, nil
			}
		}

		select {
		case <-ctx.Done():
			logger.Warn("Timeout waiting for processing to complete")
			return session.StatusResponse{SessionID: sessionID, State: status.State}, nil
		case <-ticker.C:
		}
	}
}

func stdoutIsTTY() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
