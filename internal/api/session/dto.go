package session

import (
	"time"

	"PersonDetection/internal/entity"
)

// UploadRequest carries the form fields that accompany the image files of an
// upload. Sequences, when given, pair with the files in order.
type UploadRequest struct {
	SessionID  string `form:"session_id"`
	Sequences  []int  `form:"sequence"`
	ProcessNow bool   `form:"process_now"`
	FPS        int    `form:"fps" validate:"gte=0,lte=120"`
}

type UploadFile struct {
	Name     string
	Sequence int
	Data     []byte
	Ext      string
}

type UploadResponse struct {
	SessionID     string              `json:"session_id"`
	State         entity.SessionState `json:"state"`
	Message       string              `json:"message"`
	UploadedCount int                 `json:"uploaded_count"`
	TotalCount    int                 `json:"total_count"`
	Processing    bool                `json:"processing"`
}

// ProcessRequest holds optional overrides of the session's processing config.
// Durations are given in seconds.
type ProcessRequest struct {
	Count         *int     `json:"count,omitempty" validate:"omitempty,gte=0,lte=1000"`
	Interval      *float64 `json:"interval,omitempty" validate:"omitempty,gte=0"`
	FPS           *int     `json:"fps,omitempty" validate:"omitempty,gt=0,lte=120"`
	Width         *int     `json:"frame_width,omitempty" validate:"omitempty,gt=0,lte=7680"`
	Height        *int     `json:"frame_height,omitempty" validate:"omitempty,gt=0,lte=4320"`
	Timeout       *float64 `json:"timeout,omitempty" validate:"omitempty,gt=0"`
	ImageTimeout  *float64 `json:"image_timeout,omitempty" validate:"omitempty,gt=0"`
	FailurePolicy string   `json:"failure_policy,omitempty" validate:"omitempty,oneof=fail_fast skip"`
	Wait          bool     `json:"wait,omitempty"`
	WaitTimeout   *float64 `json:"wait_timeout,omitempty" validate:"omitempty,gt=0"`
}

type ProcessResponse struct {
	SessionID string         `json:"session_id"`
	Accepted  bool           `json:"accepted"`
	Message   string         `json:"message"`
	Status    StatusResponse `json:"status"`
}

type StatusResponse struct {
	SessionID string               `json:"session_id"`
	State     entity.SessionState  `json:"state"`
	Progress  entity.Progress      `json:"progress"`
	Stats     entity.Stats         `json:"stats"`
	Error     *entity.SessionError `json:"error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Artifacts []entity.Artifact    `json:"artifacts,omitempty"`
}

type SessionSummary struct {
	SessionID     string              `json:"session_id"`
	State         entity.SessionState `json:"state"`
	Progress      entity.Progress     `json:"progress"`
	ArtifactCount int                 `json:"artifact_count"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type ListResponse struct {
	Sessions []SessionSummary `json:"sessions"`
	Count    int              `json:"count"`
}

type DeleteResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type Download struct {
	Filename    string
	ContentType string
	Data        []byte
}

// CaptureConfigResponse is the capture policy a device uses for one round.
type CaptureConfigResponse struct {
	FPS             int                  `json:"fps"`
	FrameWidth      int                  `json:"frame_width"`
	FrameHeight     int                  `json:"frame_height"`
	CaptureCount    int                  `json:"capture_count"`
	CaptureInterval float64              `json:"capture_interval"`
	ImageTimeout    float64              `json:"image_timeout"`
	JobTimeout      float64              `json:"job_timeout"`
	FailurePolicy   entity.FailurePolicy `json:"failure_policy"`
	MaxUploadFiles  int                  `json:"max_upload_files"`
}

type RunsResponse struct {
	Runs  []entity.ProcessingRun `json:"runs"`
	Count int                    `json:"count"`
}

func NewStatusResponse(s entity.Session, withArtifacts bool) StatusResponse {
	resp := StatusResponse{
		SessionID: s.ID,
		State:     s.State,
		Progress:  s.Progress,
		Stats:     s.Stats,
		Error:     s.Error,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if withArtifacts {
		resp.Artifacts = s.Artifacts
	}
	return resp
}

func NewSessionSummary(s entity.Session) SessionSummary {
	return SessionSummary{
		SessionID:     s.ID,
		State:         s.State,
		Progress:      s.Progress,
		ArtifactCount: len(s.Artifacts),
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
