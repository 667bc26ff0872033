package entity

import (
	"time"
)

type SessionState string

const (
	StateCreated    SessionState = "CREATED"
	StateUploaded   SessionState = "UPLOADED"
	StateProcessing SessionState = "PROCESSING"
	StateCompleted  SessionState = "COMPLETED"
	StateFailed     SessionState = "FAILED"
	StateDeleted    SessionState = "DELETED"
)

// IsTerminal reports whether no job-driven transition can leave the state.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDeleted
}

// AcceptsUploads reports whether artifacts may still be appended.
func (s SessionState) AcceptsUploads() bool {
	return s == StateCreated || s == StateUploaded
}

type FailurePolicy string

const (
	PolicyFailFast FailurePolicy = "fail_fast"
	PolicySkip     FailurePolicy = "skip"
)

type SessionConfig struct {
	FrameRate       int           `json:"fps" validate:"gt=0,lte=120"`
	FrameWidth      int           `json:"frame_width" validate:"gt=0,lte=7680"`
	FrameHeight     int           `json:"frame_height" validate:"gt=0,lte=4320"`
	ImageTimeout    time.Duration `json:"image_timeout" validate:"gt=0"`
	JobTimeout      time.Duration `json:"job_timeout" validate:"gt=0"`
	CaptureCount    int           `json:"capture_count" validate:"gte=0"`
	CaptureInterval time.Duration `json:"capture_interval" validate:"gte=0"`
	FailurePolicy   FailurePolicy `json:"failure_policy" validate:"oneof=fail_fast skip"`
}

type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

type Artifact struct {
	Sequence  int              `json:"sequence"`
	Name      string           `json:"name,omitempty"`
	RawRef    string           `json:"-"`
	Size      int              `json:"size"`
	Detection *DetectionResult `json:"detection,omitempty"`
}

type Stats struct {
	TotalPeople      int `json:"total_people"`
	MaxPeopleInFrame int `json:"max_people_in_frame"`
}

type Session struct {
	ID        string        `json:"session_id"`
	State     SessionState  `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Artifacts []Artifact    `json:"artifacts"`
	Progress  Progress      `json:"progress"`
	OutputRef string        `json:"-"`
	Error     *SessionError `json:"error,omitempty"`
	Config    SessionConfig `json:"config"`
	Stats     Stats         `json:"stats"`
	JobID     string        `json:"-"`
}

// LastSequence returns the highest sequence appended so far, or -1.
func (s Session) LastSequence() int {
	if len(s.Artifacts) == 0 {
		return -1
	}
	return s.Artifacts[len(s.Artifacts)-1].Sequence
}

// Clone returns a copy that shares no mutable state with s.
func (s Session) Clone() Session {
	out := s
	if s.Artifacts != nil {
		out.Artifacts = make([]Artifact, len(s.Artifacts))
		for i, a := range s.Artifacts {
			out.Artifacts[i] = a
			if a.Detection != nil {
				d := a.Detection.Clone()
				out.Artifacts[i].Detection = &d
			}
		}
	}
	if s.Error != nil {
		e := *s.Error
		if s.Error.ArtifactSequence != nil {
			seq := *s.Error.ArtifactSequence
			e.ArtifactSequence = &seq
		}
		out.Error = &e
	}
	return out
}
