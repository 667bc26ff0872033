package entity

import (
	"fmt"
	"time"
)

const PersonLabel = "person"

type Region struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

type DetectionResult struct {
	Regions     []Region  `json:"regions"`
	PeopleCount int       `json:"people_count"`
	Skipped     bool      `json:"skipped,omitempty"`
	Error       string    `json:"error,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

func NewDetectionResult(regions []Region, at time.Time) DetectionResult {
	people := 0
	for _, r := range regions {
		if r.Label == PersonLabel {
			people++
		}
	}
	return DetectionResult{
		Regions:     regions,
		PeopleCount: people,
		DetectedAt:  at,
	}
}

func (d DetectionResult) Clone() DetectionResult {
	out := d
	if d.Regions != nil {
		out.Regions = append([]Region(nil), d.Regions...)
	}
	return out
}

type ErrorKind string

const (
	ErrorDetectionFailure ErrorKind = "DETECTION_FAILURE"
	ErrorTimeout          ErrorKind = "TIMEOUT"
	ErrorStorageFailure   ErrorKind = "STORAGE_FAILURE"
	ErrorCancelled        ErrorKind = "CANCELLED"
	ErrorInternal         ErrorKind = "INTERNAL"
)

// SessionError is the failure recorded on a FAILED session.
type SessionError struct {
	Kind             ErrorKind `json:"kind"`
	Message          string    `json:"message"`
	ArtifactSequence *int      `json:"artifact_sequence,omitempty"`
}

func (e *SessionError) Error() string {
	if e.ArtifactSequence != nil {
		return fmt.Sprintf("%s: artifact %d: %s", e.Kind, *e.ArtifactSequence, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
