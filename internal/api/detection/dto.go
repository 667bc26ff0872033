package detection

import "PersonDetection/internal/entity"

type DetectRequest struct {
	Annotate    bool `form:"annotate" query:"annotate"`
	PeopleOnly  bool `form:"people_only" query:"people_only"`
	JPEGQuality int  `form:"quality" query:"quality" validate:"omitempty,gte=1,lte=100"`
}

type DetectResponse struct {
	Width          int             `json:"width"`
	Height         int             `json:"height"`
	PeopleCount    int             `json:"people_count"`
	Regions        []entity.Region `json:"regions"`
	AnnotatedImage string          `json:"annotated_image,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
}

// FrameResult is the message written back for each frame on the detect
// websocket.
type FrameResult struct {
	Frame       int             `json:"frame"`
	PeopleCount int             `json:"people_count"`
	Regions     []entity.Region `json:"regions"`
	Error       string          `json:"error,omitempty"`
}
