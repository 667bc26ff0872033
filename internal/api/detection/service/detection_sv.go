package detectionService

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"PersonDetection/internal/api/detection"
	"PersonDetection/internal/entity"
	contextPkg "PersonDetection/pkg/context"
	"PersonDetection/pkg/detector"
	"PersonDetection/pkg/render"
	"github.com/sirupsen/logrus"
)

func (s *detectionService) Detect(ctx context.Context, image []byte, req detection.DetectRequest) (detection.DetectResponse, error) {
	requestID := contextPkg.GetRequestID(ctx)
	start := time.Now()

	cfg, _, err := s.utils.InspectImage(image)
	if err != nil {
		return detection.DetectResponse{}, fmt.Errorf("%w: %v", detection.ErrInvalidImage, err)
	}

	regions, err := s.detect(ctx, image)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Warn("Preview detection failed")
		return detection.DetectResponse{}, err
	}
	if req.PeopleOnly {
		regions = detector.OnlyPeople(regions)
	}

	result := entity.NewDetectionResult(regions, time.Now())
	resp := detection.DetectResponse{
		Width:       cfg.Width,
		Height:      cfg.Height,
		PeopleCount: result.PeopleCount,
		Regions:     result.Regions,
	}

	if req.Annotate {
		img, err := s.renderer.Render(render.Frame{
			Raw:      image,
			Regions:  regions,
			Captions: []string{fmt.Sprintf("People detected: %d", result.PeopleCount)},
		})
		if err != nil {
			return detection.DetectResponse{}, fmt.Errorf("%w: %v", detection.ErrRenderFailed, err)
		}
		quality := req.JPEGQuality
		if quality == 0 {
			quality = 85
		}
		encoded, err := render.EncodeJPEG(img, quality)
		if err != nil {
			return detection.DetectResponse{}, fmt.Errorf("%w: %v", detection.ErrRenderFailed, err)
		}
		resp.AnnotatedImage = base64.StdEncoding.EncodeToString(encoded)
	}

	resp.DurationMs = time.Since(start).Milliseconds()

	s.log.WithFields(logrus.Fields{
		"request_id":   requestID,
		"people_count": resp.PeopleCount,
		"regions":      len(resp.Regions),
		"duration_ms":  resp.DurationMs,
	}).Debug("Preview detection finished")

	return resp, nil
}

// DetectFrame never fails; errors are reported inside the result so a stream
// can continue with the next frame.
func (s *detectionService) DetectFrame(ctx context.Context, frame int, image []byte) detection.FrameResult {
	out := detection.FrameResult{Frame: frame, Regions: []entity.Region{}}

	if _, _, err := s.utils.InspectImage(image); err != nil {
		out.Error = err.Error()
		return out
	}

	regions, err := s.detect(ctx, image)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	result := entity.NewDetectionResult(regions, time.Now())
	out.PeopleCount = result.PeopleCount
	out.Regions = result.Regions
	return out
}

func (s *detectionService) detect(ctx context.Context, image []byte) ([]entity.Region, error) {
	detectCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	regions, err := s.detector.Detect(detectCtx, image)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(detectCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", detection.ErrDetectionTimeout, s.timeout)
		}
		return nil, fmt.Errorf("%w: %v", detection.ErrDetectionFailed, err)
	}
	if regions == nil {
		regions = []entity.Region{}
	}
	return regions, nil
}
