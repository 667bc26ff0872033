package detectionService

import (
	"context"
	"time"

	"PersonDetection/internal/api/detection"
	"PersonDetection/pkg/detector"
	"PersonDetection/pkg/render"
	"PersonDetection/pkg/utils"
	"github.com/sirupsen/logrus"
)

type IDetectionService interface {
	Detect(ctx context.Context, image []byte, req detection.DetectRequest) (detection.DetectResponse, error)
	DetectFrame(ctx context.Context, frame int, image []byte) detection.FrameResult
}

type detectionService struct {
	log      *logrus.Logger
	detector detector.IDetector
	renderer render.IRenderer
	utils    utils.IUtils
	timeout  time.Duration
}

func NewDetectionService(
	log *logrus.Logger,
	det detector.IDetector,
	renderer render.IRenderer,
	utils utils.IUtils,
	timeout time.Duration,
) IDetectionService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &detectionService{
		log:      log,
		detector: det,
		renderer: renderer,
		utils:    utils,
		timeout:  timeout,
	}
}
