package detection

import (
	"net/http"

	"PersonDetection/pkg/response"
)

var (
	ErrInvalidImage     = response.NewError(http.StatusBadRequest, "INVALID_ARTIFACT", "image cannot be decoded")
	ErrDetectionFailed  = response.NewError(http.StatusBadGateway, "DETECTION_FAILURE", "detection failed")
	ErrDetectionTimeout = response.NewError(http.StatusGatewayTimeout, "TIMEOUT", "detection timed out")
	ErrRenderFailed     = response.NewError(http.StatusInternalServerError, "INTERNAL", "failed to annotate image")
)
