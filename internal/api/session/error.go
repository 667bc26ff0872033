package session

import (
	"PersonDetection/pkg/response"
	"net/http"
)

var (
	ErrNotFound        = response.NewError(http.StatusNotFound, "NOT_FOUND", "session not found")
	ErrInvalidState    = response.NewError(http.StatusConflict, "INVALID_STATE", "operation not allowed in the current session state")
	ErrEmptySession    = response.NewError(http.StatusUnprocessableEntity, "EMPTY_SESSION", "session has no artifacts")
	ErrInvalidArtifact = response.NewError(http.StatusBadRequest, "INVALID_ARTIFACT", "invalid artifact")
	ErrInvalidConfig   = response.NewError(http.StatusBadRequest, "INVALID_CONFIG", "invalid processing config")
	ErrStorageFailure  = response.NewError(http.StatusInternalServerError, "STORAGE_FAILURE", "storage failure")
	ErrUnavailable     = response.NewError(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "service is shutting down")
)
