package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"PersonDetection/internal/entity"
)

const (
	DriverRemote = "remote"
	DriverGemini = "gemini"
	DriverGoCV   = "gocv"
	DriverNone   = "none"
)

var ErrUnknownDriver = errors.New("unknown detector driver")

// IDetector finds regions in one encoded image. Coordinates are in source
// image pixels. Implementations must honour ctx and be safe for concurrent
// use.
type IDetector interface {
	Detect(ctx context.Context, image []byte) ([]entity.Region, error)
}

// Func lets a plain function act as a detector.
type Func func(ctx context.Context, image []byte) ([]entity.Region, error)

func (f Func) Detect(ctx context.Context, image []byte) ([]entity.Region, error) {
	return f(ctx, image)
}

type none struct{}

// None reports no regions for every image.
func None() IDetector {
	return none{}
}

func (none) Detect(ctx context.Context, _ []byte) ([]entity.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []entity.Region{}, nil
}

func ParseDriver(raw string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(raw))
	if driver == "" {
		return DriverRemote, nil
	}
	switch driver {
	case DriverRemote, DriverGemini, DriverGoCV, DriverNone:
		return driver, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDriver, raw)
}

// OnlyPeople drops every region that is not a person.
func OnlyPeople(regions []entity.Region) []entity.Region {
	out := make([]entity.Region, 0, len(regions))
	for _, r := range regions {
		if r.Label == entity.PersonLabel {
			out = append(out, r)
		}
	}
	return out
}
