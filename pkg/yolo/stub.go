//go:build !gocv

package yolo

import (
	"context"
	"errors"

	"PersonDetection/internal/entity"
)

var ErrUnavailable = errors.New("gocv detector requires a build with -tags gocv")

type Detector struct{}

func New(modelPath, configPath string, threshold float64) (*Detector, error) {
	return nil, ErrUnavailable
}

func (d *Detector) Detect(context.Context, []byte) ([]entity.Region, error) {
	return nil, ErrUnavailable
}

func (d *Detector) Close() error {
	return nil
}
