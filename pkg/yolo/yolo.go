//go:build gocv

package yolo

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"PersonDetection/internal/entity"
	"gocv.io/x/gocv"
)

// Detector runs an SSD-style network through OpenCV's dnn module. The network
// is not safe for concurrent use, so calls are serialized.
type Detector struct {
	mu        sync.Mutex
	net       gocv.Net
	threshold float32
}

func New(modelPath, configPath string, threshold float64) (*Detector, error) {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", modelPath)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	net := gocv.ReadNet(modelPath, configPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network")
	}
	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return nil, fmt.Errorf("failed to set preferable backend or target")
	}

	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{net: net, threshold: float32(threshold)}, nil
}

func (d *Detector) Detect(ctx context.Context, img []byte) ([]entity.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.IMDecode(img, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("decoded image is empty")
	}

	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(300, 300), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	d.mu.Unlock()
	defer output.Close()

	cols, rows := float32(mat.Cols()), float32(mat.Rows())
	reshaped := output.Reshape(1, output.Total()/7)
	defer reshaped.Close()

	var regions []entity.Region
	for i := 0; i < reshaped.Rows(); i++ {
		confidence := reshaped.GetFloatAt(i, 2)
		if confidence <= d.threshold {
			continue
		}
		x := int(reshaped.GetFloatAt(i, 3) * cols)
		y := int(reshaped.GetFloatAt(i, 4) * rows)
		regions = append(regions, entity.Region{
			Label:      Label(int(reshaped.GetFloatAt(i, 1))),
			Confidence: float64(confidence),
			X:          x,
			Y:          y,
			Width:      int(reshaped.GetFloatAt(i, 5)*cols) - x,
			Height:     int(reshaped.GetFloatAt(i, 6)*rows) - y,
		})
	}

	return regions, ctx.Err()
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
