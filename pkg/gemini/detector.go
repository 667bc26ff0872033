package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"PersonDetection/internal/entity"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const detectPrompt = `
Detect every person in this image.
Return ONLY JSON in this format, with no extra text:
{
	"people": [
		{"box_2d": [ymin, xmin, ymax, xmax], "confidence": 0.95}
	]
}
Coordinates are normalised to 0-1000. Return {"people": []} when nobody is visible.
`

type box struct {
	Box2D      []float64 `json:"box_2d"`
	Confidence float64   `json:"confidence"`
}

type detectResponse struct {
	People []box `json:"people"`
}

// Detector asks Gemini for person boxes and converts them to pixel regions.
type Detector struct {
	client IGemini
}

func NewDetector(client IGemini) *Detector {
	return &Detector{client: client}
}

func (d *Detector) Detect(ctx context.Context, img []byte) ([]entity.Region, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}

	raw, err := d.client.AnalyzeImage(ctx, img, "image/"+format, detectPrompt)
	if err != nil {
		return nil, err
	}

	return parseRegions(raw, cfg.Width, cfg.Height)
}

func parseRegions(raw string, width, height int) ([]entity.Region, error) {
	jsonStart := strings.Index(raw, "{")
	jsonEnd := strings.LastIndex(raw, "}")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, errors.New("cannot find valid JSON in response")
	}

	var resp detectResponse
	if err := json.Unmarshal([]byte(raw[jsonStart:jsonEnd+1]), &resp); err != nil {
		return nil, err
	}

	regions := make([]entity.Region, 0, len(resp.People))
	for _, p := range resp.People {
		if len(p.Box2D) != 4 {
			continue
		}
		ymin, xmin := scale(p.Box2D[0], height), scale(p.Box2D[1], width)
		ymax, xmax := scale(p.Box2D[2], height), scale(p.Box2D[3], width)
		if xmax <= xmin || ymax <= ymin {
			continue
		}
		confidence := p.Confidence
		if confidence <= 0 {
			confidence = 1
		}
		regions = append(regions, entity.Region{
			Label:      entity.PersonLabel,
			Confidence: confidence,
			X:          xmin,
			Y:          ymin,
			Width:      xmax - xmin,
			Height:     ymax - ymin,
		})
	}
	return regions, nil
}

func scale(v float64, size int) int {
	if v < 0 {
		v = 0
	}
	if v > 1000 {
		v = 1000
	}
	return int(v / 1000 * float64(size))
}
