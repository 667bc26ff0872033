package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"

	"PersonDetection/internal/entity"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	personColor  = color.RGBA{R: 0, G: 220, B: 0, A: 255}
	otherColor   = color.RGBA{R: 255, G: 60, B: 60, A: 255}
	captionColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	labelInk     = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	shadowColor  = color.RGBA{R: 0, G: 0, B: 0, A: 160}
)

type Frame struct {
	Raw      []byte
	Width    int
	Height   int
	Regions  []entity.Region
	Captions []string
	Footer   string
}

type IRenderer interface {
	Render(f Frame) (*image.RGBA, error)
}

type Renderer struct {
	face      font.Face
	thickness int
}

func New() *Renderer {
	return &Renderer{
		face:      basicfont.Face7x13,
		thickness: 2,
	}
}

// Render decodes f.Raw, scales it to f.Width x f.Height and draws the
// regions (given in source pixel coordinates) and captions on top.
func (r *Renderer) Render(f Frame) (*image.RGBA, error) {
	src, _, err := image.Decode(bytes.NewReader(f.Raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	width, height := f.Width, f.Height
	sb := src.Bounds()
	if width <= 0 || height <= 0 {
		width, height = sb.Dx(), sb.Dy()
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if sb.Dx() == width && sb.Dy() == height {
		draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
	}

	sx := float64(width) / float64(sb.Dx())
	sy := float64(height) / float64(sb.Dy())

	for _, region := range f.Regions {
		rect := image.Rect(
			int(float64(region.X)*sx),
			int(float64(region.Y)*sy),
			int(float64(region.X+region.Width)*sx),
			int(float64(region.Y+region.Height)*sy),
		).Intersect(dst.Bounds())
		if rect.Empty() {
			continue
		}

		c := otherColor
		if region.Label == entity.PersonLabel {
			c = personColor
		}
		r.drawBox(dst, rect, c)
		r.drawLabel(dst, rect.Min, fmt.Sprintf("%s %.2f", region.Label, region.Confidence), c)
	}

	lineHeight := r.face.Metrics().Height.Ceil() + 4
	for i, caption := range f.Captions {
		r.drawCaption(dst, image.Pt(10, 10+(i+1)*lineHeight-4), caption)
	}
	if f.Footer != "" {
		r.drawCaption(dst, image.Pt(10, height-10), f.Footer)
	}

	return dst, nil
}

func (r *Renderer) drawBox(dst *image.RGBA, rect image.Rectangle, c color.RGBA) {
	fill := &image.Uniform{C: c}
	t := r.thickness
	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t),
		image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y),
		image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), fill, image.Point{}, draw.Src)
	}
}

// drawLabel writes text on a filled tag sitting on top of the box corner, or
// inside the box when there is no room above it.
func (r *Renderer) drawLabel(dst *image.RGBA, corner image.Point, text string, c color.RGBA) {
	textWidth := font.MeasureString(r.face, text).Ceil()
	tagHeight := r.face.Metrics().Height.Ceil() + 2

	top := corner.Y - tagHeight
	if top < 0 {
		top = corner.Y
	}
	tag := image.Rect(corner.X, top, corner.X+textWidth+4, top+tagHeight).Intersect(dst.Bounds())
	draw.Draw(dst, tag, &image.Uniform{C: c}, image.Point{}, draw.Src)

	r.drawText(dst, image.Pt(corner.X+2, top+tagHeight-3), text, labelInk)
}

func (r *Renderer) drawCaption(dst *image.RGBA, baseline image.Point, text string) {
	textWidth := font.MeasureString(r.face, text).Ceil()
	ascent := r.face.Metrics().Ascent.Ceil()
	backdrop := image.Rect(baseline.X-2, baseline.Y-ascent-2, baseline.X+textWidth+2, baseline.Y+3)
	draw.Draw(dst, backdrop.Intersect(dst.Bounds()), &image.Uniform{C: shadowColor}, image.Point{}, draw.Over)
	r.drawText(dst, baseline, text, captionColor)
}

func (r *Renderer) drawText(dst *image.RGBA, baseline image.Point, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: r.face,
		Dot:  fixed.P(baseline.X, baseline.Y),
	}
	d.DrawString(text)
}

func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
