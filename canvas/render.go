package canvas

import (
	"bytes"
	"fmt"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zlnvch/sketchroom/models"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	Width      = 1200
	Height     = 700
	Background = "#f9fafb"

	faceCacheSize = 16
)

var parseGoRegular = sync.OnceValues(func() (*truetype.Font, error) {
	return truetype.Parse(goregular.TTF)
})

// Raster is the drawing surface operations are rendered onto. It is not safe
// for concurrent use.
type Raster struct {
	dc    *gg.Context
	faces *lru.Cache[float64, font.Face]
}

func NewRaster() (*Raster, error) {
	faces, err := lru.New[float64, font.Face](faceCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Raster{dc: gg.NewContext(Width, Height), faces: faces}
	r.Reset()
	return r, nil
}

// Reset paints the whole surface with the background color.
func (r *Raster) Reset() {
	r.dc.SetHexColor(Background)
	r.dc.Clear()
}

// Draw renders one operation. Undo has no visual effect of its own; callers
// replay the surviving log instead.
func (r *Raster) Draw(op models.Operation) error {
	switch s := op.Shape.(type) {
	case models.Stroke:
		r.drawStroke(s)
	case models.Box:
		r.drawBox(s)
	case models.Text:
		return r.drawText(s)
	case models.Clear:
		r.Reset()
	case models.Undo:
	default:
		return fmt.Errorf("render %q: %w", op.Kind(), models.ErrUnknownKind)
	}
	return nil
}

// Replay resets the surface and draws ops in order.
func (r *Raster) Replay(ops []models.Operation) error {
	r.Reset()
	for _, op := range ops {
		if err := r.Draw(op); err != nil {
			return err
		}
	}
	return nil
}

func (r *Raster) drawStroke(s models.Stroke) {
	color := s.Color
	if s.Eraser {
		color = Background
	}
	r.dc.SetHexColor(color)
	r.dc.SetLineWidth(s.Thickness)
	r.dc.SetLineCap(gg.LineCapRound)
	r.dc.DrawLine(s.FromX, s.FromY, s.ToX, s.ToY)
	r.dc.Stroke()
}

func (r *Raster) drawBox(b models.Box) {
	r.dc.SetHexColor(b.Color)
	r.dc.SetLineWidth(b.Thickness)

	if b.Ellipse {
		cx, cy := (b.FromX+b.ToX)/2, (b.FromY+b.ToY)/2
		rx, ry := math.Abs(b.ToX-b.FromX)/2, math.Abs(b.ToY-b.FromY)/2
		r.dc.DrawEllipse(cx, cy, rx, ry)
	} else {
		x, y := math.Min(b.FromX, b.ToX), math.Min(b.FromY, b.ToY)
		r.dc.DrawRectangle(x, y, math.Abs(b.ToX-b.FromX), math.Abs(b.ToY-b.FromY))
	}
	r.dc.Stroke()
}

func (r *Raster) drawText(t models.Text) error {
	face, err := r.face(t.FontSize)
	if err != nil {
		return err
	}
	r.dc.SetFontFace(face)
	r.dc.SetHexColor(t.Color)
	r.dc.DrawString(t.Value, t.X, t.Y)
	return nil
}

func (r *Raster) face(size float64) (font.Face, error) {
	if size <= 0 {
		size = models.DefaultFontSize
	}
	if f, ok := r.faces.Get(size); ok {
		return f, nil
	}

	ttf, err := parseGoRegular()
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	f := truetype.NewFace(ttf, &truetype.Options{Size: size})
	r.faces.Add(size, f)
	return f, nil
}

func (r *Raster) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderPNG replays the surviving part of ops onto a fresh surface.
func RenderPNG(ops []models.Operation) ([]byte, error) {
	r, err := NewRaster()
	if err != nil {
		return nil, err
	}
	if err := r.Replay(models.Surviving(ops)); err != nil {
		return nil, err
	}
	return r.PNG()
}
