package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type Kind string

const (
	KindBrush     Kind = "brush"
	KindEraser    Kind = "eraser"
	KindRectangle Kind = "rectangle"
	KindEllipse   Kind = "ellipse"
	KindText      Kind = "text"
	KindClear     Kind = "clear"
	KindUndo      Kind = "undo"
)

// IsOperationKind reports whether t names one of the operation variants.
func IsOperationKind(t string) bool {
	switch Kind(t) {
	case KindBrush, KindEraser, KindRectangle, KindEllipse, KindText, KindClear, KindUndo:
		return true
	}
	return false
}

var (
	ErrUnknownKind      = errors.New("unknown operation kind")
	ErrInvalidOperation = errors.New("invalid operation")
)

const (
	DefaultFontSize = 20
	MinThickness    = 1
	MaxThickness    = 100
	MaxFontSize     = 200
	MaxTextLength   = 500
)

var hexColorRegex = regexp.MustCompile(`^#([0-9A-Fa-f]{3}|[0-9A-Fa-f]{6})$`)

// Shape is the closed set of operation variants. The unexported method keeps
// implementations inside this package.
type Shape interface {
	Kind() Kind
	isShape()
}

// Stroke is one freehand segment. Eraser strokes paint the canvas background.
type Stroke struct {
	Eraser    bool
	FromX     float64
	FromY     float64
	ToX       float64
	ToY       float64
	Color     string
	Thickness float64
}

// Box is a rectangle or an ellipse inscribed in the box spanned by the two points.
type Box struct {
	Ellipse   bool
	FromX     float64
	FromY     float64
	ToX       float64
	ToY       float64
	Color     string
	Thickness float64
}

type Text struct {
	X        float64
	Y        float64
	Value    string
	Color    string
	FontSize float64
}

type Clear struct{}

type Undo struct{}

func (s Stroke) Kind() Kind {
	if s.Eraser {
		return KindEraser
	}
	return KindBrush
}

func (b Box) Kind() Kind {
	if b.Ellipse {
		return KindEllipse
	}
	return KindRectangle
}

func (Text) Kind() Kind  { return KindText }
func (Clear) Kind() Kind { return KindClear }
func (Undo) Kind() Kind  { return KindUndo }

func (Stroke) isShape() {}
func (Box) isShape()    {}
func (Text) isShape()   {}
func (Clear) isShape()  {}
func (Undo) isShape()   {}

// Operation is one atomic drawing action. Id is chosen by the author, UserId
// and Seq are stamped by the gateway.
type Operation struct {
	Id     string
	UserId string
	Seq    int64
	Shape  Shape
}

func (op Operation) Kind() Kind {
	if op.Shape == nil {
		return ""
	}
	return op.Shape.Kind()
}

// Origin returns the point where a drawing operation starts. Clear and undo
// have no origin.
func (op Operation) Origin() (float64, float64, bool) {
	switch s := op.Shape.(type) {
	case Stroke:
		return s.FromX, s.FromY, true
	case Box:
		return s.FromX, s.FromY, true
	case Text:
		return s.X, s.Y, true
	}
	return 0, 0, false
}

func (op Operation) Validate() error {
	switch s := op.Shape.(type) {
	case Stroke:
		if !s.Eraser {
			if err := validateColor(s.Color); err != nil {
				return err
			}
		}
		return validateThickness(s.Thickness)
	case Box:
		if err := validateColor(s.Color); err != nil {
			return err
		}
		return validateThickness(s.Thickness)
	case Text:
		if strings.TrimSpace(s.Value) == "" {
			return fmt.Errorf("%w: text requires a value", ErrInvalidOperation)
		}
		if len(s.Value) > MaxTextLength {
			return fmt.Errorf("%w: text too long", ErrInvalidOperation)
		}
		if s.FontSize <= 0 || s.FontSize > MaxFontSize {
			return fmt.Errorf("%w: invalid font size", ErrInvalidOperation)
		}
		return validateColor(s.Color)
	case Clear, Undo:
		return nil
	case nil:
		return fmt.Errorf("%w: missing shape", ErrInvalidOperation)
	}
	return ErrUnknownKind
}

func validateColor(color string) error {
	if !hexColorRegex.MatchString(color) {
		return fmt.Errorf("%w: invalid color %q", ErrInvalidOperation, color)
	}
	return nil
}

func validateThickness(t float64) error {
	if t < MinThickness || t > MaxThickness {
		return fmt.Errorf("%w: invalid thickness %v", ErrInvalidOperation, t)
	}
	return nil
}

// wireOperation is the flat JSON frame shared by every variant.
type wireOperation struct {
	Type      Kind     `json:"type"`
	OpId      string   `json:"opId,omitempty"`
	UserId    string   `json:"userId,omitempty"`
	Seq       int64    `json:"seq,omitempty"`
	FromX     *float64 `json:"fromX,omitempty"`
	FromY     *float64 `json:"fromY,omitempty"`
	ToX       *float64 `json:"toX,omitempty"`
	ToY       *float64 `json:"toY,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Value     string   `json:"value,omitempty"`
	Color     string   `json:"color,omitempty"`
	Thickness float64  `json:"thickness,omitempty"`
	FontSize  float64  `json:"fontSize,omitempty"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{Type: op.Kind(), OpId: op.Id, UserId: op.UserId, Seq: op.Seq}

	switch s := op.Shape.(type) {
	case Stroke:
		w.FromX, w.FromY, w.ToX, w.ToY = &s.FromX, &s.FromY, &s.ToX, &s.ToY
		w.Color, w.Thickness = s.Color, s.Thickness
	case Box:
		w.FromX, w.FromY, w.ToX, w.ToY = &s.FromX, &s.FromY, &s.ToX, &s.ToY
		w.Color, w.Thickness = s.Color, s.Thickness
	case Text:
		w.X, w.Y = &s.X, &s.Y
		w.Value, w.Color, w.FontSize = s.Value, s.Color, s.FontSize
	case Clear, Undo:
	default:
		return nil, ErrUnknownKind
	}

	return json.Marshal(w)
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	op.Id, op.UserId, op.Seq = w.OpId, w.UserId, w.Seq

	switch w.Type {
	case KindBrush, KindEraser:
		if w.FromX == nil || w.FromY == nil || w.ToX == nil || w.ToY == nil {
			return fmt.Errorf("%w: %s requires fromX, fromY, toX and toY", ErrInvalidOperation, w.Type)
		}
		op.Shape = Stroke{
			Eraser: w.Type == KindEraser,
			FromX:  *w.FromX, FromY: *w.FromY, ToX: *w.ToX, ToY: *w.ToY,
			Color: w.Color, Thickness: w.Thickness,
		}
	case KindRectangle, KindEllipse:
		if w.FromX == nil || w.FromY == nil || w.ToX == nil || w.ToY == nil {
			return fmt.Errorf("%w: %s requires a start and an end point", ErrInvalidOperation, w.Type)
		}
		op.Shape = Box{
			Ellipse: w.Type == KindEllipse,
			FromX:   *w.FromX, FromY: *w.FromY, ToX: *w.ToX, ToY: *w.ToY,
			Color: w.Color, Thickness: w.Thickness,
		}
	case KindText:
		if w.X == nil || w.Y == nil {
			return fmt.Errorf("%w: text requires x and y", ErrInvalidOperation)
		}
		fontSize := w.FontSize
		if fontSize == 0 {
			fontSize = DefaultFontSize
		}
		op.Shape = Text{X: *w.X, Y: *w.Y, Value: w.Value, Color: w.Color, FontSize: fontSize}
	case KindClear:
		op.Shape = Clear{}
	case KindUndo:
		op.Shape = Undo{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}

	return nil
}

// ParseOperation decodes and validates one operation frame.
func ParseOperation(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, err
	}
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// Surviving folds a log containing clear and undo entries into the
// drawing operations that remain visible, in order.
func Surviving(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		switch op.Shape.(type) {
		case Clear:
			out = out[:0]
		case Undo:
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, op)
		}
	}
	return out
}
