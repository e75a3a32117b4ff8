package models

import (
	"encoding/json"
	"fmt"
)

// RawDetectionFrame is one detection cycle as sent by the upstream source.
type RawDetectionFrame struct {
	FrameNumber *int64      `json:"frame_number,omitempty" validate:"omitempty,gte=0"`
	Objects     []RawObject `json:"objects" validate:"required"`
}

type RawObject struct {
	ObjectID   int64             `json:"object_id"`
	ClassID    int               `json:"class_id"`
	Label      string            `json:"label,omitempty"`
	Confidence float64           `json:"confidence"`
	Polygon    []NormalizedPoint `json:"polygon" validate:"required,min=3"`

	// DecodeErr is set when this object could not be decoded while the
	// surrounding frame could. The transformer reports it and skips the object.
	DecodeErr error `json:"-"`
}

// NormalizedPoint is a vertex expressed as a fraction of the viewport.
type NormalizedPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UnmarshalJSON decodes objects one by one so a single bad object does not
// invalidate the rest of the frame.
func (f *RawDetectionFrame) UnmarshalJSON(data []byte) error {
	var wire struct {
		FrameNumber *int64            `json:"frame_number"`
		Objects     []json.RawMessage `json:"objects"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	f.FrameNumber = wire.FrameNumber
	f.Objects = nil
	if wire.Objects == nil {
		return nil
	}

	f.Objects = make([]RawObject, 0, len(wire.Objects))
	for i, raw := range wire.Objects {
		var obj RawObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			obj = RawObject{DecodeErr: fmt.Errorf("object %d: %w", i, err)}
		}
		f.Objects = append(f.Objects, obj)
	}
	return nil
}

// Point is a vertex in pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Viewport struct {
	Width  int `json:"width" binding:"required,gt=0"`
	Height int `json:"height" binding:"required,gt=0"`
}

// Shape is the renderable form of one detected object. ID is stable across
// frames for the same object.
type Shape struct {
	ID         string         `json:"id"`
	Label      string         `json:"label"`
	Confidence float64        `json:"confidence"`
	Color      string         `json:"color"`
	Points     []Point        `json:"points"`
	Metadata   map[string]any `json:"metadata"`
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	out := s
	out.Points = ClonePoints(s.Points)
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// AnimatedShape is a read-only view of one shape tracked by the animation engine.
type AnimatedShape struct {
	Shape
	CurrentPoints []Point    `json:"current_points"`
	TargetPoints  []Point    `json:"target_points"`
	Progress      float64    `json:"progress"`
	DurationMs    float64    `json:"duration_ms"`
	Style         ShapeStyle `json:"style"`
}

// ShapeStyle carries the fill and stroke colors a renderer should use.
type ShapeStyle struct {
	Fill   string `json:"fill"`
	Stroke string `json:"stroke"`
}

func ClonePoints(points []Point) []Point {
	if points == nil {
		return nil
	}
	out := make([]Point, len(points))
	copy(out, points)
	return out
}
