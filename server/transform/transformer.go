package transform

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/san-kum/polygon-overlay/server/models"
	"go.uber.org/multierr"
)

// ClassInfo is the color and semantic type a class id resolves to.
type ClassInfo struct {
	Color string `json:"color"`
	Type  string `json:"type"`
}

type ClassTable map[int]ClassInfo

var UnknownClass = ClassInfo{Color: "#FFFFFF", Type: "Unknown"}

func DefaultClassTable() ClassTable {
	return ClassTable{
		0: {Color: "#00FF88", Type: "Person"},
		1: {Color: "#4488FF", Type: "Face"},
		2: {Color: "#FF8800", Type: "Hand"},
		3: {Color: "#FF5500", Type: "Object"},
	}
}

// Metadata keys set on every shape.
const (
	MetaObjectID = "id"
	MetaType     = "type"
	MetaClass    = "class"
	MetaFrame    = "frame"
)

// ObjectError reports one detection that was dropped from an otherwise valid frame.
type ObjectError struct {
	Index    int
	ObjectID int64
	Reason   string
	Err      error
}

func (e *ObjectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("object %d (id %d) skipped: %s: %v", e.Index, e.ObjectID, e.Reason, e.Err)
	}
	return fmt.Sprintf("object %d (id %d) skipped: %s", e.Index, e.ObjectID, e.Reason)
}

func (e *ObjectError) Unwrap() error { return e.Err }

// Transformer maps raw detection frames to renderable shapes. It holds no
// mutable state, so one instance may be shared between goroutines.
type Transformer struct {
	classes  ClassTable
	validate *validator.Validate
}

// New validates every color in the table and returns a transformer for it.
// A nil table selects DefaultClassTable.
func New(classes ClassTable) (*Transformer, error) {
	if classes == nil {
		classes = DefaultClassTable()
	}

	var errs error
	table := make(ClassTable, len(classes))
	for id, info := range classes {
		if _, err := colorful.Hex(info.Color); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("class %d: invalid color %q: %w", id, info.Color, err))
			continue
		}
		if info.Type == "" {
			errs = multierr.Append(errs, fmt.Errorf("class %d: type is required", id))
			continue
		}
		table[id] = info
	}
	if errs != nil {
		return nil, errs
	}

	return &Transformer{
		classes:  table,
		validate: validator.New(),
	}, nil
}

// Resolve looks up a class id, falling back to UnknownClass.
func (t *Transformer) Resolve(classID int) ClassInfo {
	if info, ok := t.classes[classID]; ok {
		return info
	}
	return UnknownClass
}

// Transform converts every well-formed object of the frame into a Shape, in
// input order. Malformed objects are skipped; the returned error, if any,
// combines one *ObjectError per skipped object and never means the shapes are
// unusable.
func (t *Transformer) Transform(frame *models.RawDetectionFrame, viewport models.Viewport) ([]models.Shape, error) {
	if frame == nil {
		return nil, nil
	}

	shapes := make([]models.Shape, 0, len(frame.Objects))
	var diagnostics error

	for i := range frame.Objects {
		obj := &frame.Objects[i]
		if err := t.checkObject(i, obj); err != nil {
			diagnostics = multierr.Append(diagnostics, err)
			continue
		}

		info := t.Resolve(obj.ClassID)

		label := obj.Label
		if label == "" {
			label = info.Type
		}

		points := make([]models.Point, len(obj.Polygon))
		for j, p := range obj.Polygon {
			points[j] = ToPixel(p, viewport)
		}

		metadata := map[string]any{
			MetaObjectID: obj.ObjectID,
			MetaType:     info.Type,
			MetaClass:    obj.ClassID,
		}
		if frame.FrameNumber != nil {
			metadata[MetaFrame] = *frame.FrameNumber
		}

		shapes = append(shapes, models.Shape{
			ID:         strconv.FormatInt(obj.ObjectID, 10),
			Label:      label,
			Confidence: clampUnit(obj.Confidence),
			Color:      info.Color,
			Points:     points,
			Metadata:   metadata,
		})
	}

	return shapes, diagnostics
}

func (t *Transformer) checkObject(index int, obj *models.RawObject) error {
	if obj.DecodeErr != nil {
		return &ObjectError{Index: index, ObjectID: obj.ObjectID, Reason: "undecodable", Err: obj.DecodeErr}
	}

	if err := t.validate.Struct(obj); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Polygon" {
			return &ObjectError{
				Index:    index,
				ObjectID: obj.ObjectID,
				Reason:   fmt.Sprintf("polygon needs at least 3 points, got %d", len(obj.Polygon)),
			}
		}
		return &ObjectError{Index: index, ObjectID: obj.ObjectID, Reason: "invalid", Err: err}
	}
	return nil
}

// ToPixel converts a normalized vertex to pixel space, rounding each
// coordinate independently.
func ToPixel(p models.NormalizedPoint, viewport models.Viewport) models.Point {
	return models.Point{
		X: math.Round(p.X * float64(viewport.Width)),
		Y: math.Round(p.Y * float64(viewport.Height)),
	}
}

// Normalize is the inverse of ToPixel, up to rounding. A degenerate viewport
// maps everything to the origin.
func Normalize(p models.Point, viewport models.Viewport) models.NormalizedPoint {
	if viewport.Width <= 0 || viewport.Height <= 0 {
		return models.NormalizedPoint{}
	}
	return models.NormalizedPoint{
		X: p.X / float64(viewport.Width),
		Y: p.Y / float64(viewport.Height),
	}
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
