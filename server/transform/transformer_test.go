package transform

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/san-kum/polygon-overlay/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func newTestTransformer(t *testing.T) *Transformer {
	t.Helper()
	tr, err := New(nil)
	require.NoError(t, err)
	return tr
}

func frameNumber(n int64) *int64 { return &n }

func square() []models.NormalizedPoint {
	return []models.NormalizedPoint{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}
}

func TestTransformUnitSquare(t *testing.T) {
	tr := newTestTransformer(t)

	frame := &models.RawDetectionFrame{
		FrameNumber: frameNumber(7),
		Objects: []models.RawObject{
			{ObjectID: 42, ClassID: 0, Confidence: 0.9, Polygon: square()},
		},
	}

	shapes, err := tr.Transform(frame, models.Viewport{Width: 1000, Height: 500})
	require.NoError(t, err)
	require.Len(t, shapes, 1)

	shape := shapes[0]
	assert.Equal(t, "42", shape.ID)
	assert.Equal(t, "Person", shape.Label)
	assert.Equal(t, "#00FF88", shape.Color)
	assert.Equal(t, []models.Point{{X: 0, Y: 0}, {X: 1000, Y: 0}, {X: 1000, Y: 500}, {X: 0, Y: 500}}, shape.Points)
	assert.Equal(t, int64(42), shape.Metadata[MetaObjectID])
	assert.Equal(t, "Person", shape.Metadata[MetaType])
	assert.Equal(t, 0, shape.Metadata[MetaClass])
	assert.Equal(t, int64(7), shape.Metadata[MetaFrame])
}

func TestTransformLabelAndClassResolution(t *testing.T) {
	tr := newTestTransformer(t)
	vp := models.Viewport{Width: 100, Height: 100}

	tests := []struct {
		name      string
		obj       models.RawObject
		wantLabel string
		wantColor string
		wantType  string
	}{
		{
			name:      "explicit label wins",
			obj:       models.RawObject{ObjectID: 1, ClassID: 1, Label: "alice", Polygon: square()},
			wantLabel: "alice",
			wantColor: "#4488FF",
			wantType:  "Face",
		},
		{
			name:      "empty label falls back to type",
			obj:       models.RawObject{ObjectID: 2, ClassID: 2, Polygon: square()},
			wantLabel: "Hand",
			wantColor: "#FF8800",
			wantType:  "Hand",
		},
		{
			name:      "unknown class",
			obj:       models.RawObject{ObjectID: 3, ClassID: 99, Polygon: square()},
			wantLabel: "Unknown",
			wantColor: "#FFFFFF",
			wantType:  "Unknown",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			shapes, err := tr.Transform(&models.RawDetectionFrame{Objects: []models.RawObject{tc.obj}}, vp)
			require.NoError(t, err)
			require.Len(t, shapes, 1)
			assert.Equal(t, tc.wantLabel, shapes[0].Label)
			assert.Equal(t, tc.wantColor, shapes[0].Color)
			assert.Equal(t, tc.wantType, shapes[0].Metadata[MetaType])
			_, hasFrame := shapes[0].Metadata[MetaFrame]
			assert.False(t, hasFrame)
		})
	}
}

func TestTransformSkipsMalformedObjects(t *testing.T) {
	tr := newTestTransformer(t)

	frame := &models.RawDetectionFrame{
		Objects: []models.RawObject{
			{ObjectID: 1, Polygon: square()},
			{ObjectID: 2, Polygon: square()[:2]},
			{ObjectID: 3},
			{ObjectID: 4, Polygon: square()},
		},
	}

	shapes, err := tr.Transform(frame, models.Viewport{Width: 10, Height: 10})
	require.Error(t, err)
	require.Len(t, shapes, 2)
	assert.Equal(t, "1", shapes[0].ID)
	assert.Equal(t, "4", shapes[1].ID)

	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	var objErr *ObjectError
	require.True(t, errors.As(errs[0], &objErr))
	assert.Equal(t, int64(2), objErr.ObjectID)
	require.True(t, errors.As(errs[1], &objErr))
	assert.Equal(t, int64(3), objErr.ObjectID)
}

func TestTransformDecodedFrameKeepsGoodObjects(t *testing.T) {
	tr := newTestTransformer(t)

	payload := `{
		"frame_number": 12,
		"objects": [
			{"object_id": 5, "class_id": 3, "confidence": 0.5,
			 "polygon": [{"x":0.1,"y":0.2},{"x":0.3,"y":0.2},{"x":0.3,"y":0.4}]},
			{"object_id": "bad", "polygon": "nope"},
			{"object_id": 6, "class_id": 0, "confidence": 1.7,
			 "polygon": [{"x":0,"y":0},{"x":0.5,"y":0},{"x":0.5,"y":0.5}]}
		]
	}`

	var frame models.RawDetectionFrame
	require.NoError(t, json.Unmarshal([]byte(payload), &frame))
	require.Len(t, frame.Objects, 3)

	shapes, err := tr.Transform(&frame, models.Viewport{Width: 200, Height: 100})
	require.Error(t, err)
	require.Len(t, shapes, 2)
	assert.Equal(t, []models.Point{{X: 20, Y: 20}, {X: 60, Y: 20}, {X: 60, Y: 40}}, shapes[0].Points)
	assert.Equal(t, 1.0, shapes[1].Confidence)
	assert.Equal(t, int64(12), shapes[1].Metadata[MetaFrame])
}

func TestTransformLengthBound(t *testing.T) {
	tr := newTestTransformer(t)
	vp := models.Viewport{Width: 640, Height: 480}

	for n := 0; n < 20; n++ {
		frame := &models.RawDetectionFrame{}
		for i := 0; i < n; i++ {
			obj := models.RawObject{ObjectID: int64(i), Polygon: square()}
			if i%3 == 2 {
				obj.Polygon = nil
			}
			frame.Objects = append(frame.Objects, obj)
		}

		shapes, err := tr.Transform(frame, vp)
		assert.LessOrEqual(t, len(shapes), len(frame.Objects))
		if err == nil {
			assert.Equal(t, len(frame.Objects), len(shapes))
		}
	}
}

func TestNormalizeRoundTrip(t *testing.T) {
	viewports := []models.Viewport{{Width: 1920, Height: 1080}, {Width: 333, Height: 777}, {Width: 1, Height: 1}}
	for _, vp := range viewports {
		for i := 0; i <= 100; i++ {
			n := models.NormalizedPoint{X: float64(i) / 100, Y: float64(100-i) / 100}
			back := Normalize(ToPixel(n, vp), vp)
			assert.LessOrEqual(t, math.Abs(back.X-n.X)*float64(vp.Width), 1.0)
			assert.LessOrEqual(t, math.Abs(back.Y-n.Y)*float64(vp.Height), 1.0)
		}
	}

	assert.Equal(t, models.NormalizedPoint{}, Normalize(models.Point{X: 5, Y: 5}, models.Viewport{}))
}

func TestNewRejectsBadClassTable(t *testing.T) {
	_, err := New(ClassTable{
		0: {Color: "green", Type: "Person"},
		1: {Color: "#123456"},
	})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestStyleFor(t *testing.T) {
	style := StyleFor("#FF8800", 1)
	assert.Equal(t, "rgba(255, 136, 0, 0.80)", style.Fill)
	assert.Equal(t, "rgba(255, 136, 0, 0.80)", style.Stroke)

	style = StyleFor("not-a-color", 0)
	assert.Equal(t, "rgba(255, 255, 255, 0.20)", style.Fill)
}
