package transform

import (
	"fmt"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/san-kum/polygon-overlay/server/models"
)

const (
	minFillAlpha   = 0.2
	fillAlphaRange = 0.6
	strokeAlpha    = 0.8
)

// StyleFor derives fill and stroke colors from a shape's color and confidence.
// Higher confidence gives a more opaque fill. Unparseable colors render white.
func StyleFor(color string, confidence float64) models.ShapeStyle {
	c, err := colorful.Hex(color)
	if err != nil {
		c = colorful.Color{R: 1, G: 1, B: 1}
	}
	r, g, b := c.RGB255()

	alpha := minFillAlpha + clampUnit(confidence)*fillAlphaRange

	return models.ShapeStyle{
		Fill:   fmt.Sprintf("rgba(%d, %d, %d, %.2f)", r, g, b, alpha),
		Stroke: fmt.Sprintf("rgba(%d, %d, %d, %.2f)", r, g, b, strokeAlpha),
	}
}
