package overlay

import (
	iface "SafetyDetConsole/interface"
	"fmt"
	"math"
)

const (
	ColorHigh   = "rgb(239, 68, 68)"
	ColorMedium = "rgb(245, 158, 11)"
	ColorLow    = "rgb(16, 185, 129)"

	labelHeight   = 25
	labelMinWidth = 120
	StrokeWidth   = 3
)

type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Annotation struct {
	Box      Rect   `json:"box"`
	LabelBox Rect   `json:"labelBox"`
	Label    string `json:"label"`
	Color    string `json:"color"`
}

type Overlay struct {
	Width       int          `json:"width"`
	Height      int          `json:"height"`
	Color       string       `json:"color"`
	Annotations []Annotation `json:"annotations"`
}

// ColorFor picks the stroke colour from the hazard level alone.
func ColorFor(level iface.HazardLevel) string {
	switch level {
	case iface.HazardHigh:
		return ColorHigh
	case iface.HazardMedium:
		return ColorMedium
	default:
		return ColorLow
	}
}

// Label formats "{class_name}: {confidence as percent, 1 decimal}%".
func Label(d iface.Detection) string {
	return fmt.Sprintf("%s: %.1f%%", d.ClassName, d.Confidence*100)
}

// Render maps detections to drawable annotations for a canvas of the given
// size. It keeps no state between frames.
func Render(dets []iface.Detection, width, height int, level iface.HazardLevel) Overlay {
	color := ColorFor(level)
	out := Overlay{
		Width:       width,
		Height:      height,
		Color:       color,
		Annotations: make([]Annotation, 0, len(dets)),
	}
	for _, d := range dets {
		w := d.BBox.Width()
		h := d.BBox.Height()
		out.Annotations = append(out.Annotations, Annotation{
			Box: Rect{X: d.BBox.X1, Y: d.BBox.Y1, Width: w, Height: h},
			LabelBox: Rect{
				X:      d.BBox.X1,
				Y:      d.BBox.Y1 - labelHeight,
				Width:  math.Max(w, labelMinWidth),
				Height: labelHeight,
			},
			Label: Label(d),
			Color: color,
		})
	}
	return out
}
