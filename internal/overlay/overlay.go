// Package overlay burns detection boxes and class labels into frames.
package overlay

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/detection"
)

// Thickness of box outlines in pixels
const Thickness = 2

// LabelColor is the text color drawn over label backgrounds
var LabelColor = color.RGBA{A: 255}

// Label is one box to draw
type Label struct {
	Box   detection.Box
	Text  string
	Color color.RGBA
}

// Renderer draws labels onto RGBA frames
type Renderer struct {
	face font.Face
}

// NewRenderer returns a renderer using the built-in 7x13 bitmap font
func NewRenderer() *Renderer {
	return &Renderer{face: basicfont.Face7x13}
}

// TextSize returns the pixel width of text and the font ascent and descent
func (r *Renderer) TextSize(text string) (width, ascent, descent int) {
	m := r.face.Metrics()
	w := font.MeasureString(r.face, text)
	return w.Ceil(), m.Ascent.Ceil(), m.Descent.Ceil()
}

// Draw renders every label onto img in order
func (r *Renderer) Draw(img *image.RGBA, labels []Label) {
	for _, l := range labels {
		r.drawBox(img, l.Box, l.Color)
		r.drawLabel(img, l)
	}
}

// drawBox draws a Thickness pixel outline whose outer edge is the box corners
func (r *Renderer) drawBox(img *image.RGBA, b detection.Box, c color.RGBA) {
	src := image.NewUniform(c)
	x1, y1, x2, y2 := b.X1, b.Y1, b.X2+1, b.Y2+1
	t := Thickness

	edges := []image.Rectangle{
		image.Rect(x1, y1, x2, y1+t), // top
		image.Rect(x1, y2-t, x2, y2), // bottom
		image.Rect(x1, y1, x1+t, y2), // left
		image.Rect(x2-t, y1, x2, y2), // right
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Src)
	}
}

// drawLabel fills a background sized to the text above the box's top-left
// corner and writes the text in LabelColor. When there is no room above the
// frame edge the label goes just inside the box.
func (r *Renderer) drawLabel(img *image.RGBA, l Label) {
	if l.Text == "" {
		return
	}

	tw, ascent, descent := r.TextSize(l.Text)
	th := ascent + descent

	top := l.Box.Y1 - th
	if top < img.Bounds().Min.Y {
		top = l.Box.Y1
	}
	bg := image.Rect(l.Box.X1, top, l.Box.X1+tw, top+th)
	draw.Draw(img, bg.Intersect(img.Bounds()), image.NewUniform(l.Color), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(LabelColor),
		Face: r.face,
		Dot:  fixed.P(l.Box.X1, top+ascent),
	}
	d.DrawString(l.Text)
}

// Labels converts records into drawable labels for a frame of the given size.
// Records must already be validated against the class table.
func Labels(records []detection.Record, frameWidth, frameHeight int) []Label {
	labels := make([]Label, 0, len(records))
	for _, rec := range records {
		cls := detection.Classes[rec.ClassID]
		labels = append(labels, Label{
			Box:   rec.Box(frameWidth, frameHeight),
			Text:  cls.Name,
			Color: cls.Color,
		})
	}
	return labels
}
