// Package classify maps a pack screenshot to a rarity tier by sampling a
// single pixel from the rarity banner.
package classify

import (
	"fmt"
	"image"

	"packbot/internal/domain"
)

// Sample point as a fraction of the image size. At 1920x1080 this lands at
// roughly (940, 900), inside the rarity banner.
const (
	SampleX = 0.489583
	SampleY = 0.83333
)

// Sample is the pixel that was inspected.
type Sample struct {
	X, Y    int
	R, G, B uint8
}

func (s Sample) String() string {
	return fmt.Sprintf("(%d,%d) R:%d G:%d B:%d", s.X, s.Y, s.R, s.G, s.B)
}

type Result struct {
	Category domain.Category
	Sample   Sample
}

// Classifier is deterministic and holds no mutable state; it is safe for
// concurrent use.
type Classifier struct {
	ranges domain.RangeTable
}

func New(ranges domain.RangeTable) *Classifier {
	return &Classifier{ranges: ranges.Clone()}
}

// SamplePoint returns the absolute coordinate sampled for the given bounds.
func SamplePoint(b image.Rectangle) image.Point {
	return image.Point{
		X: b.Min.X + int(float64(b.Dx())*SampleX),
		Y: b.Min.Y + int(float64(b.Dy())*SampleY),
	}
}

// Classify samples img and returns the first tier whose ranges contain the
// pixel on all three channels, or CategoryUnknown.
func (c *Classifier) Classify(img image.Image) (Result, error) {
	if img == nil {
		return Result{}, fmt.Errorf("%w: nil image", domain.ErrInvalidImage)
	}
	b := img.Bounds()
	if b.Empty() {
		return Result{}, fmt.Errorf("%w: empty bounds %v", domain.ErrInvalidImage, b)
	}
	pt := SamplePoint(b)
	if !pt.In(b) {
		return Result{}, fmt.Errorf("%w: sample %v outside %v", domain.ErrInvalidImage, pt, b)
	}

	r, g, bl := rgb8(img, pt)
	sample := Sample{X: pt.X, Y: pt.Y, R: r, G: g, B: bl}
	for _, tier := range domain.Tiers {
		cr, ok := c.ranges[tier]
		if !ok {
			continue
		}
		if cr.Matches(r, g, bl) {
			return Result{Category: tier, Sample: sample}, nil
		}
	}
	return Result{Category: domain.CategoryUnknown, Sample: sample}, nil
}

// rgb8 reads the 8-bit channels at pt, skipping the color.Color round trip
// for the common decoded formats.
func rgb8(img image.Image, pt image.Point) (uint8, uint8, uint8) {
	switch m := img.(type) {
	case *image.NRGBA:
		c := m.NRGBAAt(pt.X, pt.Y)
		return c.R, c.G, c.B
	case *image.RGBA:
		c := m.RGBAAt(pt.X, pt.Y)
		return c.R, c.G, c.B
	}
	r, g, b, _ := img.At(pt.X, pt.Y).RGBA()
	return uint8(r >> 8), uint8(g >> 8), uint8(b >> 8)
}
