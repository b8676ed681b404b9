// Package imagex decodes attachment bytes into images.
package imagex

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"packbot/internal/domain"
)

// Decode reads PNG, JPEG, GIF, BMP or TIFF data, applying EXIF orientation.
// Failures wrap domain.ErrTransport.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrTransport)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", domain.ErrTransport, err)
	}
	return img, nil
}
