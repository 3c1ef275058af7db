package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

const thumbnailSize = 72

// ImageInfo describes an outgoing image.
type ImageInfo struct {
	Width     uint32
	Height    uint32
	Thumbnail []byte
}

// Thumbnail decodes an image and returns its dimensions with a small JPEG
// preview for the message bubble.
func Thumbnail(data []byte) (*ImageInfo, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	bounds := img.Bounds()

	thumb := resize.Thumbnail(thumbnailSize, thumbnailSize, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	return &ImageInfo{
		Width:     uint32(bounds.Dx()),
		Height:    uint32(bounds.Dy()),
		Thumbnail: buf.Bytes(),
	}, nil
}
