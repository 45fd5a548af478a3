package transcode

import (
	"fmt"

	"github.com/h2non/bimg"

	"assetvault/internal/domain"
)

// VipsEncoder кодирует изображения через libvips (bimg).
type VipsEncoder struct{}

var _ Encoder = VipsEncoder{}

func (VipsEncoder) Dimensions(data []byte) (int, int, error) {
	size, err := bimg.NewImage(data).Size()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get image size: %w", err)
	}
	return size.Width, size.Height, nil
}

func (VipsEncoder) Encode(data []byte, opts EncodeOptions) ([]byte, error) {
	var typ bimg.ImageType
	switch opts.Format {
	case FormatJPEG:
		typ = bimg.JPEG
	case FormatPNG:
		typ = bimg.PNG
	case FormatWEBP:
		typ = bimg.WEBP
	default:
		return nil, fmt.Errorf("%w: image format %q", domain.ErrUnsupported, opts.Format)
	}

	processed, err := bimg.NewImage(data).Process(bimg.Options{
		Width:         opts.Width,
		Height:        opts.Height,
		Quality:       opts.Quality,
		Type:          typ,
		Force:         true,
		StripMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to process image: %w", err)
	}
	return processed, nil
}
