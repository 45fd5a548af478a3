package transcode

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"assetvault/internal/domain"
)

// NativeEncoder: кодировщик на чистом Go, без libvips. Читает jpeg/png/gif/webp,
// пишет jpeg и png. Кодирование в webp не поддерживается.
type NativeEncoder struct{}

var _ Encoder = NativeEncoder{}

func (NativeEncoder) CanWrite(f Format) bool {
	return f == FormatJPEG || f == FormatPNG
}

func (NativeEncoder) Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func (e NativeEncoder) Encode(data []byte, opts EncodeOptions) ([]byte, error) {
	if !e.CanWrite(opts.Format) {
		return nil, fmt.Errorf("%w: native encoder cannot write %s", domain.ErrUnsupported, opts.Format)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	img := src
	b := src.Bounds()
	if opts.Width > 0 && opts.Height > 0 && (opts.Width != b.Dx() || opts.Height != b.Dy()) {
		dst := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	switch opts.Format {
	case FormatJPEG:
		q := opts.Quality
		if q <= 0 || q > 100 {
			q = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: q})
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", opts.Format, err)
	}
	return buf.Bytes(), nil
}
