package transcode

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
)

// sizeEncoder выдаёт буфер размером w*h*q/divisor байт: предсказуемая модель кодека.
type sizeEncoder struct {
	width, height int
	divisor       int
	calls         []EncodeOptions
}

func (e *sizeEncoder) Dimensions([]byte) (int, int, error) {
	return e.width, e.height, nil
}

func (e *sizeEncoder) Encode(_ []byte, opts EncodeOptions) ([]byte, error) {
	e.calls = append(e.calls, opts)
	return make([]byte, opts.Width*opts.Height*opts.Quality/e.divisor), nil
}

func defaultOptions() Options {
	return Options{TargetSizeKB: 200, MaxWidth: 1920, MaxHeight: 1080, MaxIterations: 3, StartQuality: 80, Format: FormatWEBP}
}

func TestTargetDimensions(t *testing.T) {
	cases := []struct {
		name             string
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{"landscape bound by height", 4000, 3000, 1920, 1080, 1440, 1080},
		{"wide bound by width", 3840, 1000, 1920, 1080, 1920, 500},
		{"already fits", 801, 601, 1920, 1080, 802, 602},
		{"odd rounding", 1001, 333, 500, 0, 500, 166},
		{"tiny", 1, 1, 1920, 1080, 2, 2},
		{"no bounds", 1234, 567, 0, 0, 1234, 568},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, h := TargetDimensions(tc.w, tc.h, tc.maxW, tc.maxH)
			assert.Equal(t, tc.wantW, w)
			assert.Equal(t, tc.wantH, h)
			assert.Zero(t, w%2)
			assert.Zero(t, h%2)
		})
	}
}

func TestOptimizeConverges(t *testing.T) {
	enc := &sizeEncoder{width: 4000, height: 3000, divisor: 400}
	opt := NewOptimizer(enc, defaultOptions(), logger.Nop())

	res, err := opt.Optimize(context.Background(), []byte("src"), Options{})
	require.NoError(t, err)

	// 1440x1080@80 = 303.75KB: ratio > 1.5 при ширине > 1200, уменьшаем на 20% и снижаем качество на 13
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, Attempt{Width: 1440, Height: 1080, Quality: 80, Size: 311040}, res.Attempts[0])
	assert.Equal(t, 1152, res.Width)
	assert.Equal(t, 864, res.Height)
	assert.Equal(t, 67, res.Quality)
	assert.True(t, res.TargetAchieved)
	assert.LessOrEqual(t, len(res.Data), 200*1024)
	assert.Equal(t, FormatWEBP, res.Format)
}

func TestOptimizeStopsAfterMaxIterations(t *testing.T) {
	enc := &sizeEncoder{width: 4000, height: 3000, divisor: 10}
	opt := NewOptimizer(enc, defaultOptions(), logger.Nop())

	res, err := opt.Optimize(context.Background(), []byte("src"), Options{})
	require.NoError(t, err)

	require.Len(t, res.Attempts, 3)
	assert.Len(t, enc.calls, 3)
	assert.False(t, res.TargetAchieved)
	assert.Greater(t, len(res.Data), 200*1024)
	assert.Equal(t, res.Attempts[2].Size, len(res.Data))

	// шаг качества ограничен 15
	assert.Equal(t, 80, res.Attempts[0].Quality)
	assert.Equal(t, 65, res.Attempts[1].Quality)
	assert.Equal(t, 50, res.Attempts[2].Quality)
	assert.Equal(t, 1440, res.Attempts[0].Width)
	assert.Equal(t, 1152, res.Attempts[1].Width)
	assert.Equal(t, 922, res.Attempts[2].Width)
}

func TestOptimizeQualityFloor(t *testing.T) {
	enc := &sizeEncoder{width: 1000, height: 1000, divisor: 1}
	opt := NewOptimizer(enc, defaultOptions(), logger.Nop())

	res, err := opt.Optimize(context.Background(), []byte("src"), Options{StartQuality: 45, MaxIterations: 4})
	require.NoError(t, err)
	require.Len(t, res.Attempts, 4)
	assert.Equal(t, 45, res.Attempts[0].Quality)
	assert.Equal(t, 35, res.Attempts[1].Quality)
	assert.Equal(t, 35, res.Attempts[3].Quality)
	// при ширине не больше 1200 размеры не трогаем
	assert.Equal(t, 1000, res.Attempts[3].Width)
	assert.False(t, res.TargetAchieved)
}

func TestOptimizeFirstAttemptFits(t *testing.T) {
	enc := &sizeEncoder{width: 640, height: 480, divisor: 1000}
	opt := NewOptimizer(enc, defaultOptions(), logger.Nop())

	res, err := opt.Optimize(context.Background(), []byte("src"), Options{})
	require.NoError(t, err)
	assert.Len(t, res.Attempts, 1)
	assert.True(t, res.TargetAchieved)
	assert.Equal(t, 640, res.Width)
}

func TestOptimizeDeterministic(t *testing.T) {
	run := func() *Result {
		enc := &sizeEncoder{width: 5000, height: 2000, divisor: 50}
		res, err := NewOptimizer(enc, defaultOptions(), logger.Nop()).Optimize(context.Background(), nil, Options{})
		require.NoError(t, err)
		return res
	}
	assert.Equal(t, run().Attempts, run().Attempts)
}

type brokenEncoder struct{}

func (brokenEncoder) Dimensions([]byte) (int, int, error) { return 0, 0, errors.New("not an image") }
func (brokenEncoder) Encode([]byte, EncodeOptions) ([]byte, error) {
	return nil, errors.New("unreachable")
}

func TestOptimizeRejectsGarbage(t *testing.T) {
	opt := NewOptimizer(brokenEncoder{}, defaultOptions(), logger.Nop())
	_, err := opt.Optimize(context.Background(), []byte("nope"), Options{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 5), B: uint8((x + y) * 3), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNativeEncoder(t *testing.T) {
	src := testPNG(t, 64, 48)
	enc := NativeEncoder{}

	w, h, err := enc.Dimensions(src)
	require.NoError(t, err)
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)

	out, err := enc.Encode(src, EncodeOptions{Width: 32, Height: 24, Quality: 70, Format: FormatJPEG})
	require.NoError(t, err)
	w, h, err = enc.Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, 32, w)
	assert.Equal(t, 24, h)

	_, err = enc.Encode(src, EncodeOptions{Width: 32, Height: 24, Format: FormatWEBP})
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestCanEncode(t *testing.T) {
	assert.True(t, CanEncode(NativeEncoder{}, FormatPNG))
	assert.True(t, CanEncode(NativeEncoder{}, FormatJPEG))
	assert.False(t, CanEncode(NativeEncoder{}, FormatWEBP))
	// без CanWrite считаем, что кодировщик пишет всё
	assert.True(t, CanEncode(&sizeEncoder{}, FormatWEBP))
}

func TestRenderKeepsAspect(t *testing.T) {
	opt := NewOptimizer(NativeEncoder{}, defaultOptions(), logger.Nop())
	out, err := opt.Render(testPNG(t, 64, 48), FormatPNG, 16, 0, 0)
	require.NoError(t, err)

	w, h, err := NativeEncoder{}.Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, 16, w)
	assert.Equal(t, 12, h)
}

func TestParseFormat(t *testing.T) {
	f, ok := ParseFormat("JPG")
	require.True(t, ok)
	assert.Equal(t, FormatJPEG, f)
	assert.Equal(t, "image/jpeg", f.Mimetype())
	assert.Equal(t, "jpg", f.Ext())

	_, ok = ParseFormat("tiff")
	assert.False(t, ok)

	f, ok = FormatFromMimetype("image/png")
	require.True(t, ok)
	assert.Equal(t, FormatPNG, f)
}

func TestNeedsTranscode(t *testing.T) {
	assert.True(t, NeedsTranscode("video/quicktime"))
	assert.False(t, NeedsTranscode("video/mp4"))
	assert.False(t, NeedsTranscode("image/png"))
}
