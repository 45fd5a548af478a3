package transcode

import (
	"context"
	"fmt"
	"math"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
)

const (
	minQuality       = 35
	maxQualityStep   = 15
	shrinkRatio      = 1.5
	shrinkMinWidth   = 1200
	shrinkFactor     = 0.8
	qualityStepScale = 8
)

// Options: ограничения поиска кодирования.
type Options struct {
	TargetSizeKB  int
	MaxWidth      int
	MaxHeight     int
	MaxIterations int
	StartQuality  int
	Format        Format
}

// Attempt: одна попытка кодирования.
type Attempt struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	Quality int `json:"quality"`
	Size    int `json:"size"`
}

// Result: итог оптимизации. Data содержит байты последней попытки,
// даже если уложиться в целевой размер не удалось.
type Result struct {
	Data           []byte
	Format         Format
	Width          int
	Height         int
	Quality        int
	Attempts       []Attempt
	TargetAchieved bool
}

// Optimizer подбирает размеры и качество так, чтобы результат уложился в TargetSizeKB.
type Optimizer struct {
	enc      Encoder
	defaults Options
	log      *logger.Logger
}

func NewOptimizer(enc Encoder, defaults Options, log *logger.Logger) *Optimizer {
	if defaults.MaxIterations <= 0 {
		defaults.MaxIterations = 3
	}
	if defaults.StartQuality <= 0 {
		defaults.StartQuality = 80
	}
	if defaults.Format == "" {
		defaults.Format = FormatWEBP
	}
	return &Optimizer{enc: enc, defaults: defaults, log: log.With("component", "Optimizer")}
}

// Encoder возвращает кодировщик, с которым работает оптимизатор.
func (o *Optimizer) Encoder() Encoder { return o.enc }

func (o *Optimizer) merge(opts Options) Options {
	d := o.defaults
	if opts.TargetSizeKB > 0 {
		d.TargetSizeKB = opts.TargetSizeKB
	}
	if opts.MaxWidth > 0 {
		d.MaxWidth = opts.MaxWidth
	}
	if opts.MaxHeight > 0 {
		d.MaxHeight = opts.MaxHeight
	}
	if opts.MaxIterations > 0 {
		d.MaxIterations = opts.MaxIterations
	}
	if opts.StartQuality > 0 {
		d.StartQuality = opts.StartQuality
	}
	if opts.Format != "" {
		d.Format = opts.Format
	}
	return d
}

// Optimize кодирует изображение, уменьшая качество и, при сильном превышении,
// размеры, пока результат не уложится в целевой размер или не кончатся итерации.
func (o *Optimizer) Optimize(ctx context.Context, data []byte, opts Options) (*Result, error) {
	opts = o.merge(opts)
	if opts.TargetSizeKB <= 0 {
		return nil, domain.Validationf("target size must be positive")
	}

	srcW, srcH, err := o.enc.Dimensions(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read image size: %v", domain.ErrValidation, err)
	}
	width, height := TargetDimensions(srcW, srcH, opts.MaxWidth, opts.MaxHeight)
	quality := opts.StartQuality
	target := float64(opts.TargetSizeKB)

	res := &Result{Format: opts.Format}
	for i := 0; i < opts.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := o.enc.Encode(data, EncodeOptions{Width: width, Height: height, Quality: quality, Format: opts.Format})
		if err != nil {
			return nil, fmt.Errorf("failed to encode image: %w", err)
		}
		res.Data, res.Width, res.Height, res.Quality = out, width, height, quality
		res.Attempts = append(res.Attempts, Attempt{Width: width, Height: height, Quality: quality, Size: len(out)})

		sizeKB := float64(len(out)) / 1024
		if sizeKB <= target {
			res.TargetAchieved = true
			break
		}

		ratio := sizeKB / target
		if ratio > shrinkRatio && width > shrinkMinWidth {
			width = roundEven(float64(width) * shrinkFactor)
			height = roundEven(float64(height) * shrinkFactor)
		}
		step := int(math.Min(maxQualityStep, math.Ceil(ratio*qualityStepScale)))
		quality = max(minQuality, quality-step)
	}

	o.log.Debug("image optimized",
		"attempts", len(res.Attempts),
		"width", res.Width,
		"height", res.Height,
		"quality", res.Quality,
		"size", len(res.Data),
		"target_achieved", res.TargetAchieved,
	)
	return res, nil
}

// Render: чистое преобразование при отдаче: смена формата и/или размеров.
// Нулевая ширина или высота вычисляется из пропорций исходника.
func (o *Optimizer) Render(data []byte, format Format, width, height, quality int) ([]byte, error) {
	srcW, srcH, err := o.enc.Dimensions(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read image size: %v", domain.ErrValidation, err)
	}
	w, h := FitDimensions(srcW, srcH, width, height)
	if quality <= 0 {
		quality = o.defaults.StartQuality
	}
	return o.enc.Encode(data, EncodeOptions{Width: w, Height: h, Quality: min(quality, 100), Format: format})
}

// TargetDimensions вписывает изображение в maxWidth x maxHeight с сохранением
// пропорций и округляет обе стороны до ближайшего чётного. Нулевая граница не ограничивает.
func TargetDimensions(width, height, maxWidth, maxHeight int) (int, int) {
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	scale := 1.0
	if maxWidth > 0 && width > maxWidth {
		scale = math.Min(scale, float64(maxWidth)/float64(width))
	}
	if maxHeight > 0 && height > maxHeight {
		scale = math.Min(scale, float64(maxHeight)/float64(height))
	}
	return roundEven(float64(width) * scale), roundEven(float64(height) * scale)
}

// FitDimensions возвращает размеры рендера: заданная сторона берётся как есть,
// недостающая считается по пропорциям, без обеих сторон берутся исходные размеры.
func FitDimensions(srcW, srcH, width, height int) (int, int) {
	switch {
	case width > 0 && height > 0:
		return width, height
	case width > 0 && srcW > 0:
		return width, max(1, int(math.Round(float64(srcH)*float64(width)/float64(srcW))))
	case height > 0 && srcH > 0:
		return max(1, int(math.Round(float64(srcW)*float64(height)/float64(srcH)))), height
	default:
		return srcW, srcH
	}
}

func roundEven(v float64) int {
	return max(2, int(math.Round(v/2))*2)
}
