package transcode

import (
	"strings"
)

// Format: целевой формат кодирования изображения.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatWEBP Format = "webp"
)

// ParseFormat разбирает формат из query-параметра или расширения.
func ParseFormat(s string) (Format, bool) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "jpeg", "jpg":
		return FormatJPEG, true
	case "png":
		return FormatPNG, true
	case "webp":
		return FormatWEBP, true
	default:
		return "", false
	}
}

// FormatFromMimetype определяет формат по mimetype.
func FormatFromMimetype(mimetype string) (Format, bool) {
	switch strings.ToLower(mimetype) {
	case "image/jpeg", "image/jpg":
		return FormatJPEG, true
	case "image/png":
		return FormatPNG, true
	case "image/webp":
		return FormatWEBP, true
	default:
		return "", false
	}
}

func (f Format) Mimetype() string {
	return "image/" + string(f)
}

func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// EncodeOptions: параметры одной попытки кодирования.
type EncodeOptions struct {
	Width   int
	Height  int
	Quality int
	Format  Format
}

// Encoder кодирует изображение с заданными размерами и качеством.
// Реализации должны быть детерминированными: одинаковый вход даёт одинаковый выход.
type Encoder interface {
	Dimensions(data []byte) (width, height int, err error)
	Encode(data []byte, opts EncodeOptions) ([]byte, error)
}

// formatChecker реализуют кодировщики, которые пишут не все форматы.
type formatChecker interface {
	CanWrite(f Format) bool
}

// CanEncode сообщает, умеет ли enc писать формат f.
func CanEncode(enc Encoder, f Format) bool {
	if fc, ok := enc.(formatChecker); ok {
		return fc.CanWrite(f)
	}
	return true
}
