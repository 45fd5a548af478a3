package domain

import "time"

// ListResponse: формат ответа списковых операций: {data, errors}.
type ListResponse[T any] struct {
	Data   []T         `json:"data"`
	Errors []ItemError `json:"errors"`
}

// ItemResponse: формат ответа операций над одним элементом: {datum, error}.
type ItemResponse[T any] struct {
	Datum *T      `json:"datum"`
	Error *string `json:"error"`
}

// BatchResult: результат неатомарной пакетной операции над каталогом.
type BatchResult struct {
	Succeeded []*Asset
	Failed    []ItemError
}

// DumpFormat: формат дампа каталога.
type DumpFormat string

const (
	DumpFormatJSON DumpFormat = "json"
	DumpFormatRDB  DumpFormat = "rdb"
)

// ParseDumpFormat разбирает формат дампа, пустая строка означает json.
func ParseDumpFormat(s string) (DumpFormat, error) {
	switch DumpFormat(s) {
	case "", DumpFormatJSON:
		return DumpFormatJSON, nil
	case DumpFormatRDB:
		return DumpFormatRDB, nil
	default:
		return "", Validationf("unknown dump format %q", s)
	}
}

// DumpTimestampLayout: формат метки времени в имени дампа (YYYYMMDDTHHMMSS).
const DumpTimestampLayout = "20060102T150405"

// DumpName возвращает имя дампа по умолчанию для момента t.
func DumpName(t time.Time) string {
	return t.UTC().Format(DumpTimestampLayout)
}

// DumpHandle: непрозрачный снимок хранилища каталога.
type DumpHandle struct {
	Format DumpFormat
	Data   []byte
}

// DumpFile: сохранённый дамп в blob-хранилище.
type DumpFile struct {
	Name    string     `json:"name"`
	Format  DumpFormat `json:"format"`
	Path    string     `json:"path"`
	Size    int        `json:"size"`
	Records []*Asset   `json:"records,omitempty"`

	Content []byte `json:"-"`
}

// DumpResult: результат операций менеджера дампов: {status, data, errors}.
type DumpResult struct {
	Status int         `json:"status"`
	Data   *DumpFile   `json:"data"`
	Errors []ItemError `json:"errors"`
}
