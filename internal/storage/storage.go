package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"assetvault/internal/domain"
)

// DumpDir: каталог внутри хранилища, где лежат дампы каталога.
const DumpDir = "dumps"

// Metadata: сопутствующие сведения об объекте. Бэкенды, которые умеют
// хранить метаданные объекта, сохраняют их, остальные игнорируют.
type Metadata struct {
	ContentType string
	Signature   string
	Version     int
}

// Item: элемент пакетной записи.
type Item struct {
	Path string
	Data []byte
	Meta Metadata
}

// BatchResult: итог пакетной операции: какие пути прошли, какие нет.
type BatchResult struct {
	Succeeded []string
	Failed    []domain.ItemError
}

// Backend: хранилище байтов ассетов. Про каталог ничего не знает.
type Backend interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte, meta Metadata) error
	Delete(ctx context.Context, path string) error
	PutMany(ctx context.Context, items []Item) BatchResult
	DeleteMany(ctx context.Context, paths []string) BatchResult
	// GetLastDump возвращает самый свежий дамп заданного формата.
	GetLastDump(ctx context.Context, format domain.DumpFormat) (*domain.DumpFile, error)
	Name() string
}

type putter interface {
	Put(ctx context.Context, path string, data []byte, meta Metadata) error
}

type deleter interface {
	Delete(ctx context.Context, path string) error
}

// batchLimit: сколько операций пакета выполняется одновременно.
const batchLimit = 8

// PutEach пишет элементы независимо друг от друга, с ограниченным параллелизмом.
// Порядок в Succeeded/Failed соответствует входному.
func PutEach(ctx context.Context, b putter, items []Item) BatchResult {
	errs := make([]error, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchLimit)
	for i, it := range items {
		g.Go(func() error {
			errs[i] = b.Put(gctx, it.Path, it.Data, it.Meta)
			return nil
		})
	}
	_ = g.Wait()

	paths := make([]string, len(items))
	for i, it := range items {
		paths[i] = it.Path
	}
	return collect(paths, errs)
}

// DeleteEach удаляет пути независимо друг от друга.
func DeleteEach(ctx context.Context, b deleter, paths []string) BatchResult {
	errs := make([]error, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchLimit)
	for i, p := range paths {
		g.Go(func() error {
			errs[i] = b.Delete(gctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return collect(paths, errs)
}

func collect(paths []string, errs []error) BatchResult {
	var res BatchResult
	for i, p := range paths {
		if errs[i] != nil {
			item := domain.NewItemError("", "", errs[i])
			item.Path = p
			res.Failed = append(res.Failed, item)
			continue
		}
		res.Succeeded = append(res.Succeeded, p)
	}
	return res
}

// Key приводит путь ассета к ключу объекта: без ведущего слэша, без "..".
func Key(p string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if clean == "" || clean == "." {
		return "", domain.Validationf("empty blob path")
	}
	return clean, nil
}

// DumpPath возвращает путь дампа с именем name.
func DumpPath(name string, format domain.DumpFormat) string {
	return path.Join(DumpDir, name+"."+string(format))
}

// DumpEntry: описание найденного в хранилище дампа.
type DumpEntry struct {
	Name    string
	Path    string
	ModTime time.Time
}

// ParseDumpKey разбирает ключ вида dumps/{name}.{format}.
func ParseDumpKey(key string, format domain.DumpFormat) (DumpEntry, bool) {
	key = strings.TrimPrefix(key, "/")
	dir, file := path.Split(key)
	if strings.TrimSuffix(dir, "/") != DumpDir {
		return DumpEntry{}, false
	}
	suffix := "." + string(format)
	if !strings.HasSuffix(file, suffix) || len(file) == len(suffix) {
		return DumpEntry{}, false
	}
	return DumpEntry{Name: strings.TrimSuffix(file, suffix), Path: key}, true
}

// Latest выбирает самый свежий дамп: по времени изменения, при равенстве по имени.
func Latest(entries []DumpEntry) (DumpEntry, bool) {
	if len(entries) == 0 {
		return DumpEntry{}, false
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ModTime.After(entries[j].ModTime)
		}
		return entries[i].Name > entries[j].Name
	})
	return entries[0], true
}

// NewDumpFile собирает DumpFile из найденной записи и её содержимого.
func NewDumpFile(e DumpEntry, format domain.DumpFormat, data []byte) *domain.DumpFile {
	return &domain.DumpFile{
		Name:    e.Name,
		Format:  format,
		Path:    e.Path,
		Size:    len(data),
		Content: data,
	}
}

// NotFound: ошибка отсутствующего объекта.
func NotFound(p string) error {
	return fmt.Errorf("%w: blob %s", domain.ErrNotFound, p)
}

// NoDump: ошибка отсутствия дампов заданного формата.
func NoDump(format domain.DumpFormat) error {
	return fmt.Errorf("%w: no %s dump found", domain.ErrNotFound, format)
}

// BackendErr оборачивает ошибку хранилища.
func BackendErr(backend, op string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", domain.ErrBackend, backend, op, err)
}
