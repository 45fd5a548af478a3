package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
	"assetvault/internal/queue"
	"assetvault/internal/repository"
	"assetvault/internal/storage"
)

var dumpNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// DumpService сохраняет каталог в blob-хранилище и восстанавливает его.
// Все операции идут через очередь допуска, одновременно выполняется одна.
type DumpService struct {
	catalog repository.Catalog
	blobs   storage.Backend
	queue   *queue.Queue
	log     *logger.Logger
	now     func() time.Time
}

func NewDumpService(catalog repository.Catalog, blobs storage.Backend, q *queue.Queue, log *logger.Logger) *DumpService {
	return &DumpService{
		catalog: catalog,
		blobs:   blobs,
		queue:   q,
		log:     log.With("component", "DumpService"),
		now:     time.Now,
	}
}

func checkDumpName(name string) error {
	if !dumpNameRe.MatchString(name) || name == "." || name == ".." {
		return &domain.FieldError{Field: "filename", Reason: fmt.Sprintf("invalid dump name %q", name)}
	}
	return nil
}

// CreateDump снимает дамп каталога. Пустое имя заменяется меткой времени.
func (s *DumpService) CreateDump(ctx context.Context, name string, format domain.DumpFormat) (*domain.DumpResult, error) {
	if name == "" {
		name = domain.DumpName(s.now())
	}
	if err := checkDumpName(name); err != nil {
		return nil, err
	}
	return queue.Run(ctx, s.queue, "dump.create", func(ctx context.Context) (*domain.DumpResult, error) {
		var data []byte
		switch format {
		case domain.DumpFormatJSON:
			assets, err := s.catalog.GetAll(ctx)
			if err != nil {
				return nil, err
			}
			if data, err = json.Marshal(assets); err != nil {
				return nil, fmt.Errorf("%w: encode dump: %v", domain.ErrBackend, err)
			}
		case domain.DumpFormatRDB:
			handle, err := s.catalog.CreateDump(ctx)
			if err != nil {
				return nil, err
			}
			data = handle.Data
		default:
			return nil, domain.Validationf("unknown dump format %q", format)
		}

		p := storage.DumpPath(name, format)
		meta := storage.Metadata{ContentType: dumpContentType(format)}
		if err := s.blobs.Put(ctx, p, data, meta); err != nil {
			return nil, wrapBackend(err)
		}
		s.log.Info("dump created", "name", name, "format", format, "size", len(data))
		return &domain.DumpResult{
			Status: http.StatusCreated,
			Data:   &domain.DumpFile{Name: name, Format: format, Path: p, Size: len(data)},
		}, nil
	})
}

// GetDump читает дамп по имени или самый свежий, если имя не задано.
func (s *DumpService) GetDump(ctx context.Context, name string, format domain.DumpFormat) (*domain.DumpResult, error) {
	if name != "" {
		if err := checkDumpName(name); err != nil {
			return nil, err
		}
	}
	return queue.Run(ctx, s.queue, "dump.get", func(ctx context.Context) (*domain.DumpResult, error) {
		file, err := s.load(ctx, name, format)
		if err != nil {
			return nil, err
		}
		if format == domain.DumpFormatJSON {
			if file.Records, err = decodeRecords(file.Content); err != nil {
				return nil, err
			}
		}
		return &domain.DumpResult{Status: http.StatusOK, Data: file}, nil
	})
}

// RestoreDump восстанавливает каталог. Предпочитается JSON-дамп, при его
// отсутствии применяется непрозрачный снимок хранилища.
func (s *DumpService) RestoreDump(ctx context.Context, name string) (*domain.DumpResult, error) {
	if name != "" {
		if err := checkDumpName(name); err != nil {
			return nil, err
		}
	}
	return queue.Run(ctx, s.queue, "dump.restore", func(ctx context.Context) (*domain.DumpResult, error) {
		return s.restore(ctx, name)
	})
}

// RestoreIfEmpty восстанавливает последний дамп, если каталог пуст.
// Отсутствие дампов не считается ошибкой.
func (s *DumpService) RestoreIfEmpty(ctx context.Context) (*domain.DumpResult, error) {
	n, err := s.catalog.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		s.log.Debug("catalog is not empty, startup restore skipped", "records", n)
		return nil, nil
	}
	res, err := s.RestoreDump(ctx, "")
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Info("no dumps found, starting with an empty catalog")
		return nil, nil
	}
	return res, err
}

func (s *DumpService) restore(ctx context.Context, name string) (*domain.DumpResult, error) {
	file, err := s.load(ctx, name, domain.DumpFormatJSON)
	switch {
	case err == nil:
		return s.restoreJSON(ctx, file)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	file, err = s.load(ctx, name, domain.DumpFormatRDB)
	if err != nil {
		return nil, err
	}
	immediate, err := s.catalog.RestoreDump(ctx, file.Content)
	if err != nil {
		return nil, err
	}
	status := http.StatusOK
	if !immediate {
		status = http.StatusAccepted
	}
	s.log.Info("snapshot restored", "name", file.Name, "immediate", immediate)
	return &domain.DumpResult{Status: status, Data: file}, nil
}

func (s *DumpService) restoreJSON(ctx context.Context, file *domain.DumpFile) (*domain.DumpResult, error) {
	records, err := decodeRecords(file.Content)
	if err != nil {
		return nil, err
	}
	res := s.catalog.AddMany(ctx, records)
	file.Records = res.Succeeded

	status := http.StatusOK
	switch {
	case len(res.Failed) == 0:
	case len(res.Succeeded) > 0:
		status = http.StatusMultiStatus
	default:
		status = http.StatusConflict
	}
	s.log.Info("json dump restored", "name", file.Name,
		"restored", len(res.Succeeded), "failed", len(res.Failed))
	return &domain.DumpResult{Status: status, Data: file, Errors: res.Failed}, nil
}

func (s *DumpService) load(ctx context.Context, name string, format domain.DumpFormat) (*domain.DumpFile, error) {
	if name == "" {
		return s.blobs.GetLastDump(ctx, format)
	}
	p := storage.DumpPath(name, format)
	data, err := s.blobs.Get(ctx, p)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: dump %s.%s", domain.ErrNotFound, name, format)
		}
		return nil, err
	}
	return &domain.DumpFile{Name: name, Format: format, Path: p, Size: len(data), Content: data}, nil
}

func decodeRecords(data []byte) ([]*domain.Asset, error) {
	var records []*domain.Asset
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, domain.Validationf("malformed json dump: %v", err)
	}
	return records, nil
}

func dumpContentType(format domain.DumpFormat) string {
	if format == domain.DumpFormatJSON {
		return "application/json"
	}
	return "application/octet-stream"
}
