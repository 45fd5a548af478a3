// Package memory: blob-хранилище в памяти процесса. Нужен тестам
// оркестратора: позволяет подсовывать отказы отдельных операций.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"assetvault/internal/domain"
	"assetvault/internal/storage"
)

type object struct {
	data    []byte
	meta    storage.Metadata
	modTime time.Time
}

type Storage struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time

	// FailPut/FailDelete/FailGet, если заданы, вызываются перед операцией;
	// непустая ошибка возвращается вместо выполнения.
	FailPut    func(path string) error
	FailDelete func(path string) error
	FailGet    func(path string) error
}

var _ storage.Backend = (*Storage)(nil)

func New() *Storage {
	return &Storage{objects: make(map[string]object), now: time.Now}
}

func (s *Storage) Name() string { return "memory" }

func (s *Storage) Get(ctx context.Context, path string) ([]byte, error) {
	key, err := storage.Key(path)
	if err != nil {
		return nil, err
	}
	if s.FailGet != nil {
		if err := s.FailGet(key); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, storage.NotFound(path)
	}
	return append([]byte(nil), o.data...), nil
}

func (s *Storage) Put(ctx context.Context, path string, data []byte, meta storage.Metadata) error {
	key, err := storage.Key(path)
	if err != nil {
		return err
	}
	if s.FailPut != nil {
		if err := s.FailPut(key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: append([]byte(nil), data...), meta: meta, modTime: s.now()}
	return nil
}

func (s *Storage) Delete(ctx context.Context, path string) error {
	key, err := storage.Key(path)
	if err != nil {
		return err
	}
	if s.FailDelete != nil {
		if err := s.FailDelete(key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return storage.NotFound(path)
	}
	delete(s.objects, key)
	return nil
}

func (s *Storage) PutMany(ctx context.Context, items []storage.Item) storage.BatchResult {
	return storage.PutEach(ctx, s, items)
}

func (s *Storage) DeleteMany(ctx context.Context, paths []string) storage.BatchResult {
	return storage.DeleteEach(ctx, s, paths)
}

func (s *Storage) GetLastDump(ctx context.Context, format domain.DumpFormat) (*domain.DumpFile, error) {
	s.mu.RLock()
	var entries []storage.DumpEntry
	for key, o := range s.objects {
		e, ok := storage.ParseDumpKey(key, format)
		if !ok {
			continue
		}
		e.ModTime = o.modTime
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	latest, ok := storage.Latest(entries)
	if !ok {
		return nil, storage.NoDump(format)
	}
	data, err := s.Get(ctx, latest.Path)
	if err != nil {
		return nil, err
	}
	return storage.NewDumpFile(latest, format, data), nil
}

// Has сообщает, есть ли объект по пути.
func (s *Storage) Has(path string) bool {
	key, err := storage.Key(path)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}

// Meta возвращает сохранённые метаданные объекта.
func (s *Storage) Meta(path string) (storage.Metadata, error) {
	key, err := storage.Key(path)
	if err != nil {
		return storage.Metadata{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return storage.Metadata{}, fmt.Errorf("no object %s", key)
	}
	return o.meta, nil
}

// Len: число объектов в хранилище.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
