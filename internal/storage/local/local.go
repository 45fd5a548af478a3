package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"assetvault/internal/domain"
	"assetvault/internal/storage"
)

// Storage: хранилище на локальной файловой системе под корнем root.
// Запись атомарная: временный файл и rename в целевой путь.
type Storage struct {
	root string
}

var _ storage.Backend = (*Storage)(nil)

func New(root string) (*Storage, error) {
	if root == "" {
		return nil, fmt.Errorf("local storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Storage{root: abs}, nil
}

func (s *Storage) Name() string { return "local" }

func (s *Storage) resolve(p string) (string, error) {
	key, err := storage.Key(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *Storage) Get(ctx context.Context, p string) ([]byte, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.NotFound(p)
	}
	if err != nil {
		return nil, storage.BackendErr(s.Name(), "read", err)
	}
	return data, nil
}

func (s *Storage) Put(ctx context.Context, p string, data []byte, _ storage.Metadata) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return storage.BackendErr(s.Name(), "mkdir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return storage.BackendErr(s.Name(), "create temp", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.BackendErr(s.Name(), "write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.BackendErr(s.Name(), "fsync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storage.BackendErr(s.Name(), "close", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return storage.BackendErr(s.Name(), "rename", err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, p string) error {
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if errors.Is(err, os.ErrNotExist) {
		return storage.NotFound(p)
	}
	if err != nil {
		return storage.BackendErr(s.Name(), "remove", err)
	}
	return nil
}

func (s *Storage) PutMany(ctx context.Context, items []storage.Item) storage.BatchResult {
	return storage.PutEach(ctx, s, items)
}

func (s *Storage) DeleteMany(ctx context.Context, paths []string) storage.BatchResult {
	return storage.DeleteEach(ctx, s, paths)
}

func (s *Storage) GetLastDump(ctx context.Context, format domain.DumpFormat) (*domain.DumpFile, error) {
	dir := filepath.Join(s.root, storage.DumpDir)
	files, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.NoDump(format)
	}
	if err != nil {
		return nil, storage.BackendErr(s.Name(), "list dumps", err)
	}

	var entries []storage.DumpEntry
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		e, ok := storage.ParseDumpKey(storage.DumpDir+"/"+f.Name(), format)
		if !ok {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		e.ModTime = info.ModTime()
		entries = append(entries, e)
	}

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
