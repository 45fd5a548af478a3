package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
)

// FileCatalog хранит каталог в одном JSON-файле. Содержимое держится в памяти,
// каждая мутация целиком переписывает файл через temp + rename.
type FileCatalog struct {
	path string
	log  *logger.Logger

	mu      sync.RWMutex
	records map[string]*domain.Asset
	names   map[string]string
}

var _ Catalog = (*FileCatalog)(nil)

func NewFileCatalog(path string, log *logger.Logger) (*FileCatalog, error) {
	if path == "" {
		return nil, fmt.Errorf("catalog file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}
	c := &FileCatalog{
		path:    path,
		log:     log.With("component", "FileCatalog"),
		records: make(map[string]*domain.Asset),
		names:   make(map[string]string),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileCatalog) load() error {
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}
	records, err := decodeRecords(raw)
	if err != nil {
		return err
	}
	c.records = make(map[string]*domain.Asset, len(records))
	c.names = make(map[string]string, len(records))
	for _, r := range records {
		c.records[r.UUID] = r
		c.names[r.UniqueName] = r.UUID
	}
	c.log.Info("catalog loaded", "path", c.path, "records", len(records))
	return nil
}

func decodeRecords(raw []byte) ([]*domain.Asset, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []*domain.Asset
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: malformed catalog data: %v", domain.ErrValidation, err)
	}
	return records, nil
}

// persist вызывается под c.mu.
func (c *FileCatalog) persist() error {
	all := make([]*domain.Asset, 0, len(c.records))
	for _, r := range c.records {
		all = append(all, r)
	}
	sortAssets(all)
	raw, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return backendErr("encode", err)
	}
	return writeFileAtomic(c.path, raw)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return backendErr("create temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return backendErr("write", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return backendErr("fsync", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return backendErr("close", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return backendErr("rename", err)
	}
	return nil
}

func (c *FileCatalog) GetAll(ctx context.Context) ([]*domain.Asset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*domain.Asset, 0, len(c.records))
	for _, r := range c.records {
		out = append(out, r.Clone())
	}
	sortAssets(out)
	return out, nil
}

func (c *FileCatalog) GetByUUID(ctx context.Context, uuid string) (*domain.Asset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[uuid]
	if !ok {
		return nil, notFound(uuid)
	}
	return r.Clone(), nil
}

func (c *FileCatalog) GetByUniqueName(ctx context.Context, uniqueName string) (*domain.Asset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	uuid, ok := c.names[uniqueName]
	if !ok {
		return nil, fmt.Errorf("%w: unique_name %s", domain.ErrNotFound, uniqueName)
	}
	return c.records[uuid].Clone(), nil
}

func (c *FileCatalog) Validate(ctx context.Context, asset *domain.Asset) error {
	return validate(ctx, c, asset)
}

func (c *FileCatalog) Add(ctx context.Context, asset *domain.Asset) (*domain.Asset, error) {
	if err := validateRequired(asset); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[asset.UUID]; ok {
		return nil, fmt.Errorf("%w: uuid %s already exists", domain.ErrConflict, asset.UUID)
	}
	if owner, ok := c.names[asset.UniqueName]; ok {
		return nil, fmt.Errorf("%w: unique_name %s already used by %s", domain.ErrConflict, asset.UniqueName, owner)
	}

	rec := asset.Clone()
	c.records[rec.UUID] = rec
	c.names[rec.UniqueName] = rec.UUID
	if err := c.persist(); err != nil {
		delete(c.records, rec.UUID)
		delete(c.names, rec.UniqueName)
		return nil, err
	}
	return rec.Clone(), nil
}

func (c *FileCatalog) AddMany(ctx context.Context, assets []*domain.Asset) domain.BatchResult {
	return addEach(ctx, c, assets)
}

func (c *FileCatalog) Update(ctx context.Context, uuid string, patch *domain.AssetPatch) (*domain.Asset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.records[uuid]
	if !ok {
		return nil, notFound(uuid)
	}
	next, err := applyPatch(current, patch)
	if err != nil {
		return nil, err
	}
	c.records[uuid] = next
	if err := c.persist(); err != nil {
		c.records[uuid] = current
		return nil, err
	}
	return next.Clone(), nil
}

func (c *FileCatalog) Delete(ctx context.Context, uuid string) (*domain.Asset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.records[uuid]
	if !ok {
		return nil, notFound(uuid)
	}
	delete(c.records, uuid)
	delete(c.names, current.UniqueName)
	if err := c.persist(); err != nil {
		c.records[uuid] = current
		c.names[current.UniqueName] = uuid
		return nil, err
	}
	return current.Clone(), nil
}

func (c *FileCatalog) DeleteAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, names := c.records, c.names
	c.records = make(map[string]*domain.Asset)
	c.names = make(map[string]string)
	if err := c.persist(); err != nil {
		c.records, c.names = records, names
		return err
	}
	return nil
}

func (c *FileCatalog) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records), nil
}

// CreateDump для файлового каталога возвращает содержимое файла.
func (c *FileCatalog) CreateDump(ctx context.Context) (*domain.DumpHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		raw = []byte("[]")
	} else if err != nil {
		return nil, backendErr("read", err)
	}
	return &domain.DumpHandle{Format: domain.DumpFormatRDB, Data: raw}, nil
}

func (c *FileCatalog) RestoreDump(ctx context.Context, data []byte) (bool, error) {
	if _, err := decodeRecords(data); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeFileAtomic(c.path, data); err != nil {
		return false, err
	}
	if err := c.load(); err != nil {
		return false, err
	}
	return true, nil
}

func (c *FileCatalog) Close() error {
	return nil
}
