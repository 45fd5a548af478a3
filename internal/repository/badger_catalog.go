package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v3"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
)

const (
	badgerAssetPrefix = "asset/"
	badgerNamePrefix  = "name/"
)

// BadgerCatalog: встроенное KV-хранилище каталога на badger.
type BadgerCatalog struct {
	db  *badger.DB
	log *logger.Logger
}

var _ Catalog = (*BadgerCatalog)(nil)

// NewBadgerCatalog открывает базу в dir. С пустым dir база живёт только в памяти.
func NewBadgerCatalog(dir string, log *logger.Logger) (*BadgerCatalog, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil).WithMemTableSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerCatalog{db: db, log: log.With("component", "BadgerCatalog")}, nil
}

func getAsset(txn *badger.Txn, uuid string) (*domain.Asset, error) {
	item, err := txn.Get([]byte(badgerAssetPrefix + uuid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(uuid)
	}
	if err != nil {
		return nil, backendErr("get", err)
	}
	var a domain.Asset
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &a)
	})
	if err != nil {
		return nil, backendErr("decode", err)
	}
	return &a, nil
}

func putAsset(txn *badger.Txn, a *domain.Asset) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return backendErr("encode", err)
	}
	if err := txn.Set([]byte(badgerAssetPrefix+a.UUID), raw); err != nil {
		return backendErr("set", err)
	}
	return nil
}

func (c *BadgerCatalog) GetAll(ctx context.Context) ([]*domain.Asset, error) {
	out := []*domain.Asset{}
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerAssetPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var a domain.Asset
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return backendErr("decode", err)
			}
			out = append(out, &a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortAssets(out)
	return out, nil
}

func (c *BadgerCatalog) GetByUUID(ctx context.Context, uuid string) (*domain.Asset, error) {
	var a *domain.Asset
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		a, err = getAsset(txn, uuid)
		return err
	})
	return a, err
}

func (c *BadgerCatalog) GetByUniqueName(ctx context.Context, uniqueName string) (*domain.Asset, error) {
	var a *domain.Asset
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerNamePrefix + uniqueName))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: unique_name %s", domain.ErrNotFound, uniqueName)
		}
		if err != nil {
			return backendErr("get", err)
		}
		uuid, err := item.ValueCopy(nil)
		if err != nil {
			return backendErr("get", err)
		}
		a, err = getAsset(txn, string(uuid))
		return err
	})
	return a, err
}

func (c *BadgerCatalog) Validate(ctx context.Context, asset *domain.Asset) error {
	return validate(ctx, c, asset)
}

func (c *BadgerCatalog) Add(ctx context.Context, asset *domain.Asset) (*domain.Asset, error) {
	if err := validateRequired(asset); err != nil {
		return nil, err
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(badgerAssetPrefix + asset.UUID)); err == nil {
			return fmt.Errorf("%w: uuid %s already exists", domain.ErrConflict, asset.UUID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return backendErr("get", err)
		}
		if _, err := txn.Get([]byte(badgerNamePrefix + asset.UniqueName)); err == nil {
			return fmt.Errorf("%w: unique_name %s already exists", domain.ErrConflict, asset.UniqueName)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return backendErr("get", err)
		}
		if err := putAsset(txn, asset); err != nil {
			return err
		}
		return txn.Set([]byte(badgerNamePrefix+asset.UniqueName), []byte(asset.UUID))
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil, fmt.Errorf("%w: concurrent insert of %s", domain.ErrConflict, asset.UniqueName)
	}
	if err != nil {
		return nil, err
	}
	return asset.Clone(), nil
}

func (c *BadgerCatalog) AddMany(ctx context.Context, assets []*domain.Asset) domain.BatchResult {
	return addEach(ctx, c, assets)
}

func (c *BadgerCatalog) Update(ctx context.Context, uuid string, patch *domain.AssetPatch) (*domain.Asset, error) {
	var next *domain.Asset
	err := c.db.Update(func(txn *badger.Txn) error {
		current, err := getAsset(txn, uuid)
		if err != nil {
			return err
		}
		next, err = applyPatch(current, patch)
		if err != nil {
			return err
		}
		return putAsset(txn, next)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (c *BadgerCatalog) Delete(ctx context.Context, uuid string) (*domain.Asset, error) {
	var current *domain.Asset
	err := c.db.Update(func(txn *badger.Txn) error {
		var err error
		current, err = getAsset(txn, uuid)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(badgerAssetPrefix + uuid)); err != nil {
			return backendErr("delete", err)
		}
		return txn.Delete([]byte(badgerNamePrefix + current.UniqueName))
	})
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (c *BadgerCatalog) DeleteAll(ctx context.Context) error {
	if err := c.db.DropAll(); err != nil {
		return backendErr("drop", err)
	}
	return nil
}

func (c *BadgerCatalog) Count(ctx context.Context) (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(badgerAssetPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// CreateDump снимает полный backup-поток badger.
func (c *BadgerCatalog) CreateDump(ctx context.Context) (*domain.DumpHandle, error) {
	var buf bytes.Buffer
	if _, err := c.db.Backup(&buf, 0); err != nil {
		return nil, backendErr("backup", err)
	}
	return &domain.DumpHandle{Format: domain.DumpFormatRDB, Data: buf.Bytes()}, nil
}

// RestoreDump заменяет содержимое базы снимком, эффект немедленный.
// Поток сначала загружается во временную базу в памяти. Текущие данные
// удаляются только если снимок прочитался и содержит записи каталога.
func (c *BadgerCatalog) RestoreDump(ctx context.Context, data []byte) (bool, error) {
	if len(data) == 0 {
		return false, domain.Validationf("empty badger snapshot")
	}
	if err := checkSnapshot(data); err != nil {
		return false, err
	}

	var backup bytes.Buffer
	if _, err := c.db.Backup(&backup, 0); err != nil {
		return false, backendErr("backup", err)
	}
	if err := c.db.DropAll(); err != nil {
		return false, backendErr("drop", err)
	}
	if err := loadStream(c.db, data); err != nil {
		c.log.Error("snapshot load failed, rolling back", "error", err)
		if dropErr := c.db.DropAll(); dropErr == nil {
			if rbErr := loadStream(c.db, backup.Bytes()); rbErr != nil {
				c.log.Error("rollback failed", "error", rbErr)
			}
		}
		return false, backendErr("load", err)
	}
	return true, nil
}

// checkSnapshot загружает поток во временную базу и проверяет, что все ключи
// принадлежат каталогу, а записи декодируются.
func checkSnapshot(data []byte) error {
	staging, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return backendErr("open staging", err)
	}
	defer staging.Close()

	if err := loadStream(staging, data); err != nil {
		return domain.Validationf("malformed badger snapshot: %v", err)
	}
	return staging.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			switch {
			case bytes.HasPrefix(key, []byte(badgerNamePrefix)):
			case bytes.HasPrefix(key, []byte(badgerAssetPrefix)):
				var a domain.Asset
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &a)
				}); err != nil {
					return domain.Validationf("snapshot record %s: %v", key, err)
				}
			default:
				return domain.Validationf("snapshot has foreign key %q", key)
			}
		}
		return nil
	})
}

// loadStream: db.Load паникует на битом потоке, панику возвращаем ошибкой.
func loadStream(db *badger.DB, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrupted backup stream: %v", r)
		}
	}()
	return db.Load(bytes.NewReader(data), 256)
}

func (c *BadgerCatalog) Close() error {
	return c.db.Close()
}
