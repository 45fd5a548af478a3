package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
)

// RedisCatalog хранит записи в redis:
//
//	{prefix}:asset:{uuid}      -> JSON записи
//	{prefix}:name:{uniqueName} -> uuid
//	{prefix}:assets            -> множество uuid
type RedisCatalog struct {
	rdb      goredis.UniversalClient
	prefix   string
	dumpPath string
	log      *logger.Logger
}

var _ Catalog = (*RedisCatalog)(nil)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	DumpPath string
}

func NewRedisCatalog(opts RedisOptions, log *logger.Logger) (*RedisCatalog, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisCatalogWithClient(rdb, opts.Prefix, opts.DumpPath, log), nil
}

// NewRedisCatalogWithClient оборачивает уже созданный клиент.
func NewRedisCatalogWithClient(rdb goredis.UniversalClient, prefix, dumpPath string, log *logger.Logger) *RedisCatalog {
	if prefix == "" {
		prefix = "assetvault"
	}
	return &RedisCatalog{
		rdb:      rdb,
		prefix:   prefix,
		dumpPath: dumpPath,
		log:      log.With("component", "RedisCatalog"),
	}
}

func (c *RedisCatalog) assetKey(uuid string) string { return c.prefix + ":asset:" + uuid }
func (c *RedisCatalog) nameKey(name string) string  { return c.prefix + ":name:" + name }
func (c *RedisCatalog) setKey() string              { return c.prefix + ":assets" }

func (c *RedisCatalog) GetAll(ctx context.Context) ([]*domain.Asset, error) {
	uuids, err := c.rdb.SMembers(ctx, c.setKey()).Result()
	if err != nil {
		return nil, backendErr("smembers", err)
	}
	if len(uuids) == 0 {
		return []*domain.Asset{}, nil
	}
	keys := make([]string, len(uuids))
	for i, u := range uuids {
		keys[i] = c.assetKey(u)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, backendErr("mget", err)
	}
	out := make([]*domain.Asset, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// ключ исчез между SMEMBERS и MGET
			continue
		}
		var a domain.Asset
		if err := json.Unmarshal([]byte(s), &a); err != nil {
			c.log.Warn("skipping malformed record", "uuid", uuids[i], "error", err)
			continue
		}
		out = append(out, &a)
	}
	sortAssets(out)
	return out, nil
}

func (c *RedisCatalog) GetByUUID(ctx context.Context, uuid string) (*domain.Asset, error) {
	raw, err := c.rdb.Get(ctx, c.assetKey(uuid)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, notFound(uuid)
	}
	if err != nil {
		return nil, backendErr("get", err)
	}
	var a domain.Asset
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, backendErr("decode", err)
	}
	return &a, nil
}

func (c *RedisCatalog) GetByUniqueName(ctx context.Context, uniqueName string) (*domain.Asset, error) {
	uuid, err := c.rdb.Get(ctx, c.nameKey(uniqueName)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("%w: unique_name %s", domain.ErrNotFound, uniqueName)
	}
	if err != nil {
		return nil, backendErr("get", err)
	}
	return c.GetByUUID(ctx, uuid)
}

func (c *RedisCatalog) Validate(ctx context.Context, asset *domain.Asset) error {
	return validate(ctx, c, asset)
}

// Add занимает ключ имени и ключ записи через SETNX. Из параллельных вставок
// с одним unique_name или uuid проходит ровно одна, остальные получают ErrConflict.
func (c *RedisCatalog) Add(ctx context.Context, asset *domain.Asset) (*domain.Asset, error) {
	if err := c.Validate(ctx, asset); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(asset)
	if err != nil {
		return nil, backendErr("encode", err)
	}

	claimed, err := c.rdb.SetNX(ctx, c.nameKey(asset.UniqueName), asset.UUID, 0).Result()
	if err != nil {
		return nil, backendErr("setnx", err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: unique_name %s already exists", domain.ErrConflict, asset.UniqueName)
	}

	stored, err := c.rdb.SetNX(ctx, c.assetKey(asset.UUID), raw, 0).Result()
	if err != nil || !stored {
		c.releaseName(ctx, asset)
		if err != nil {
			return nil, backendErr("setnx", err)
		}
		return nil, fmt.Errorf("%w: uuid %s already exists", domain.ErrConflict, asset.UUID)
	}

	if err := c.rdb.SAdd(ctx, c.setKey(), asset.UUID).Err(); err != nil {
		if delErr := c.rdb.Del(ctx, c.assetKey(asset.UUID)).Err(); delErr != nil {
			c.log.Error("failed to undo record insert", "uuid", asset.UUID, "error", delErr)
		}
		c.releaseName(ctx, asset)
		return nil, backendErr("sadd", err)
	}
	return asset.Clone(), nil
}

// releaseName снимает ключ имени, только если он всё ещё указывает на asset.
func (c *RedisCatalog) releaseName(ctx context.Context, asset *domain.Asset) {
	key := c.nameKey(asset.UniqueName)
	err := c.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		owner, err := tx.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != asset.UUID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		c.log.Error("failed to release name claim", "unique_name", asset.UniqueName, "error", err)
	}
}

func (c *RedisCatalog) AddMany(ctx context.Context, assets []*domain.Asset) domain.BatchResult {
	return addEach(ctx, c, assets)
}

func (c *RedisCatalog) Update(ctx context.Context, uuid string, patch *domain.AssetPatch) (*domain.Asset, error) {
	current, err := c.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	next, err := applyPatch(current, patch)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, backendErr("encode", err)
	}
	if err := c.rdb.Set(ctx, c.assetKey(uuid), raw, 0).Err(); err != nil {
		return nil, backendErr("set", err)
	}
	return next, nil
}

func (c *RedisCatalog) Delete(ctx context.Context, uuid string) (*domain.Asset, error) {
	current, err := c.GetByUUID(ctx, uuid)
	if err != nil {
		return nil, err
	}
	_, err = c.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, c.assetKey(uuid), c.nameKey(current.UniqueName))
		p.SRem(ctx, c.setKey(), uuid)
		return nil
	})
	if err != nil {
		return nil, backendErr("delete", err)
	}
	return current, nil
}

func (c *RedisCatalog) DeleteAll(ctx context.Context) error {
	all, err := c.GetAll(ctx)
	if err != nil {
		return err
	}
	keys := []string{c.setKey()}
	for _, a := range all {
		keys = append(keys, c.assetKey(a.UUID), c.nameKey(a.UniqueName))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return backendErr("del", err)
	}
	return nil
}

func (c *RedisCatalog) Count(ctx context.Context) (int, error) {
	n, err := c.rdb.SCard(ctx, c.setKey()).Result()
	if err != nil {
		return 0, backendErr("scard", err)
	}
	return int(n), nil
}

// CreateDump выполняет SAVE и читает получившийся dump.rdb.
// Файл должен быть доступен этому процессу по DumpPath.
func (c *RedisCatalog) CreateDump(ctx context.Context) (*domain.DumpHandle, error) {
	if c.dumpPath == "" {
		return nil, fmt.Errorf("%w: redis dump path is not configured", domain.ErrUnsupported)
	}
	if err := c.rdb.Save(ctx).Err(); err != nil {
		return nil, backendErr("save", err)
	}
	raw, err := os.ReadFile(c.dumpPath)
	if err != nil {
		return nil, backendErr("read rdb", err)
	}
	return &domain.DumpHandle{Format: domain.DumpFormatRDB, Data: raw}, nil
}

// RestoreDump кладёт rdb-файл на место; redis подхватит его только после перезапуска.
func (c *RedisCatalog) RestoreDump(ctx context.Context, data []byte) (bool, error) {
	if c.dumpPath == "" {
		return false, fmt.Errorf("%w: redis dump path is not configured", domain.ErrUnsupported)
	}
	if err := os.MkdirAll(filepath.Dir(c.dumpPath), 0o750); err != nil {
		return false, backendErr("mkdir", err)
	}
	if err := writeFileAtomic(c.dumpPath, data); err != nil {
		return false, err
	}
	c.log.Warn("rdb snapshot written; effective after redis restart", "path", c.dumpPath)
	return false, nil
}

func (c *RedisCatalog) Close() error {
	return c.rdb.Close()
}
