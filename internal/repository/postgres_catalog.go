package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const assetColumns = `uuid, filename, namespace, unique_name, expiration_date, expired, external_id, version,
	public_url, original_filename, base_url, base_host, information, destination,
	original_mimetype, mimetype, signature, size`

// PostgresCatalog: каталог в таблице assets. Уникальность uuid/unique_name
// дополнительно закреплена ограничениями схемы.
type PostgresCatalog struct {
	db  *sqlx.DB
	log *logger.Logger
}

var _ Catalog = (*PostgresCatalog)(nil)

func NewPostgresCatalog(db *sqlx.DB, log *logger.Logger) *PostgresCatalog {
	return &PostgresCatalog{db: db, log: log.With("component", "PostgresCatalog")}
}

// ConnectPostgres открывает соединение с повторными попытками.
func ConnectPostgres(dsn string, maxAttempts int, delay time.Duration, log *logger.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	var err error
	for i := 0; i < maxAttempts; i++ {
		db, err = sqlx.Connect("postgres", dsn)
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
			return db, nil
		}
		log.Warn("failed to connect to database", "attempt", i+1, "max_attempts", maxAttempts, "error", err)
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxAttempts, err)
}

// RunMigrations применяет встроенные миграции схемы.
func RunMigrations(db *sqlx.DB, log *logger.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		log.Warn("dirty database state, forcing version", "version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) GetAll(ctx context.Context) ([]*domain.Asset, error) {
	assets := []*domain.Asset{}
	query := `SELECT ` + assetColumns + ` FROM assets ORDER BY unique_name`
	if err := c.db.SelectContext(ctx, &assets, query); err != nil {
		return nil, backendErr("select", err)
	}
	return assets, nil
}

func (c *PostgresCatalog) getOne(ctx context.Context, q sqlx.QueryerContext, where string, arg any, forUpdate bool) (*domain.Asset, error) {
	var a domain.Asset
	query := `SELECT ` + assetColumns + ` FROM assets WHERE ` + where + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	err := sqlx.GetContext(ctx, q, &a, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %v", domain.ErrNotFound, where, arg)
	}
	if err != nil {
		return nil, backendErr("select", err)
	}
	return &a, nil
}

func (c *PostgresCatalog) GetByUUID(ctx context.Context, uuid string) (*domain.Asset, error) {
	return c.getOne(ctx, c.db, "uuid", uuid, false)
}

func (c *PostgresCatalog) GetByUniqueName(ctx context.Context, uniqueName string) (*domain.Asset, error) {
	return c.getOne(ctx, c.db, "unique_name", uniqueName, false)
}

func (c *PostgresCatalog) Validate(ctx context.Context, asset *domain.Asset) error {
	return validate(ctx, c, asset)
}

func (c *PostgresCatalog) Add(ctx context.Context, asset *domain.Asset) (*domain.Asset, error) {
	if err := c.Validate(ctx, asset); err != nil {
		return nil, err
	}
	query := `
        INSERT INTO assets (` + assetColumns + `)
        VALUES (:uuid, :filename, :namespace, :unique_name, :expiration_date, :expired, :external_id, :version,
                :public_url, :original_filename, :base_url, :base_host, :information, :destination,
                :original_mimetype, :mimetype, :signature, :size)`
	if _, err := c.db.NamedExecContext(ctx, query, asset); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", domain.ErrConflict, pqErr.Detail)
		}
		return nil, backendErr("insert", err)
	}
	return asset.Clone(), nil
}

func (c *PostgresCatalog) AddMany(ctx context.Context, assets []*domain.Asset) domain.BatchResult {
	return addEach(ctx, c, assets)
}

func (c *PostgresCatalog) Update(ctx context.Context, uuid string, patch *domain.AssetPatch) (*domain.Asset, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, backendErr("begin", err)
	}
	defer tx.Rollback()

	current, err := c.getOne(ctx, tx, "uuid", uuid, true)
	if err != nil {
		return nil, err
	}
	next, err := applyPatch(current, patch)
	if err != nil {
		return nil, err
	}

	query := `
        UPDATE assets
        SET filename = :filename,
            original_filename = :original_filename,
            expiration_date = :expiration_date,
            expired = :expired,
            external_id = :external_id,
            information = :information,
            public_url = :public_url,
            original_mimetype = :original_mimetype,
            mimetype = :mimetype,
            signature = :signature,
            size = :size,
            version = :version,
            updated_at = CURRENT_TIMESTAMP
        WHERE uuid = :uuid`
	if _, err := tx.NamedExecContext(ctx, query, next); err != nil {
		return nil, backendErr("update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, backendErr("commit", err)
	}
	return next, nil
}

func (c *PostgresCatalog) Delete(ctx context.Context, uuid string) (*domain.Asset, error) {
	var a domain.Asset
	query := `DELETE FROM assets WHERE uuid = $1 RETURNING ` + assetColumns
	err := c.db.GetContext(ctx, &a, query, uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(uuid)
	}
	if err != nil {
		return nil, backendErr("delete", err)
	}
	return &a, nil
}

func (c *PostgresCatalog) DeleteAll(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM assets`); err != nil {
		return backendErr("delete", err)
	}
	return nil
}

func (c *PostgresCatalog) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM assets`); err != nil {
		return 0, backendErr("count", err)
	}
	return n, nil
}

// Непрозрачный снимок postgres делается штатными средствами СУБД (pg_dump),
// сервис поддерживает только json-дампы.
func (c *PostgresCatalog) CreateDump(ctx context.Context) (*domain.DumpHandle, error) {
	return nil, fmt.Errorf("%w: opaque snapshots are not available for postgres catalog", domain.ErrUnsupported)
}

func (c *PostgresCatalog) RestoreDump(ctx context.Context, data []byte) (bool, error) {
	return false, fmt.Errorf("%w: opaque snapshots are not available for postgres catalog", domain.ErrUnsupported)
}

func (c *PostgresCatalog) Close() error {
	return c.db.Close()
}
