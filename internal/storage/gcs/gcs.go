package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
	blob "assetvault/internal/storage"
)

type Config struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
	// EmulatorHost: адрес fake-gcs-server; клиент сам читает STORAGE_EMULATOR_HOST.
	EmulatorHost string
}

// Storage: blob-хранилище в Google Cloud Storage.
type Storage struct {
	client    *storage.Client
	bucket    string
	projectID string
	log       *logger.Logger

	mu    sync.Mutex
	ready bool
}

var _ blob.Backend = (*Storage)(nil)

func New(ctx context.Context, cfg Config, log *logger.Logger) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("missing gcs bucket name")
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.EmulatorHost != "" {
		opts = append(opts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.ProjectID, log), nil
}

// NewWithClient оборачивает готовый клиент.
func NewWithClient(client *storage.Client, bucket, projectID string, log *logger.Logger) *Storage {
	return &Storage{
		client:    client,
		bucket:    bucket,
		projectID: projectID,
		log:       log.With("component", "GCSStorage", "bucket", bucket),
	}
}

func (s *Storage) Name() string { return "gcs" }

func (s *Storage) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	b := s.client.Bucket(s.bucket)
	_, err := b.Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		s.log.Info("bucket not found, creating")
		if err := b.Create(ctx, s.projectID, nil); err != nil && !isConflict(err) {
			return s.wrap("create bucket", err)
		}
	} else if err != nil {
		return s.wrap("bucket attrs", err)
	}
	s.ready = true
	return nil
}

func (s *Storage) object(path string) (*storage.ObjectHandle, error) {
	key, err := blob.Key(path)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(key), nil
}

func (s *Storage) Get(ctx context.Context, path string) ([]byte, error) {
	o, err := s.object(path)
	if err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	r, err := o.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, blob.NotFound(path)
	}
	if err != nil {
		return nil, s.wrap("open reader", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, s.wrap("read object", err)
	}
	return data, nil
}

func (s *Storage) Put(ctx context.Context, path string, data []byte, meta blob.Metadata) error {
	o, err := s.object(path)
	if err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := o.NewWriter(ctx)
	w.ContentType = meta.ContentType
	w.Metadata = map[string]string{}
	if meta.Signature != "" {
		w.Metadata["signature"] = meta.Signature
	}
	if meta.Version > 0 {
		w.Metadata["version"] = strconv.Itoa(meta.Version)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return s.wrap("write object", err)
	}
	if err := w.Close(); err != nil {
		return s.wrap("close writer", err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, path string) error {
	o, err := s.object(path)
	if err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err = o.Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return blob.NotFound(path)
	}
	if err != nil {
		return s.wrap("delete object", err)
	}
	return nil
}

func (s *Storage) PutMany(ctx context.Context, items []blob.Item) blob.BatchResult {
	return blob.PutEach(ctx, s, items)
}

func (s *Storage) DeleteMany(ctx context.Context, paths []string) blob.BatchResult {
	return blob.DeleteEach(ctx, s, paths)
}

func (s *Storage) GetLastDump(ctx context.Context, format domain.DumpFormat) (*domain.DumpFile, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}

	var entries []blob.DumpEntry
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: blob.DumpDir + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, s.wrap("list dumps", err)
		}
		e, ok := blob.ParseDumpKey(attrs.Name, format)
		if !ok {
			continue
		}
		e.ModTime = attrs.Updated
		entries = append(entries, e)
	}

	latest, ok := blob.Latest(entries)
	if !ok {
		return nil, blob.NoDump(format)
	}
	data, err := s.Get(ctx, latest.Path)
	if err != nil {
		return nil, err
	}
	return blob.NewDumpFile(latest, format, data), nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) wrap(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
		return fmt.Errorf("%w: gcs %s: %v", domain.ErrBadCredential, op, err)
	}
	return blob.BackendErr(s.Name(), op, err)
}

func isConflict(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusConflict
}
