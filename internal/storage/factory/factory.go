package factory

import (
	"context"
	"fmt"

	"assetvault/internal/config"
	"assetvault/internal/logger"
	"assetvault/internal/storage"
	"assetvault/internal/storage/gcs"
	"assetvault/internal/storage/local"
	"assetvault/internal/storage/remote"
	"assetvault/internal/storage/s3"
)

// New создаёт blob-хранилище, выбранное переменной STORAGE_BACKEND.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "local":
		return local.New(cfg.Storage.LocalRoot)
	case "s3":
		return s3.NewClient(&s3.Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Bucket:          cfg.S3.Bucket,
			UsePathStyle:    cfg.S3.UsePathStyle,
		}, log)
	case "gcs":
		return gcs.New(ctx, gcs.Config{
			Bucket:          cfg.GCS.Bucket,
			ProjectID:       cfg.GCS.ProjectID,
			CredentialsFile: cfg.GCS.CredentialsFile,
			EmulatorHost:    cfg.GCS.EmulatorHost,
		}, log)
	case "remote":
		return remote.New(remote.Config{
			BaseURL: cfg.Remote.BaseURL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.Remote.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
