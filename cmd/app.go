package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sync/semaphore"

	"assetvault/internal/config"
	"assetvault/internal/logger"
	"assetvault/internal/queue"
	"assetvault/internal/repository"
	"assetvault/internal/service"
	"assetvault/internal/storage"
	"assetvault/internal/storage/factory"
	"assetvault/internal/transcode"
)

// app: собранные зависимости процесса.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	catalog repository.Catalog
	blobs   storage.Backend
	queue   *queue.Queue
	assets  *service.AssetService
	dumps   *service.DumpService
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.NewConfig(flags.GetString("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	mode := cfg.Log.Mode
	if m := flags.GetString("log-mode"); m != "" {
		mode = m
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newEncoder(name string) transcode.Encoder {
	if name == "native" {
		return transcode.NativeEncoder{}
	}
	return transcode.VipsEncoder{}
}

func buildApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	catalog, err := repository.NewCatalog(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	blobs, err := factory.New(ctx, cfg, log)
	if err != nil {
		catalog.Close()
		return nil, fmt.Errorf("failed to open blob storage: %w", err)
	}
	log.Info("backends ready", "catalog", cfg.Catalog.Backend, "storage", blobs.Name())

	opt := transcode.NewOptimizer(newEncoder(cfg.Transcode.Encoder), transcode.Options{
		TargetSizeKB:  cfg.Transcode.TargetSizeKB,
		MaxWidth:      cfg.Transcode.MaxWidth,
		MaxHeight:     cfg.Transcode.MaxHeight,
		MaxIterations: cfg.Transcode.MaxIterations,
		StartQuality:  cfg.Transcode.StartQuality,
	}, log)

	var video *transcode.VideoTranscoder
	if cfg.Transcode.VideoToMP4 {
		if video, err = transcode.NewVideoTranscoder(cfg.Transcode.VideoTempDir, log); err != nil {
			log.Warn("video normalization disabled", "error", err)
			video = nil
		}
	}

	slots := semaphore.NewWeighted(int64(runtime.NumCPU()))
	renderer := service.NewRenderer(opt, slots, cfg.Transcode.RenditionCacheSize, cfg.Transcode.RenditionCacheTTL)
	assets := service.NewAssetService(catalog, blobs, opt, video, renderer, slots, service.Config{
		Namespaces:       cfg.Limits.Namespaces,
		AllowedMimetypes: cfg.Limits.AllowedMimetypes,
		MaxPayloadSize:   cfg.Limits.MaxPayloadSize,
		BaseHost:         cfg.Server.BaseHost,
		BaseURL:          cfg.Server.BaseURL,
		VideoToMP4:       video != nil,
	}, log)

	q := queue.New(cfg.Limits.QueueCapacity, cfg.Limits.BaseTimeout, log)
	return &app{
		cfg:     cfg,
		log:     log,
		catalog: catalog,
		blobs:   blobs,
		queue:   q,
		assets:  assets,
		dumps:   service.NewDumpService(catalog, blobs, q, log),
	}, nil
}

func (a *app) placeholder() []byte {
	p := a.cfg.Server.PlaceholderPath
	if p == "" {
		return nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		a.log.Warn("placeholder not loaded, expired assets will return 404", "path", p, "error", err)
		return nil
	}
	return data
}

// Close останавливает очередь и закрывает бэкенды.
func (a *app) Close() {
	a.queue.Close()
	if c, ok := a.blobs.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.log.Error("failed to close blob storage", "error", err)
		}
	}
	if err := a.catalog.Close(); err != nil {
		a.log.Error("failed to close catalog", "error", err)
	}
	a.log.Sync()
}
