package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
	"assetvault/internal/repository"
	"assetvault/internal/storage/memory"
	"assetvault/internal/transcode"
)

// stubEncoder «кодирует» в заголовок с параметрами плюс исходные байты.
type stubEncoder struct{}

func (stubEncoder) Dimensions(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, errors.New("empty image")
	}
	return 64, 48, nil
}

func (stubEncoder) Encode(data []byte, opts transcode.EncodeOptions) ([]byte, error) {
	head := fmt.Sprintf("%s:%dx%d:q%d|", opts.Format, opts.Width, opts.Height, opts.Quality)
	return append([]byte(head), data...), nil
}

// faultyCatalog подменяет отдельные операции каталога.
type faultyCatalog struct {
	repository.Catalog
	addErr       error
	updateErr    error
	immediate    *bool
	skipValidate bool
}

func (c *faultyCatalog) Validate(ctx context.Context, a *domain.Asset) error {
	if c.skipValidate {
		return nil
	}
	return c.Catalog.Validate(ctx, a)
}

func (c *faultyCatalog) Add(ctx context.Context, a *domain.Asset) (*domain.Asset, error) {
	if c.addErr != nil {
		return nil, c.addErr
	}
	return c.Catalog.Add(ctx, a)
}

func (c *faultyCatalog) Update(ctx context.Context, uuid string, p *domain.AssetPatch) (*domain.Asset, error) {
	if c.updateErr != nil {
		return nil, c.updateErr
	}
	return c.Catalog.Update(ctx, uuid, p)
}

func (c *faultyCatalog) RestoreDump(ctx context.Context, data []byte) (bool, error) {
	if c.immediate != nil {
		return *c.immediate, nil
	}
	return c.Catalog.RestoreDump(ctx, data)
}

type env struct {
	catalog *faultyCatalog
	blobs   *memory.Storage
	svc     *AssetService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, stubEncoder{})
}

func newEnvWith(t *testing.T, enc transcode.Encoder) *env {
	t.Helper()
	fc, err := repository.NewFileCatalog(filepath.Join(t.TempDir(), "catalog.json"), logger.Nop())
	require.NoError(t, err)
	cat := &faultyCatalog{Catalog: fc}
	blobs := memory.New()

	opt := transcode.NewOptimizer(enc, transcode.Options{
		TargetSizeKB: 200, MaxWidth: 1920, MaxHeight: 1080, MaxIterations: 3, StartQuality: 80,
	}, logger.Nop())
	slots := semaphore.NewWeighted(2)
	svc := NewAssetService(cat, blobs, opt, nil, NewRenderer(opt, slots, 16, time.Minute), slots, Config{
		Namespaces:     []string{"DEV", "PROD"},
		MaxPayloadSize: 1 << 20,
		BaseHost:       "cdn.example.com",
		BaseURL:        "https://cdn.example.com/files",
	}, logger.Nop())
	return &env{catalog: cat, blobs: blobs, svc: svc}
}

func pngUpload(name string) Upload {
	return Upload{
		Filename:  name,
		Mimetype:  "image/png",
		Data:      []byte("\x89PNG fake image bytes for " + name),
		Namespace: "DEV",
	}
}

func TestCreateToWebp(t *testing.T) {
	e := newEnv(t)
	up := pngUpload("a.png")
	up.ToWebp = true

	a, err := e.svc.Create(context.Background(), up)
	require.NoError(t, err)

	assert.Equal(t, 1, a.Version)
	assert.Equal(t, "image/webp", a.Mimetype)
	assert.Equal(t, "image/png", a.OriginalMimetype)
	assert.Equal(t, "/DEV/a.webp", a.UniqueName)
	assert.Equal(t, "a.webp", a.Filename)
	assert.Equal(t, "a.png", a.OriginalFilename)
	assert.Equal(t, "https://cdn.example.com/files/DEV/a.webp", a.PublicURL)

	data, err := e.blobs.Get(context.Background(), a.UniqueName)
	require.NoError(t, err)
	assert.Equal(t, domain.Signature(data), a.Signature)
	assert.Equal(t, int64(len(data)), a.Size)

	meta, err := e.blobs.Meta(a.UniqueName)
	require.NoError(t, err)
	assert.Equal(t, "image/webp", meta.ContentType)
	assert.Equal(t, 1, meta.Version)
}

func TestCreateToWebpWithoutWebpEncoder(t *testing.T) {
	e := newEnvWith(t, transcode.NativeEncoder{})
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	up := pngUpload("a.png")
	up.Data = buf.Bytes()
	up.ToWebp = true

	a, err := e.svc.Create(context.Background(), up)
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.Mimetype)
	assert.Equal(t, "/DEV/a.png", a.UniqueName)

	data, err := e.blobs.Get(context.Background(), a.UniqueName)
	require.NoError(t, err)
	assert.Equal(t, buf.Bytes(), data)
}

func TestCreateKeepsOriginalWithoutTranscode(t *testing.T) {
	e := newEnv(t)
	up := pngUpload("photo.png")
	up.Destination = "../albums/./2024//x y"

	a, err := e.svc.Create(context.Background(), up)
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.Mimetype)
	assert.Equal(t, "/DEV/albums/2024/x_y/photo.png", a.UniqueName)
	assert.Equal(t, domain.Signature(up.Data), a.Signature)
	require.NotNil(t, a.Destination)
	assert.Equal(t, "albums/2024/x_y", *a.Destination)
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)

	up := pngUpload("a.png")
	up.Namespace = "NOPE"
	_, err := e.svc.Create(context.Background(), up)
	assert.ErrorIs(t, err, domain.ErrValidation)

	up = pngUpload("a.png")
	up.Data = nil
	_, err = e.svc.Create(context.Background(), up)
	assert.ErrorIs(t, err, domain.ErrValidation)

	up = pngUpload("")
	_, err = e.svc.Create(context.Background(), up)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Zero(t, e.blobs.Len())
}

func TestCreateDuplicateRejectedBeforeBlobWrite(t *testing.T) {
	e := newEnv(t)
	first, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)

	puts := 0
	e.blobs.FailPut = func(string) error { puts++; return nil }
	_, err = e.svc.Create(context.Background(), pngUpload("a.png"))
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Zero(t, puts)

	got, err := e.svc.Get(context.Background(), first.UUID)
	require.NoError(t, err)
	assert.Equal(t, first.Signature, got.Signature)
}

func TestCreateBlobFailureLeavesCatalogUntouched(t *testing.T) {
	e := newEnv(t)
	e.blobs.FailPut = func(string) error { return errors.New("disk full") }

	_, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	assert.ErrorIs(t, err, domain.ErrBackend)

	n, err := e.catalog.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateCatalogFailureRemovesBlob(t *testing.T) {
	e := newEnv(t)
	e.catalog.addErr = fmt.Errorf("%w: connection reset", domain.ErrBackend)

	_, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	assert.ErrorIs(t, err, domain.ErrBackend)
	assert.False(t, e.blobs.Has("/DEV/a.png"))
}

func TestCreateLostRaceKeepsBlob(t *testing.T) {
	e := newEnv(t)
	e.catalog.addErr = fmt.Errorf("%w: unique_name taken", domain.ErrConflict)

	_, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.True(t, e.blobs.Has("/DEV/a.png"))
}

func TestLostRaceBlobFailsWinnerIntegrity(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	winner, err := e.svc.Create(ctx, pngUpload("a.png"))
	require.NoError(t, err)

	// проигравший прошёл проверку до вставки победителя и перезаписал blob
	e.catalog.skipValidate = true
	loser := pngUpload("a.png")
	loser.Data = []byte("\x89PNG other writer")
	_, err = e.svc.Create(ctx, loser)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = e.svc.Serve(ctx, ServeRequest{UUID: winner.UUID})
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestConcurrentCreateSameNameYieldsOneRecord(t *testing.T) {
	e := newEnv(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.svc.Create(context.Background(), pngUpload("same.png"))
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrConflict)
	}
	assert.Equal(t, 1, ok)

	all, err := e.svc.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, e.blobs.Has(all[0].UniqueName))
}

func TestCreateMany(t *testing.T) {
	e := newEnv(t)
	bad := pngUpload("b.png")
	bad.Namespace = "NOPE"

	res := e.svc.CreateMany(context.Background(), []Upload{pngUpload("a.png"), bad, pngUpload("c.png")})
	require.Len(t, res.Succeeded, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "b.png", res.Failed[0].Path)
	assert.ErrorIs(t, res.Failed[0].Err, domain.ErrValidation)
}

func TestUpdateBumpsVersionAndSignature(t *testing.T) {
	e := newEnv(t)
	up := pngUpload("a.png")
	up.ToWebp = true
	v1, err := e.svc.Create(context.Background(), up)
	require.NoError(t, err)

	next := pngUpload("a.png")
	next.Data = []byte("\x89PNG completely different bytes")
	next.ToWebp = true
	v2, err := e.svc.Update(context.Background(), v1.UUID, UpdateRequest{Content: &next})
	require.NoError(t, err)

	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.Signature, v2.Signature)
	assert.Equal(t, v1.UniqueName, v2.UniqueName)

	data, err := e.blobs.Get(context.Background(), v2.UniqueName)
	require.NoError(t, err)
	assert.Equal(t, v2.Signature, domain.Signature(data))
}

func TestUpdateMetadataKeepsVersion(t *testing.T) {
	e := newEnv(t)
	a, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)

	info := "cover"
	got, err := e.svc.Update(context.Background(), a.UUID, UpdateRequest{Information: &info})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	require.NotNil(t, got.Information)
	assert.Equal(t, "cover", *got.Information)

	_, err = e.svc.Update(context.Background(), "missing", UpdateRequest{Information: &info})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateGapIsReported(t *testing.T) {
	e := newEnv(t)
	a, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)

	e.catalog.updateErr = errors.New("catalog down")
	next := pngUpload("a.png")
	next.Data = []byte("new bytes")
	_, err = e.svc.Update(context.Background(), a.UUID, UpdateRequest{Content: &next})
	assert.ErrorIs(t, err, domain.ErrBackend)

	// blob уже перезаписан, запись осталась прежней
	data, err := e.blobs.Get(context.Background(), a.UniqueName)
	require.NoError(t, err)
	assert.Equal(t, []byte("new bytes"), data)
	rec, err := e.svc.Get(context.Background(), a.UUID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
}

func TestDelete(t *testing.T) {
	e := newEnv(t)
	a, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)

	res, err := e.svc.Delete(context.Background(), a.UUID)
	require.NoError(t, err)
	assert.NoError(t, res.CleanupErr)
	assert.Equal(t, a.UUID, res.Asset.UUID)
	assert.False(t, e.blobs.Has(a.UniqueName))

	_, err = e.svc.Get(context.Background(), a.UUID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.svc.Delete(context.Background(), a.UUID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteCleanupFailureStillDeletesRecord(t *testing.T) {
	e := newEnv(t)
	a, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)

	e.blobs.FailDelete = func(string) error { return errors.New("permission denied") }
	res, err := e.svc.Delete(context.Background(), a.UUID)
	require.NoError(t, err)
	assert.Error(t, res.CleanupErr)

	_, err = e.svc.Get(context.Background(), a.UUID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteMany(t *testing.T) {
	e := newEnv(t)
	a, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)

	res := e.svc.DeleteMany(context.Background(), []string{a.UUID, "missing"})
	require.Len(t, res.Succeeded, 1)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing", res.Failed[0].UUID)
}

func TestListFiltersNamespace(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)
	prod := pngUpload("b.png")
	prod.Namespace = "PROD"
	_, err = e.svc.Create(context.Background(), prod)
	require.NoError(t, err)

	dev, err := e.svc.List(context.Background(), "DEV")
	require.NoError(t, err)
	require.Len(t, dev, 1)
	assert.Equal(t, "/DEV/a.png", dev[0].UniqueName)

	all, err := e.svc.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestServe(t *testing.T) {
	e := newEnv(t)
	up := pngUpload("a.png")
	a, err := e.svc.Create(context.Background(), up)
	require.NoError(t, err)

	byName, err := e.svc.Serve(context.Background(), ServeRequest{UniqueName: a.UniqueName})
	require.NoError(t, err)
	assert.Equal(t, up.Data, byName.Data)
	assert.Equal(t, "image/png", byName.Mimetype)

	byID, err := e.svc.Serve(context.Background(), ServeRequest{UUID: a.UUID})
	require.NoError(t, err)
	assert.Equal(t, byName.Data, byID.Data)
}

func TestServeRendition(t *testing.T) {
	e := newEnv(t)
	a, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)

	want := Rendition{Format: transcode.FormatWEBP, Width: 32}
	c, err := e.svc.Serve(context.Background(), ServeRequest{UUID: a.UUID, Rendition: want})
	require.NoError(t, err)
	assert.Equal(t, "image/webp", c.Mimetype)
	assert.Contains(t, string(c.Data), "webp:32x24:q80|")
	assert.Equal(t, 1, e.svc.renderer.Len())

	// обновление сбрасывает кэш рендеров записи
	info := "x"
	_, err = e.svc.Update(context.Background(), a.UUID, UpdateRequest{Information: &info})
	require.NoError(t, err)
	assert.Zero(t, e.svc.renderer.Len())
}

func TestServeExpired(t *testing.T) {
	e := newEnv(t)
	past := time.Now().Add(-time.Hour)
	up := pngUpload("old.png")
	up.ExpirationDate = &past
	a, err := e.svc.Create(context.Background(), up)
	require.NoError(t, err)

	c, err := e.svc.Serve(context.Background(), ServeRequest{UUID: a.UUID})
	assert.ErrorIs(t, err, domain.ErrExpired)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NotNil(t, c)
	assert.Equal(t, a.UUID, c.Asset.UUID)

	flagged := pngUpload("flag.png")
	flagged.Expired = true
	b, err := e.svc.Create(context.Background(), flagged)
	require.NoError(t, err)
	_, err = e.svc.Serve(context.Background(), ServeRequest{UUID: b.UUID})
	assert.ErrorIs(t, err, domain.ErrExpired)
}

func TestServeSelfHealsOrphan(t *testing.T) {
	e := newEnv(t)
	a, err := e.svc.Create(context.Background(), pngUpload("a.png"))
	require.NoError(t, err)
	require.NoError(t, e.blobs.Delete(context.Background(), a.UniqueName))

	_, err = e.svc.Serve(context.Background(), ServeRequest{UUID: a.UUID})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = e.svc.Get(context.Background(), a.UUID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "orphan record must be removed")
}

func TestServeIntegrity(t *testing.T) {
	e := newEnv(t)
	next := pngUpload("a.png")
	a, err := e.svc.Create(context.Background(), next)
	require.NoError(t, err)

	next.Data = []byte("v2 bytes")
	a, err = e.svc.Update(context.Background(), a.UUID, UpdateRequest{Content: &next})
	require.NoError(t, err)
	require.Equal(t, 2, a.Version)

	require.NoError(t, e.blobs.Put(context.Background(), a.UniqueName, []byte("tampered"), blobMeta(a)))

	_, err = e.svc.Serve(context.Background(), ServeRequest{UUID: a.UUID})
	assert.ErrorIs(t, err, domain.ErrIntegrity)

	v1 := 1
	c, err := e.svc.Serve(context.Background(), ServeRequest{UUID: a.UUID, Version: &v1})
	require.NoError(t, err, "a pinned version skips the signature check")
	assert.Equal(t, []byte("tampered"), c.Data)

	v3 := 3
	_, err = e.svc.Serve(context.Background(), ServeRequest{UUID: a.UUID, Version: &v3})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
