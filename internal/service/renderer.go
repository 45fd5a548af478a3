package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"assetvault/internal/domain"
	"assetvault/internal/metrics"
	"assetvault/internal/transcode"
)

// Rendition: параметры производного изображения при отдаче.
type Rendition struct {
	Format  transcode.Format
	Width   int
	Height  int
	Quality int
}

func (r Rendition) Empty() bool {
	return r.Format == "" && r.Width == 0 && r.Height == 0 && r.Quality == 0
}

// Renderer строит производные изображения и кэширует их. Одинаковые
// параллельные запросы выполняются один раз. Ключ кэша включает версию
// записи, так что после обновления старые рендеры не отдаются.
type Renderer struct {
	opt   *transcode.Optimizer
	cache *expirable.LRU[string, []byte]
	group singleflight.Group
	slots *semaphore.Weighted
}

func NewRenderer(opt *transcode.Optimizer, slots *semaphore.Weighted, size int, ttl time.Duration) *Renderer {
	if size <= 0 {
		size = 256
	}
	return &Renderer{
		opt:   opt,
		cache: expirable.NewLRU[string, []byte](size, nil, ttl),
		slots: slots,
	}
}

func renditionKey(a *domain.Asset, r Rendition) string {
	return fmt.Sprintf("%s@%d:%s:%dx%d:q%d", a.UUID, a.Version, r.Format, r.Width, r.Height, r.Quality)
}

// Render возвращает производное изображение и его mimetype.
func (r *Renderer) Render(ctx context.Context, a *domain.Asset, data []byte, want Rendition) ([]byte, string, error) {
	src, ok := transcode.FormatFromMimetype(a.Mimetype)
	if !ok {
		return nil, "", fmt.Errorf("%w: cannot render %s", domain.ErrUnsupported, a.Mimetype)
	}
	if want.Format == "" {
		want.Format = src
	}

	key := renditionKey(a, want)
	if out, ok := r.cache.Get(key); ok {
		metrics.RenditionCacheHits.Inc()
		return out, want.Format.Mimetype(), nil
	}
	metrics.RenditionCacheMisses.Inc()

	v, err, _ := r.group.Do(key, func() (any, error) {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.slots.Release(1)

		out, err := r.opt.Render(data, want.Format, want.Width, want.Height, want.Quality)
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, out)
		return out, nil
	})
	if err != nil {
		return nil, "", err
	}
	return v.([]byte), want.Format.Mimetype(), nil
}

// Purge удаляет из кэша все рендеры записи.
func (r *Renderer) Purge(uuid string) {
	prefix := uuid + "@"
	for _, k := range r.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			r.cache.Remove(k)
		}
	}
}

// Len: число закэшированных рендеров.
func (r *Renderer) Len() int {
	return r.cache.Len()
}
