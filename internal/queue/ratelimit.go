package queue

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
	"assetvault/internal/metrics"
)

// RateLimiter: счётчик запросов с фиксированным окном. Окно открывается первым
// запросом по ключу и живёт window, обращения его не продлевают.
type RateLimiter struct {
	cache  *ttlcache.Cache[string, *atomic.Int64]
	limit  int64
	window time.Duration
	log    *logger.Logger
}

func NewRateLimiter(limit int, window time.Duration, log *logger.Logger) *RateLimiter {
	cache := ttlcache.New[string, *atomic.Int64](
		ttlcache.WithTTL[string, *atomic.Int64](window),
		ttlcache.WithDisableTouchOnHit[string, *atomic.Int64](),
	)
	go cache.Start()
	return &RateLimiter{
		cache:  cache,
		limit:  int64(limit),
		window: window,
		log:    log.With("component", "RateLimiter"),
	}
}

// Allow учитывает запрос по ключу и сообщает, укладывается ли он в лимит окна.
func (l *RateLimiter) Allow(key string) bool {
	item, _ := l.cache.GetOrSet(key, new(atomic.Int64))
	return item.Value().Add(1) <= l.limit
}

func (l *RateLimiter) Stop() {
	l.cache.Stop()
}

// Middleware ограничивает маршрут route: счётчик ведётся по методу, маршруту и IP клиента.
func (l *RateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Method + " " + route + " " + clientIP(r)
			if !l.Allow(key) {
				metrics.RateLimited.WithLabelValues(route).Inc()
				l.log.Warn("rate limit exceeded", "route", route, "method", r.Method, "client", clientIP(r))

				msg := fmt.Sprintf("%v: %d requests per %s", domain.ErrRateLimited, l.limit, l.window)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(domain.ItemResponse[any]{Error: &msg})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
