package queue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
)

func TestRunReturnsResult(t *testing.T) {
	q := New(4, time.Second, logger.Nop())
	defer q.Close()

	v, err := Run(context.Background(), q, "answer", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Run(context.Background(), q, "fail", func(ctx context.Context) (int, error) {
		return 0, domain.ErrConflict
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRunSerializesAndKeepsOrder(t *testing.T) {
	q := New(16, 5*time.Second, logger.Nop())
	defer q.Close()

	var running, maxRunning atomic.Int32
	var mu sync.Mutex
	var order []int

	// первая задача держит исполнителя, пока остальные встают в очередь
	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = Run(context.Background(), q, "blocker", func(ctx context.Context) (struct{}, error) {
			close(started)
			<-release
			return struct{}{}, nil
		})
	}()
	<-started

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Run(context.Background(), q, "job", func(ctx context.Context) (struct{}, error) {
				n := running.Add(1)
				if n > maxRunning.Load() {
					maxRunning.Store(n)
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
		// даём горутине встать в очередь, чтобы порядок был определён
		time.Sleep(10 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRunTimeoutDoesNotCancelWork(t *testing.T) {
	q := New(4, 20*time.Millisecond, logger.Nop())
	defer q.Close()

	finished := make(chan error, 1)
	_, err := Run(context.Background(), q, "slow", func(ctx context.Context) (int, error) {
		time.Sleep(60 * time.Millisecond)
		finished <- ctx.Err()
		return 1, nil
	})
	assert.ErrorIs(t, err, domain.ErrTimeout)

	select {
	case ctxErr := <-finished:
		assert.NoError(t, ctxErr, "work context must not be cancelled by the caller timeout")
	case <-time.After(time.Second):
		t.Fatal("work did not complete in background")
	}
}

func TestRunCallerCancelDoesNotCancelWork(t *testing.T) {
	q := New(4, time.Second, logger.Nop())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Run(ctx, q, "slow", func(ctx context.Context) (int, error) {
		time.Sleep(40 * time.Millisecond)
		finished <- ctx.Err()
		return 1, nil
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NoError(t, <-finished)
}

func TestRunRecoversPanic(t *testing.T) {
	q := New(1, time.Second, logger.Nop())
	defer q.Close()

	_, err := Run(context.Background(), q, "panics", func(ctx context.Context) (int, error) {
		panic("boom")
	})
	assert.ErrorIs(t, err, domain.ErrBackend)

	v, err := Run(context.Background(), q, "after", func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestClosedQueueRejects(t *testing.T) {
	q := New(1, time.Second, logger.Nop())
	q.Close()
	q.Close()

	_, err := Run(context.Background(), q, "late", func(ctx context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestRateLimiterFixedWindow(t *testing.T) {
	l := NewRateLimiter(2, 50*time.Millisecond, logger.Nop())
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "keys are counted independently")

	time.Sleep(80 * time.Millisecond)
	assert.True(t, l.Allow("a"), "a new window opens after expiry")
}

func TestRateLimiterMiddleware(t *testing.T) {
	l := NewRateLimiter(1, time.Minute, logger.Nop())
	defer l.Stop()

	h := l.Middleware("assets.create")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	do := func(method, addr string) int {
		req := httptest.NewRequest(method, "/v1/assets", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusCreated, do(http.MethodPost, "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodPost, "10.0.0.1:5678"))
	assert.Equal(t, http.StatusCreated, do(http.MethodGet, "10.0.0.1:1234"), "method is part of the key")
	assert.Equal(t, http.StatusCreated, do(http.MethodPost, "10.0.0.2:1234"), "client is part of the key")
}
