// Package queue: очередь допуска: задачи выполняются строго по одной, в порядке поступления.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"assetvault/internal/domain"
	"assetvault/internal/logger"
	"assetvault/internal/metrics"
)

type job struct {
	name     string
	enqueued time.Time
	run      func(ctx context.Context)
	ctx      context.Context
}

// Queue: FIFO с одним исполнителем. Таймаут ограничивает только ожидание
// вызывающего: задача, не успевшая за отведённое время, всё равно доработает,
// а её результат будет отброшен.
type Queue struct {
	jobs    chan job
	timeout time.Duration
	log     *logger.Logger

	mu        sync.RWMutex
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func New(capacity int, timeout time.Duration, log *logger.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		jobs:    make(chan job, capacity),
		timeout: timeout,
		log:     log.With("component", "Queue"),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.worker()
	return q
}

func (q *Queue) worker() {
	defer close(q.done)
	for j := range q.jobs {
		metrics.QueueWait.Observe(time.Since(j.enqueued).Seconds())
		q.log.Debug("job started", "job", j.name, "waited", time.Since(j.enqueued))
		j.run(j.ctx)
	}
}

func (q *Queue) submit(ctx context.Context, j job, deadline <-chan time.Time) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.closed:
		return domain.ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- j:
		return nil
	case <-q.closed:
		return domain.ErrQueueClosed
	case <-deadline:
		return fmt.Errorf("%w: %s was not admitted within %s", domain.ErrTimeout, j.name, q.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close перестаёт принимать задачи и ждёт, пока исполнитель разберёт уже принятые.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.mu.Lock()
		close(q.jobs)
		q.mu.Unlock()
	})
	<-q.done
}

type result[T any] struct {
	val T
	err error
}

// Run ставит fn в очередь и ждёт результата не дольше таймаута очереди,
// считая от момента постановки. fn получает контекст без отмены: отказ
// вызывающего от ожидания не прерывает работу.
func Run[T any](ctx context.Context, q *Queue, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	var deadline <-chan time.Time
	if q.timeout > 0 {
		timer := time.NewTimer(q.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	out := make(chan result[T], 1)
	j := job{
		name:     name,
		enqueued: time.Now(),
		ctx:      context.WithoutCancel(ctx),
		run: func(ctx context.Context) {
			defer func() {
				if r := recover(); r != nil {
					out <- result[T]{err: fmt.Errorf("%w: %s panicked: %v", domain.ErrBackend, name, r)}
				}
			}()
			v, err := fn(ctx)
			out <- result[T]{val: v, err: err}
		},
	}

	if err := q.submit(ctx, j, deadline); err != nil {
		if errors.Is(err, domain.ErrTimeout) {
			metrics.QueueTimeouts.Inc()
		}
		return zero, err
	}

	select {
	case r := <-out:
		return r.val, r.err
	case <-deadline:
		metrics.QueueTimeouts.Inc()
		q.log.Warn("job timed out, result will be discarded", "job", name, "timeout", q.timeout)
		return zero, fmt.Errorf("%w: %s did not finish within %s", domain.ErrTimeout, name, q.timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
