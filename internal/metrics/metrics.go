// Package metrics: бизнес-метрики сервиса в Prometheus.
// HTTP-метрики регистрирует middleware в пакете handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SagaCompensations: компенсирующие действия оркестратора по операциям.
	SagaCompensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "av_saga_compensations_total",
			Help: "Компенсирующие действия при частичных отказах create/update/delete",
		},
		[]string{"operation", "outcome"},
	)

	// SelfHeals: удалённые записи каталога, для которых пропал blob.
	SelfHeals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "av_orphan_self_heals_total",
		Help: "Записи каталога, удалённые при чтении из-за отсутствующего blob",
	})

	IntegrityViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "av_integrity_violations_total",
		Help: "Несовпадения SHA-256 при чтении blob",
	})

	OptimizerAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "av_optimizer_attempts",
		Help:    "Число попыток кодирования на одно изображение",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})

	OptimizerMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "av_optimizer_target_missed_total",
		Help: "Изображения, не уложившиеся в целевой размер",
	})

	QueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "av_queue_wait_seconds",
		Help:    "Время от постановки задачи в очередь до начала выполнения",
		Buckets: prometheus.DefBuckets,
	})

	QueueTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "av_queue_timeouts_total",
		Help: "Задачи очереди, не успевшие за отведённое время",
	})

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "av_rate_limited_total",
			Help: "Запросы, отклонённые ограничителем частоты",
		},
		[]string{"route"},
	)

	RenditionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "av_rendition_cache_hits_total",
		Help: "Попадания в кэш производных изображений",
	})

	RenditionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "av_rendition_cache_misses_total",
		Help: "Промахи кэша производных изображений",
	})
)
