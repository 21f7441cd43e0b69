// Package metrics содержит Prometheus-метрики сервиса расчётов.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "settlement"

var (
	// Settlements считает обработанные события по каналу и итогу.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Payment events processed by channel and outcome.",
	}, []string{"channel", "outcome"})

	// SettlementDuration измеряет длительность расчёта одного события.
	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "duration_seconds",
		Help:      "Time spent settling one payment event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel"})

	// CommissionAmount суммирует начисленные комиссии в минимальных единицах.
	CommissionAmount = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commission_amount_total",
		Help:      "Sum of credited affiliate commissions in minor units.",
	})

	// Flags считает поглощённые ошибки по виду флага.
	Flags = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flags_total",
		Help:      "Recorded settlement flags by kind.",
	}, []string{"flag"})

	// ImportRecords считает записи массового импорта по результату.
	ImportRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "import_records_total",
		Help:      "Bulk import records by result.",
	}, []string{"result"})

	// ReconcileRecords считает записи сверки по классу.
	ReconcileRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_records_total",
		Help:      "Reconciliation records by class.",
	}, []string{"class"})

	// NotifyFailures считает неудачные публикации доменных событий.
	NotifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notify_failures_total",
		Help:      "Domain events that failed to publish.",
	}, []string{"type"})

	// CircuitBreakerState отражает состояние предохранителей: 0 закрыт, 1 полуоткрыт, 2 открыт.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})
)
