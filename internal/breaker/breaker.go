// Package breaker создаёт предохранители для обращений к внешним справочникам.
package breaker

import (
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/metrics"
)

// Settings задаёт параметры предохранителя.
type Settings struct {
	// MaxFailures число подряд идущих ошибок, после которого цепь размыкается.
	MaxFailures uint32
	// OpenTimeout время в разомкнутом состоянии до пробного запроса.
	OpenTimeout time.Duration
}

// DefaultSettings возвращает параметры по умолчанию.
func DefaultSettings() Settings {
	return Settings{MaxFailures: 5, OpenTimeout: 30 * time.Second}
}

// New создаёт предохранитель, который пишет смену состояния в лог и метрики.
func New[T any](name string, s Settings, logger *zap.Logger) *gobreaker.CircuitBreaker[T] {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}
