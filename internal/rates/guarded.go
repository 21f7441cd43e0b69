package rates

import (
	"context"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/breaker"
	"github.com/mmeshcher/settlement-system/internal/model"
)

// Guarded ограничивает поиск правила таймаутом и предохранителем. Любая ошибка источника
// возвращается как model.ErrDependencyUnavailable, чтобы расчёт продолжился с нулевой комиссией.
type Guarded struct {
	src     Source
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[*model.RateSpec]
}

// NewGuarded оборачивает источник.
func NewGuarded(src Source, timeout time.Duration, logger *zap.Logger) *Guarded {
	return &Guarded{
		src:     src,
		timeout: timeout,
		cb:      breaker.New[*model.RateSpec]("rate-source", breaker.DefaultSettings(), logger),
	}
}

// Lookup реализует Source.
func (g *Guarded) Lookup(ctx context.Context, product string, category model.Category) (*model.RateSpec, error) {
	spec, err := g.cb.Execute(func() (*model.RateSpec, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.src.Lookup(ctx, product, category)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: rate lookup: %v", model.ErrDependencyUnavailable, err)
	}
	return spec, nil
}

// Store читает правила, сохранённые в базе данных.
type Store interface {
	GetRateSpec(ctx context.Context, key string) (*model.RateSpec, error)
}

// DBSource ищет правило в базе: сначала по продукту, затем по категории.
type DBSource struct {
	store Store
}

// NewDBSource создаёт источник правил из базы данных.
func NewDBSource(store Store) *DBSource {
	return &DBSource{store: store}
}

// Lookup реализует Source.
func (s *DBSource) Lookup(ctx context.Context, product string, category model.Category) (*model.RateSpec, error) {
	for _, key := range []string{"product:" + NormalizeKey(product), "category:" + string(category)} {
		spec, err := s.store.GetRateSpec(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get rate spec %s: %w", key, err)
		}
		if spec != nil {
			return spec, nil
		}
	}
	return nil, nil
}
