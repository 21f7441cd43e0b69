// Package rates предоставляет правила начисления комиссий из файла и из базы данных.
package rates

import (
	"context"
	"strings"

	"golang.org/x/text/cases"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// Source находит правило комиссии для продукта. Отсутствие правила не ошибка: возвращается nil.
type Source interface {
	Lookup(ctx context.Context, product string, category model.Category) (*model.RateSpec, error)
}

// NormalizeKey приводит ссылку на продукт к ключу поиска правила.
func NormalizeKey(product string) string {
	return strings.Join(strings.Fields(cases.Fold().String(product)), " ")
}

// Chain опрашивает источники по порядку и возвращает первое найденное правило.
type Chain []Source

// Lookup реализует Source.
func (c Chain) Lookup(ctx context.Context, product string, category model.Category) (*model.RateSpec, error) {
	for _, s := range c {
		spec, err := s.Lookup(ctx, product, category)
		if err != nil {
			return nil, err
		}
		if spec != nil {
			return spec, nil
		}
	}
	return nil, nil
}
