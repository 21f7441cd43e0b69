package rates

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// Rule описывает правило в файле ставок. Для правила задаётся ровно одно из: точная ссылка на
// продукт, подстрока описания или категория.
type Rule struct {
	Product  string `koanf:"product"`
	Contains string `koanf:"contains"`
	Category string `koanf:"category"`
	Type     string `koanf:"type"`
	Value    string `koanf:"value"`
}

type compiledRule struct {
	key      string
	match    func(key string, category model.Category) bool
	priority int
	spec     model.RateSpec
}

// Table хранит правила в памяти. Приоритет: точный продукт, затем подстрока, затем категория;
// при равном приоритете побеждает правило, объявленное раньше.
type Table struct {
	rules []compiledRule
}

// NewTable проверяет правила и строит таблицу.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{}
	for i, r := range rules {
		typ := model.RateType(strings.ToUpper(strings.TrimSpace(r.Type)))
		if typ != model.RatePercentage && typ != model.RateFlat {
			return nil, fmt.Errorf("rate rule %d: unsupported type %q", i, r.Type)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(r.Value))
		if err != nil {
			return nil, fmt.Errorf("rate rule %d: parse value: %w", i, err)
		}
		if value.IsNegative() {
			return nil, fmt.Errorf("rate rule %d: negative value", i)
		}

		cr := compiledRule{spec: model.RateSpec{Type: typ, Value: value}}
		switch {
		case r.Product != "":
			key := NormalizeKey(r.Product)
			cr.key, cr.priority = "product:"+key, 0
			cr.match = func(k string, _ model.Category) bool { return k == key }
		case r.Contains != "":
			needle := NormalizeKey(r.Contains)
			cr.key, cr.priority = "contains:"+needle, 1
			cr.match = func(k string, _ model.Category) bool { return strings.Contains(k, needle) }
		case r.Category != "":
			cat := model.Category(strings.ToUpper(strings.TrimSpace(r.Category)))
			cr.key, cr.priority = "category:"+string(cat), 2
			cr.match = func(_ string, c model.Category) bool { return c == cat }
		default:
			return nil, fmt.Errorf("rate rule %d: one of product, contains or category is required", i)
		}
		cr.spec.Key = cr.key
		cr.spec.Source = "file"
		t.rules = append(t.rules, cr)
	}
	return t, nil
}

// Lookup реализует Source.
func (t *Table) Lookup(_ context.Context, product string, category model.Category) (*model.RateSpec, error) {
	key := NormalizeKey(product)

	var best *compiledRule
	for i := range t.rules {
		r := &t.rules[i]
		if !r.match(key, category) {
			continue
		}
		if best == nil || r.priority < best.priority {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}

	spec := best.spec
	return &spec, nil
}

// Len возвращает число правил.
func (t *Table) Len() int {
	return len(t.rules)
}

// Specs возвращает правила в порядке объявления.
func (t *Table) Specs() []model.RateSpec {
	out := make([]model.RateSpec, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r.spec)
	}
	return out
}
