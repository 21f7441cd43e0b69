package reconcile

import (
	"sort"
	"time"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// Class описывает результат сверки одной записи.
type Class string

const (
	ClassMatched Class = "MATCHED"
	ClassMissing Class = "MISSING"
	ClassDrifted Class = "DRIFTED"
	ClassSkipped Class = "SKIPPED"
)

// Action описывает рекомендуемое исправление.
type Action string

const (
	ActionNone Action = ""
	// ActionResettle повторный расчёт события с каналом RECONCILE.
	ActionResettle Action = "RESETTLE"
	// ActionReview ручная проверка; суммы напрямую не переписываются.
	ActionReview Action = "REVIEW"
)

// Entry описывает сверку одной записи внешней системы.
type Entry struct {
	Position      int64               `json:"position"`
	CorrelationID string              `json:"external_correlation_id"`
	Class         Class               `json:"class"`
	Expected      int64               `json:"expected"`
	Actual        int64               `json:"actual"`
	Diff          int64               `json:"diff"`
	Beneficiary   string              `json:"beneficiary,omitempty"`
	Product       string              `json:"product,omitempty"`
	Period        string              `json:"period,omitempty"`
	Action        Action              `json:"action,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	Applied       bool                `json:"applied,omitempty"`
	Result        string              `json:"result,omitempty"`
	Event         *model.PaymentEvent `json:"event,omitempty"`
}

// Bucket агрегирует записи по ключу: получателю, месяцу или продукту.
type Bucket struct {
	Key      string `json:"key"`
	Matched  int    `json:"matched"`
	Missing  int    `json:"missing"`
	Drifted  int    `json:"drifted"`
	Skipped  int    `json:"skipped"`
	Expected int64  `json:"expected_total"`
	Actual   int64  `json:"internal_total"`
	Gap      int64  `json:"gap"`
}

func (b *Bucket) add(e Entry) {
	switch e.Class {
	case ClassMatched:
		b.Matched++
	case ClassMissing:
		b.Missing++
	case ClassDrifted:
		b.Drifted++
	case ClassSkipped:
		b.Skipped++
	}
	b.Expected += e.Expected
	b.Actual += e.Actual
	b.Gap = b.Expected - b.Actual
}

// Report описывает результат сверки.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Tolerance  int64     `json:"tolerance"`

	Entries []Entry `json:"entries"`
	Totals  Bucket  `json:"totals"`

	ByBeneficiary []Bucket `json:"by_beneficiary"`
	ByPeriod      []Bucket `json:"by_period"`
	ByProduct     []Bucket `json:"by_product"`

	StatsDrift []model.StatsDrift `json:"stats_drift,omitempty"`

	Fixed     int      `json:"fixed"`
	FixErrors []string `json:"fix_errors,omitempty"`
}

// Count возвращает число записей класса.
func (r *Report) Count(c Class) int {
	var n int
	for _, e := range r.Entries {
		if e.Class == c {
			n++
		}
	}
	return n
}

// Find возвращает запись по ключу идемпотентности.
func (r *Report) Find(correlationID string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.CorrelationID == correlationID {
			return e, true
		}
	}
	return Entry{}, false
}

// aggregate пересчитывает итоги и разрезы по записям.
func (r *Report) aggregate() {
	r.Totals = Bucket{Key: "total"}
	beneficiaries := make(map[string]*Bucket)
	periods := make(map[string]*Bucket)
	products := make(map[string]*Bucket)

	for _, e := range r.Entries {
		r.Totals.add(e)
		addTo(beneficiaries, e.Beneficiary, e)
		addTo(periods, e.Period, e)
		addTo(products, e.Product, e)
	}

	r.ByBeneficiary = sorted(beneficiaries)
	r.ByPeriod = sorted(periods)
	r.ByProduct = sorted(products)
}

func addTo(m map[string]*Bucket, key string, e Entry) {
	if key == "" {
		key = "-"
	}
	b, ok := m[key]
	if !ok {
		b = &Bucket{Key: key}
		m[key] = b
	}
	b.add(e)
}

func sorted(m map[string]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
