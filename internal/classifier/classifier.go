// Package classifier сопоставляет описание продукта с категорией и длительностью доступа
// по упорядоченной таблице правил.
package classifier

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// Rule описывает одно правило классификации. Правила проверяются по порядку, побеждает первое совпавшее.
type Rule struct {
	Name     string
	Match    func(descriptor string) bool
	Category model.Category
	Duration model.Duration
}

// Result описывает итог классификации.
type Result struct {
	Category model.Category `json:"category"`
	Duration model.Duration `json:"duration,omitempty"`
	Rule     string         `json:"rule"`
}

// DefaultRule имя правила, применяемого при отсутствии совпадений.
const DefaultRule = "default-membership"

// words возвращает предикат, срабатывающий на любое из слов или фраз с учётом границ слов.
func words(terms ...string) func(string) bool {
	fold := cases.Fold()
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(fold.String(t)), " ", `\s+`)
	}
	re := regexp.MustCompile(`(^|[^\pL\pN])(` + strings.Join(quoted, "|") + `)($|[^\pL\pN])`)
	return re.MatchString
}

var rules = []Rule{
	{Name: "event", Match: words("webinar", "zoom", "zoominar", "seminar", "kopdar", "workshop", "tiket", "ticket", "trade expo"), Category: model.CategoryEvent, Duration: model.DurationFree},
	{Name: "software", Match: words("aplikasi", "eya", "software", "automation", "tools"), Category: model.CategorySoftware},
	{Name: "service", Match: words("jasa", "website", "legalitas", "company profile", "konsultasi"), Category: model.CategoryService},
	{Name: "renewal", Match: words("re kelas", "renewal"), Category: model.CategoryService},
	{Name: "donation", Match: words("donasi"), Category: model.CategoryService},
	{Name: "physical", Match: words("kaos", "katalog", "titip barang", "buku"), Category: model.CategoryPhysicalGood},
	{Name: "lifetime", Match: words("lifetime", "bundling", "selamanya"), Category: model.CategoryMembership, Duration: model.DurationLifetime},
	{Name: "12-months", Match: words("12 bulan", "1 tahun", "12 months"), Category: model.CategoryMembership, Duration: model.Duration12M},
	{Name: "6-months", Match: words("6 bulan", "6 months"), Category: model.CategoryMembership, Duration: model.Duration6M},
	{Name: "3-months", Match: words("3 bulan", "3 months"), Category: model.CategoryMembership, Duration: model.Duration3M},
	{Name: "1-month", Match: words("1 bulan", "1 month"), Category: model.CategoryMembership, Duration: model.Duration1M},
	{Name: "free", Match: words("free", "gratis"), Category: model.CategoryMembership, Duration: model.DurationFree},
}

// Rules возвращает копию таблицы правил в порядке применения.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Classify возвращает категорию и длительность для описания продукта. Результат детерминирован.
func Classify(descriptor string) Result {
	// Caser хранит состояние, поэтому создаётся на каждый вызов.
	folded := cases.Fold().String(strings.TrimSpace(descriptor))
	for _, r := range rules {
		if r.Match(folded) {
			return Result{Category: r.Category, Duration: r.Duration, Rule: r.Name}
		}
	}
	return Result{Category: model.CategoryMembership, Duration: model.Duration12M, Rule: DefaultRule}
}
