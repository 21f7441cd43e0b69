// Package membership решает, как подтверждённая покупка меняет доступы аккаунта.
//
// Решение вычисляется чистой функцией Decide по текущим доступам и кандидату; хранилище
// применяет его атомарно вместе с расчётом транзакции.
package membership

import (
	"fmt"
	"sort"
	"time"

	"github.com/mmeshcher/settlement-system/internal/model"
)

// Идентификаторы тарифов.
const (
	TierFree     = "FREE"
	TierLifetime = "LIFETIME"
)

// Policy задаёт порядок разрешения конфликтов.
type Policy struct {
	// PreferHigherTier: при наличии активного доступа старшего семейства покупка того же тарифа
	// не сливается, а фиксируется как конфликт. По умолчанию сначала выполняется слияние.
	PreferHigherTier bool `koanf:"prefer_higher_tier" json:"prefer_higher_tier"`
}

// Candidate описывает доступ, который даёт покупка.
type Candidate struct {
	Tier          string
	Family        model.TierFamily
	Start         time.Time
	End           time.Time
	Event         bool
	TransactionID *int64
}

// TierFor возвращает идентификатор тарифа и семейство для длительности.
func TierFor(d model.Duration) (string, model.TierFamily, bool) {
	switch d {
	case model.DurationFree:
		return TierFree, model.FamilyFree, true
	case model.DurationLifetime:
		return TierLifetime, model.FamilyLifetime, true
	}
	if _, ok := d.Months(); ok {
		return "PREMIUM_" + string(d), model.FamilyPremium, true
	}
	return "", "", false
}

// RoleFor возвращает тег роли для семейства тарифов.
func RoleFor(f model.TierFamily) model.Role {
	switch f {
	case model.FamilyLifetime:
		return model.RoleMemberLifetime
	case model.FamilyPremium:
		return model.RoleMemberPremium
	}
	return model.RoleMemberFree
}

// EndFor возвращает дату окончания: start + длительность или UnlimitedEnd для бессрочного доступа.
func EndFor(d model.Duration, start time.Time) time.Time {
	if m, ok := d.Months(); ok {
		return start.AddDate(0, m, 0)
	}
	return model.UnlimitedEnd
}

// NewCandidate строит кандидата по классификации покупки. Мероприятия дают только бесплатный
// доступ; категории без доступа возвращают false.
func NewCandidate(cat model.Category, d model.Duration, start time.Time, txID *int64) (Candidate, bool) {
	switch cat {
	case model.CategoryEvent:
		return Candidate{
			Tier:          TierFree,
			Family:        model.FamilyFree,
			Start:         start,
			End:           model.UnlimitedEnd,
			Event:         true,
			TransactionID: txID,
		}, true
	case model.CategoryMembership:
		tier, family, ok := TierFor(d)
		if !ok {
			return Candidate{}, false
		}
		return Candidate{
			Tier:          tier,
			Family:        family,
			Start:         start,
			End:           EndFor(d, start),
			TransactionID: txID,
		}, true
	}
	return Candidate{}, false
}

// Decide вычисляет изменения доступов аккаунта.
//
// Правила по порядку:
//   - мероприятие никогда не создаёт и не повышает платный доступ;
//   - тот же тариф сливается: самое раннее начало, самое позднее окончание, дубликаты удаляются;
//   - при активном доступе старшего семейства новый доступ не создаётся, фиксируется конфликт;
//   - то же семейство с другим тарифом продлевает существующий доступ;
//   - старшее семейство создаётся, младшие активные доступы отменяются.
func Decide(existing []model.MembershipGrant, cand Candidate, policy Policy) model.MembershipDecision {
	active := filter(existing, func(g model.MembershipGrant) bool { return g.Status == model.MembershipActive })

	if cand.Event {
		return decideEvent(active, cand)
	}

	higher := filter(active, func(g model.MembershipGrant) bool { return g.Family.Rank() > cand.Family.Rank() })
	if policy.PreferHigherTier && len(higher) > 0 {
		return keepHigher(higher, cand)
	}

	same := filter(existing, func(g model.MembershipGrant) bool {
		return g.Tier == cand.Tier && g.Status != model.MembershipCancelled
	})
	if len(same) > 0 {
		return merge(same, cand)
	}

	if len(higher) > 0 {
		return keepHigher(higher, cand)
	}

	family := filter(active, func(g model.MembershipGrant) bool { return g.Family == cand.Family })
	if len(family) > 0 {
		return extend(family, cand)
	}

	dec := model.MembershipDecision{
		Action: model.ActionCreated,
		Create: newGrant(cand),
		Role:   RoleFor(cand.Family),
	}
	for _, g := range active {
		if g.Family.Rank() < cand.Family.Rank() {
			g.Status = model.MembershipCancelled
			dec.Update = append(dec.Update, g)
			dec.Action = model.ActionUpgraded
		}
	}
	return dec
}

func decideEvent(active []model.MembershipGrant, cand Candidate) model.MembershipDecision {
	for _, g := range active {
		if g.Family != model.FamilyFree {
			return model.MembershipDecision{
				Action: model.ActionKeptExisting,
				Flags: []model.FlagEntry{{
					Flag:   model.FlagConflictingEntitlement,
					Detail: fmt.Sprintf("event purchase while %s is active", g.Tier),
				}},
			}
		}
	}
	for _, g := range active {
		if g.Family == model.FamilyFree {
			return model.MembershipDecision{Action: model.ActionNoop}
		}
	}
	return model.MembershipDecision{Action: model.ActionCreated, Create: newGrant(cand)}
}

func keepHigher(higher []model.MembershipGrant, cand Candidate) model.MembershipDecision {
	top := higher[0]
	for _, g := range higher[1:] {
		if g.Family.Rank() > top.Family.Rank() {
			top = g
		}
	}
	return model.MembershipDecision{
		Action: model.ActionKeptExisting,
		Flags: []model.FlagEntry{{
			Flag:   model.FlagConflictingEntitlement,
			Detail: fmt.Sprintf("%s purchase while %s is active", cand.Tier, top.Tier),
		}},
	}
}

func merge(same []model.MembershipGrant, cand Candidate) model.MembershipDecision {
	sortByStart(same)

	keeper := same[0]
	keeper.Status = model.MembershipActive
	if cand.Start.Before(keeper.StartDate) {
		keeper.StartDate = cand.Start
	}
	if cand.End.After(keeper.EndDate) {
		keeper.EndDate = cand.End
	}

	dec := model.MembershipDecision{Action: model.ActionMerged, Role: RoleFor(cand.Family)}
	for _, g := range same[1:] {
		if g.StartDate.Before(keeper.StartDate) {
			keeper.StartDate = g.StartDate
		}
		if g.EndDate.After(keeper.EndDate) {
			keeper.EndDate = g.EndDate
		}
		dec.Delete = append(dec.Delete, g.ID)
	}
	dec.Update = []model.MembershipGrant{keeper}

	return dec
}

func extend(family []model.MembershipGrant, cand Candidate) model.MembershipDecision {
	sortByStart(family)

	keeper := family[0]
	if cand.End.After(keeper.EndDate) {
		keeper.EndDate = cand.End
		keeper.Tier = cand.Tier
	}

	dec := model.MembershipDecision{Action: model.ActionExtended, Role: RoleFor(cand.Family)}
	for _, g := range family[1:] {
		if g.EndDate.After(keeper.EndDate) {
			keeper.EndDate = g.EndDate
			keeper.Tier = g.Tier
		}
		dec.Delete = append(dec.Delete, g.ID)
	}
	dec.Update = []model.MembershipGrant{keeper}

	return dec
}

func newGrant(cand Candidate) *model.MembershipGrant {
	return &model.MembershipGrant{
		Tier:          cand.Tier,
		Family:        cand.Family,
		StartDate:     cand.Start,
		EndDate:       cand.End,
		Status:        model.MembershipActive,
		TransactionID: cand.TransactionID,
	}
}

func filter(gs []model.MembershipGrant, keep func(model.MembershipGrant) bool) []model.MembershipGrant {
	var out []model.MembershipGrant
	for _, g := range gs {
		if keep(g) {
			out = append(out, g)
		}
	}
	return out
}

func sortByStart(gs []model.MembershipGrant) {
	sort.SliceStable(gs, func(i, j int) bool {
		if gs[i].StartDate.Equal(gs[j].StartDate) {
			return gs[i].ID < gs[j].ID
		}
		return gs[i].StartDate.Before(gs[j].StartDate)
	})
}

// Apply применяет решение к списку доступов и возвращает новый список. Созданный доступ получает
// идентификатор nextID.
func Apply(existing []model.MembershipGrant, dec model.MembershipDecision, nextID int64) []model.MembershipGrant {
	deleted := make(map[int64]bool, len(dec.Delete))
	for _, id := range dec.Delete {
		deleted[id] = true
	}
	updated := make(map[int64]model.MembershipGrant, len(dec.Update))
	for _, g := range dec.Update {
		updated[g.ID] = g
	}

	out := make([]model.MembershipGrant, 0, len(existing)+1)
	for _, g := range existing {
		if deleted[g.ID] {
			continue
		}
		if u, ok := updated[g.ID]; ok {
			g = u
		}
		out = append(out, g)
	}
	if dec.Create != nil {
		g := *dec.Create
		g.ID = nextID
		out = append(out, g)
	}
	return out
}

// EffectiveEnd возвращает максимальную дату окончания среди активных доступов.
func EffectiveEnd(grants []model.MembershipGrant) time.Time {
	var end time.Time
	for _, g := range grants {
		if g.Status == model.MembershipActive && g.EndDate.After(end) {
			end = g.EndDate
		}
	}
	return end
}

// Authoritative возвращает активный доступ старшего семейства с самой поздней датой окончания.
func Authoritative(grants []model.MembershipGrant) (model.MembershipGrant, bool) {
	var (
		best  model.MembershipGrant
		found bool
	)
	for _, g := range grants {
		if g.Status != model.MembershipActive {
			continue
		}
		if !found || g.Family.Rank() > best.Family.Rank() ||
			(g.Family == best.Family && g.EndDate.After(best.EndDate)) {
			best, found = g, true
		}
	}
	return best, found
}
