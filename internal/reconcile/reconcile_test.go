package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/checkpoint"
	"github.com/mmeshcher/settlement-system/internal/importer"
	"github.com/mmeshcher/settlement-system/internal/membership"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/rates"
	"github.com/mmeshcher/settlement-system/internal/repository"
	"github.com/mmeshcher/settlement-system/internal/resolver"
	"github.com/mmeshcher/settlement-system/internal/settlement"
	"github.com/mmeshcher/settlement-system/internal/split"
)

var paidAt = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *repository.MemoryRepository
	settler *settlement.Settler
	auditor *Auditor
	tracker *checkpoint.MemoryTracker
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := repository.NewMemoryRepository()
	table, err := rates.NewTable([]rates.Rule{{Category: "MEMBERSHIP", Type: "PERCENTAGE", Value: "30"}})
	require.NoError(t, err)
	logger := zap.NewNop()
	s := settlement.NewSettler(repo, resolver.New(repo, nil, logger), table, nil, settlement.Config{
		Membership: membership.Policy{},
	}, logger)
	tracker := checkpoint.NewMemoryTracker()
	return fixture{
		repo:    repo,
		settler: s,
		auditor: New(repo, s, table, tracker, logger),
		tracker: tracker,
	}
}

func record(id string, amount int64, status, affiliate string) string {
	return fmt.Sprintf(`{"external_correlation_id":%q,"amount":"%d","status":%q,"payer_email":"buyer-%s@example.com","product_reference":"Paket Ekspor Yuk 12 Bulan","affiliate_reference":%q,"paid_at":%q}`,
		id, amount, status, id, affiliate, paidAt.Format(time.RFC3339))
}

func (f fixture) settle(t *testing.T, id string, amount int64) {
	t.Helper()
	_, err := f.settler.Settle(context.Background(), model.PaymentEvent{
		CorrelationID:      id,
		Amount:             amount,
		Status:             model.StatusSuccess,
		PayerEmail:         "buyer-" + id + "@example.com",
		ProductReference:   "Paket Ekspor Yuk 12 Bulan",
		AffiliateReference: "partner@example.com",
		PaidAt:             paidAt,
	}, model.ChannelLive)
	require.NoError(t, err)
}

func source(lines ...string) importer.Source {
	return importer.NewJSONLSource(strings.NewReader(strings.Join(lines, "\n")), 2)
}

func TestAuditClassifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.settle(t, "ord-1", 1_000_000)
	f.settle(t, "ord-2", 1_000_000)
	f.repo.DeleteCommission("ord-2")
	f.settle(t, "ord-4", 1_000_000)

	drifted := strings.Replace(record("ord-4", 1_000_000, "completed", "partner@example.com"), `"paid_at"`, `"commission":"250000","paid_at"`, 1)

	report, err := f.auditor.Audit(ctx, source(
		record("ord-1", 1_000_000, "completed", "partner@example.com"),
		record("ord-2", 1_000_000, "completed", "partner@example.com"),
		record("ord-3", 500_000, "completed", "partner@example.com"),
		drifted,
		record("ord-5", 500_000, "cancelled", "partner@example.com"),
		record("ord-6", 500_000, "completed", ""),
	), Options{})
	require.NoError(t, err)

	classes := make(map[string]Class)
	for _, e := range report.Entries {
		classes[e.CorrelationID] = e.Class
	}
	assert.Equal(t, map[string]Class{
		"ord-1": ClassMatched,
		"ord-2": ClassMissing,
		"ord-3": ClassMissing,
		"ord-4": ClassDrifted,
		"ord-5": ClassSkipped,
		"ord-6": ClassSkipped,
	}, classes)

	e, ok := report.Find("ord-3")
	require.True(t, ok)
	assert.Equal(t, ActionResettle, e.Action)
	assert.Equal(t, int64(150_000), e.Expected)

	e, ok = report.Find("ord-4")
	require.True(t, ok)
	assert.Equal(t, ActionReview, e.Action)
	assert.Equal(t, int64(-50_000), e.Diff)

	assert.Equal(t, 2, report.Totals.Missing)
	require.Len(t, report.ByPeriod, 1)
	assert.Equal(t, "2025-03", report.ByPeriod[0].Key)
	assert.Equal(t, int64(1_000_000), report.Totals.Expected)
	assert.Equal(t, int64(600_000), report.Totals.Actual)
	assert.Equal(t, int64(400_000), report.Totals.Gap)

	var partner *Bucket
	for i := range report.ByBeneficiary {
		if report.ByBeneficiary[i].Key == "partner@example.com" {
			partner = &report.ByBeneficiary[i]
		}
	}
	require.NotNil(t, partner)
	assert.Equal(t, 2, partner.Missing)
	assert.Len(t, report.ByProduct, 1)

	assert.Zero(t, report.Fixed)
	recs, err := f.repo.FindCommissions(ctx, []string{"ord-2", "ord-3"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAuditReportsEveryMissingCommission(t *testing.T) {
	f := newFixture(t)

	var lines []string
	missing := make(map[string]bool)
	for i := 1; i <= 30; i++ {
		id := fmt.Sprintf("ord-%02d", i)
		lines = append(lines, record(id, int64(i)*100_000, "completed", "partner@example.com"))
		if i%3 == 0 {
			missing[id] = true
			continue
		}
		f.settle(t, id, int64(i)*100_000)
	}

	report, err := f.auditor.Audit(context.Background(), source(lines...), Options{})
	require.NoError(t, err)
	require.Len(t, report.Entries, 30)

	for _, e := range report.Entries {
		if missing[e.CorrelationID] {
			assert.Equal(t, ClassMissing, e.Class, e.CorrelationID)
		} else {
			assert.Equal(t, ClassMatched, e.Class, e.CorrelationID)
		}
	}
	assert.Equal(t, len(missing), report.Count(ClassMissing))
}

func TestAuditFix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.settle(t, "ord-1", 1_000_000)
	f.repo.DeleteCommission("ord-1")

	lines := []string{
		record("ord-1", 1_000_000, "completed", "partner@example.com"),
		record("ord-2", 500_000, "completed", "partner@example.com"),
	}

	report, err := f.auditor.Audit(ctx, source(lines...), Options{Fix: true})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Fixed)
	assert.Empty(t, report.FixErrors)

	e, _ := report.Find("ord-1")
	assert.Equal(t, string(settlement.StatusRepaired), e.Result)
	e, _ = report.Find("ord-2")
	assert.Equal(t, string(settlement.StatusSettled), e.Result)

	again, err := f.auditor.Audit(ctx, source(lines...), Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, again.Count(ClassMatched))
	assert.Zero(t, again.Count(ClassMissing))

	require.NoError(t, f.auditor.Fix(ctx, report))
	assert.Equal(t, 2, report.Fixed)
}

func TestAuditRefreshesAffiliateStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.settle(t, "ord-1", 1_000_000)
	acc, err := f.repo.GetAccountByEmail(ctx, "partner@example.com")
	require.NoError(t, err)
	f.repo.CorruptAffiliateStats(acc.ID, 1, 9)

	report, err := f.auditor.Audit(ctx, source(record("ord-1", 1_000_000, "completed", "partner@example.com")), Options{})
	require.NoError(t, err)

	require.Len(t, report.StatsDrift, 1)
	assert.Equal(t, acc.ID, report.StatsDrift[0].AccountID)
	assert.Equal(t, int64(300_000), report.StatsDrift[0].ActualEarnings)
	assert.Equal(t, int64(1), report.StatsDrift[0].CachedEarnings)

	report, err = f.auditor.Audit(ctx, source(record("ord-1", 1_000_000, "completed", "partner@example.com")), Options{})
	require.NoError(t, err)
	assert.Empty(t, report.StatsDrift)
}

func TestAuditResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.tracker.Save(ctx, DefaultJob, checkpoint.Checkpoint{Position: 2}))

	report, err := f.auditor.Audit(ctx, source(
		record("ord-1", 100_000, "completed", "partner@example.com"),
		record("ord-2", 100_000, "completed", "partner@example.com"),
		record("ord-3", 100_000, "completed", "partner@example.com"),
	), Options{Resume: true})
	require.NoError(t, err)

	require.Len(t, report.Entries, 1)
	assert.Equal(t, "ord-3", report.Entries[0].CorrelationID)

	cp, err := f.tracker.Load(ctx, DefaultJob)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

type unavailableRates struct{}

func (unavailableRates) Lookup(context.Context, string, model.Category) (*model.RateSpec, error) {
	return nil, errors.New("rate store is down")
}

func TestAuditFixLeavesOverAllocatedForReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	policy, err := split.NewPolicy(decimal.NewFromInt(15),
		split.Party{Email: "admin@example.com"},
		[]split.Party{{Email: "founder@example.com", Role: model.RoleFounder, Percent: decimal.NewFromInt(100)}})
	require.NoError(t, err)
	logger := zap.NewNop()
	outage := settlement.NewSettler(f.repo, resolver.New(f.repo, nil, logger), unavailableRates{}, nil, settlement.Config{
		Split: policy,
	}, logger)
	_, err = outage.Settle(ctx, model.PaymentEvent{
		CorrelationID:      "ord-1",
		Amount:             1_000_000,
		Status:             model.StatusSuccess,
		PayerEmail:         "buyer-ord-1@example.com",
		ProductReference:   "Paket Ekspor Yuk 12 Bulan",
		AffiliateReference: "partner@example.com",
		PaidAt:             paidAt,
	}, model.ChannelLive)
	require.NoError(t, err)

	report, err := f.auditor.Audit(ctx, source(record("ord-1", 1_000_000, "completed", "partner@example.com")), Options{Fix: true})
	require.NoError(t, err)
	assert.Zero(t, report.Fixed)
	assert.Empty(t, report.FixErrors)

	e, ok := report.Find("ord-1")
	require.True(t, ok)
	assert.Equal(t, ClassMissing, e.Class)
	assert.Equal(t, ActionReview, e.Action)
	assert.Equal(t, string(settlement.StatusReview), e.Result)
	assert.False(t, e.Applied)

	recs, err := f.repo.FindCommissions(ctx, []string{"ord-1"})
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, f.auditor.Fix(ctx, report))
	assert.Zero(t, report.Fixed)
}
