package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/checkpoint"
	"github.com/mmeshcher/settlement-system/internal/importer"
	"github.com/mmeshcher/settlement-system/internal/legacy"
	"github.com/mmeshcher/settlement-system/internal/membership"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/notify"
	"github.com/mmeshcher/settlement-system/internal/rates"
	"github.com/mmeshcher/settlement-system/internal/reconcile"
	"github.com/mmeshcher/settlement-system/internal/repository"
	"github.com/mmeshcher/settlement-system/internal/resolver"
	"github.com/mmeshcher/settlement-system/internal/settlement"
)

func newTestService(t *testing.T, legacyClient *legacy.Client) (*Service, *repository.MemoryRepository) {
	t.Helper()

	logger := zap.NewNop()
	repo := repository.NewMemoryRepository()
	table, err := rates.NewTable([]rates.Rule{
		{Category: "MEMBERSHIP", Type: "PERCENTAGE", Value: "30"},
		{Category: "EVENT", Type: "PERCENTAGE", Value: "20"},
	})
	require.NoError(t, err)

	settler := settlement.NewSettler(repo, resolver.New(repo, nil, logger), table, notify.NewLogNotifier(logger), settlement.Config{
		Membership: membership.Policy{},
	}, logger)
	tracker := checkpoint.NewMemoryTracker()

	svc := NewService(repo, settler,
		importer.New(settler, tracker, logger),
		reconcile.New(repo, settler, table, tracker, logger),
		legacyClient,
		Config{BatchSize: 10, Concurrency: 2},
		logger,
	)
	return svc, repo
}

func record(id string, amount int64, status string) model.PaymentRecord {
	paidAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return model.PaymentRecord{
		CorrelationID:      id,
		Amount:             decimal.NewFromInt(amount),
		Status:             status,
		PayerEmail:         "Buyer@Example.com",
		PayerName:          "Buyer",
		ProductReference:   "Paket Ekspor Yuk 12 Bulan",
		AffiliateReference: "partner@example.com",
		PaidAt:             &paidAt,
	}
}

func TestHandlePayment(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	out, err := svc.HandlePayment(ctx, record("ord-1", 1_000_000, "completed"))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusSettled, out.Status)
	assert.Equal(t, int64(300_000), out.Commission)

	out, err = svc.HandlePayment(ctx, record("ord-1", 1_000_000, "completed"))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusDuplicate, out.Status)

	wallet, err := svc.GetWallet(ctx, "PARTNER@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(300_000), wallet.Available)
}

func TestHandlePaymentRejectsUnknownStatus(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.HandlePayment(context.Background(), record("ord-1", 1000, "teleported"))
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGetWalletNotFound(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.GetWallet(context.Background(), "nobody@example.com")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = svc.GetWallet(context.Background(), "  ")
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error for empty email, got %v", err)
	}
}

func TestGetMemberships(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.HandlePayment(ctx, record("ord-1", 1_000_000, "paid"))
	require.NoError(t, err)

	m, err := svc.GetMemberships(ctx, "buyer@example.com")
	require.NoError(t, err)
	require.Len(t, m.Grants, 1)
	require.NotNil(t, m.Active)
	require.NotNil(t, m.EffectiveEnd)
	assert.Equal(t, m.Active.EndDate, *m.EffectiveEnd)
	assert.True(t, m.Role.IsMember())

	partner, err := svc.GetMemberships(ctx, "partner@example.com")
	require.NoError(t, err)
	assert.Empty(t, partner.Grants)
	assert.Nil(t, partner.EffectiveEnd)
}

func TestImportAndReconcile(t *testing.T) {
	svc, repo := newTestService(t, nil)
	ctx := context.Background()

	var lines []string
	for _, id := range []string{"ord-1", "ord-2"} {
		b, err := json.Marshal(record(id, 1_000_000, "success"))
		require.NoError(t, err)
		lines = append(lines, string(b))
	}
	body := strings.Join(lines, "\n")

	stats, err := svc.Import(ctx, strings.NewReader(body), "jsonl", false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Settled)

	repo.DeleteCommission("ord-2")

	report, err := svc.Reconcile(ctx, strings.NewReader(body), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Totals.Missing)
	assert.Equal(t, 0, report.Fixed)

	report, err = svc.Reconcile(ctx, strings.NewReader(body), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fixed)

	report, err = svc.Reconcile(ctx, strings.NewReader(body), false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Totals.Matched)
}

func TestImportUnsupportedFormat(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Import(context.Background(), strings.NewReader(""), "xml", false)
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStartReconcileUpdates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sales":[],"page":1,"total_pages":0}`))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, legacy.NewClient(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.StartReconcileUpdates(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartReconcileUpdatesDisabledWithoutLegacy(t *testing.T) {
	svc, _ := newTestService(t, nil)
	svc.StartReconcileUpdates(context.Background(), time.Millisecond)

	require.NoError(t, svc.Close())
}
