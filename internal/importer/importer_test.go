package importer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/checkpoint"
	"github.com/mmeshcher/settlement-system/internal/membership"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/rates"
	"github.com/mmeshcher/settlement-system/internal/repository"
	"github.com/mmeshcher/settlement-system/internal/resolver"
	"github.com/mmeshcher/settlement-system/internal/settlement"
)

const sampleJSONL = `{"external_correlation_id":"legacy-1","amount":"1000000","status":"completed","payer_email":"a@example.com","product_reference":"Paket Ekspor Yuk 12 Bulan","affiliate_reference":"partner@example.com"}
{"external_correlation_id":"legacy-2","amount":
{"external_correlation_id":"legacy-3","amount":"500000","status":"completed","payer_email":"b@example.com","product_reference":"Paket Ekspor Yuk 6 Bulan","affiliate_reference":"partner@example.com"}

{"external_correlation_id":"legacy-4","amount":"-5","status":"completed","payer_email":"c@example.com","product_reference":"Paket 1 Bulan"}
{"external_correlation_id":"legacy-5","amount":"250000","status":"cancelled","payer_email":"d@example.com","product_reference":"Paket 1 Bulan"}
`

func newSettler(t *testing.T) (*settlement.Settler, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	table, err := rates.NewTable([]rates.Rule{{Category: "MEMBERSHIP", Type: "PERCENTAGE", Value: "30"}})
	require.NoError(t, err)
	logger := zap.NewNop()
	s := settlement.NewSettler(repo, resolver.New(repo, nil, logger), table, nil, settlement.Config{
		Membership: membership.Policy{},
	}, logger)
	return s, repo
}

func partnerBalance(t *testing.T, repo *repository.MemoryRepository) int64 {
	t.Helper()
	acc, err := repo.GetAccountByEmail(context.Background(), "partner@example.com")
	require.NoError(t, err)
	w, err := repo.GetWallet(context.Background(), acc.ID)
	require.NoError(t, err)
	return w.Available
}

func TestImportJSONL(t *testing.T) {
	s, repo := newSettler(t)
	tracker := checkpoint.NewMemoryTracker()
	im := New(s, tracker, zap.NewNop())
	ctx := context.Background()

	stats, err := im.Import(ctx, NewJSONLSource(strings.NewReader(sampleJSONL), 2), Options{})
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(2), stats.Settled)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.Rejected)
	require.Len(t, stats.Failures, 2)
	assert.Equal(t, int64(2), stats.Failures[0].Position)
	assert.Equal(t, int64(5), stats.Failures[1].Position)
	assert.Equal(t, "legacy-4", stats.Failures[1].CorrelationID)
	assert.Equal(t, int64(450_000), partnerBalance(t, repo))

	cp, err := tracker.Load(ctx, DefaultJob)
	require.NoError(t, err)
	assert.Nil(t, cp)

	stats, err = im.Import(ctx, NewJSONLSource(strings.NewReader(sampleJSONL), 2), Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Duplicates)
	assert.Equal(t, int64(0), stats.Settled)
	assert.Equal(t, int64(450_000), partnerBalance(t, repo))
}

func TestImportSameKeyInBatchKeepsOrder(t *testing.T) {
	s, repo := newSettler(t)
	im := New(s, nil, zap.NewNop())

	input := `{"external_correlation_id":"ord-1","amount":"100000","status":"on-hold","payer_email":"a@example.com","product_reference":"Paket 1 Bulan","affiliate_reference":"partner@example.com"}
{"external_correlation_id":"ord-1","amount":"100000","status":"paid","payer_email":"a@example.com","product_reference":"Paket 1 Bulan","affiliate_reference":"partner@example.com"}
`
	stats, err := im.Import(context.Background(), NewJSONLSource(strings.NewReader(input), 10), Options{Concurrency: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Recorded)
	assert.Equal(t, int64(1), stats.Settled)

	tx, err := repo.GetTransaction(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, tx.Status)
}

func TestImportDryRun(t *testing.T) {
	stub := &stubSettler{}
	im := New(stub, checkpoint.NewMemoryTracker(), zap.NewNop())

	stats, err := im.Import(context.Background(), NewJSONLSource(strings.NewReader(sampleJSONL), 10), Options{DryRun: true})
	require.NoError(t, err)

	assert.Zero(t, stub.calls())
	assert.True(t, stats.DryRun)
	assert.Equal(t, int64(2), stats.Rejected)
	assert.Equal(t, int64(3), stats.Classified[model.CategoryMembership])
}

func TestImportResume(t *testing.T) {
	stub := &stubSettler{}
	tracker := checkpoint.NewMemoryTracker()
	ctx := context.Background()
	require.NoError(t, tracker.Save(ctx, DefaultJob, checkpoint.Checkpoint{Position: 3, LastID: "legacy-3"}))

	im := New(stub, tracker, zap.NewNop())
	stats, err := im.Import(ctx, NewJSONLSource(strings.NewReader(sampleJSONL), 10), Options{Resume: true})
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Skipped)
	assert.Equal(t, int64(2), stats.Processed)
	assert.Equal(t, 1, stub.calls())
}

type brokenSource struct {
	inner Source
	reads int
}

func (s *brokenSource) Next(ctx context.Context) ([]Record, error) {
	s.reads++
	if s.reads > 1 {
		return nil, errors.New("connection reset")
	}
	return s.inner.Next(ctx)
}

func TestImportSavesCheckpointPerBatch(t *testing.T) {
	stub := &stubSettler{}
	tracker := checkpoint.NewMemoryTracker()
	ctx := context.Background()

	im := New(stub, tracker, zap.NewNop())
	_, err := im.Import(ctx, &brokenSource{inner: NewJSONLSource(strings.NewReader(sampleJSONL), 2)}, Options{})
	require.Error(t, err)

	cp, err := tracker.Load(ctx, DefaultJob)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(2), cp.Position)
}

type stubSettler struct {
	mu       sync.Mutex
	n        int
	failures int
	err      error
}

func (s *stubSettler) Settle(_ context.Context, ev model.PaymentEvent, _ model.Channel) (settlement.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	if s.err != nil && (s.failures < 0 || s.n <= s.failures) {
		return settlement.Outcome{}, s.err
	}
	return settlement.Outcome{CorrelationID: ev.CorrelationID, Status: settlement.StatusSettled}, nil
}

func (s *stubSettler) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestImportRetries(t *testing.T) {
	one := `{"external_correlation_id":"ord-9","amount":"1000","status":"SUCCESS","payer_email":"a@example.com","product_reference":"Paket 1 Bulan"}`

	tests := []struct {
		name     string
		stub     *stubSettler
		calls    int
		settled  int64
		errors   int64
		rejected int64
	}{
		{name: "transient failure recovers", stub: &stubSettler{err: errors.New("deadlock"), failures: 2}, calls: 3, settled: 1},
		{name: "persistent failure", stub: &stubSettler{err: errors.New("db down"), failures: -1}, calls: 3, errors: 1},
		{name: "validation is not retried", stub: &stubSettler{err: model.NewValidationError("payer_email", "bad"), failures: -1}, calls: 1, rejected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := New(tt.stub, nil, zap.NewNop())
			stats, err := im.Import(context.Background(), NewJSONLSource(strings.NewReader(one), 10), Options{Backoff: time.Millisecond})
			require.NoError(t, err)

			assert.Equal(t, tt.calls, tt.stub.calls())
			assert.Equal(t, tt.settled, stats.Settled)
			assert.Equal(t, tt.errors, stats.Errors)
			assert.Equal(t, tt.rejected, stats.Rejected)
			if tt.errors > 0 {
				require.Len(t, stats.Failures, 1)
				assert.Equal(t, 3, stats.Failures[0].Attempts)
			}
		})
	}
}

func TestCSVSource(t *testing.T) {
	input := "external_id,amount,status,payer_email,payer_name,product,affiliate,paid_at\n" +
		"legacy-10,899000.00,completed,Buyer@Example.com,Buyer,Paket 6 Bulan,legacy:42,2024-05-01 10:00:00\n" +
		"legacy-11,abc,completed,x@example.com,,Paket 1 Bulan,,\n"

	src, err := NewCSVSource(strings.NewReader(input), 10)
	require.NoError(t, err)

	recs, err := src.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0]
	require.NoError(t, first.Err)
	assert.Equal(t, int64(1), first.Position)
	assert.Equal(t, "legacy-10", first.Payment.CorrelationID)
	assert.True(t, decimal.RequireFromString("899000").Equal(first.Payment.Amount))
	assert.Equal(t, "legacy:42", first.Payment.AffiliateReference)
	require.NotNil(t, first.Payment.PaidAt)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), *first.Payment.PaidAt)

	ev, err := first.Payment.ToEvent()
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, ev.Status)

	assert.ErrorIs(t, recs[1].Err, model.ErrValidation)

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestCSVSourceRequiresHeader(t *testing.T) {
	_, err := NewCSVSource(strings.NewReader("id,amount\n1,2\n"), 10)
	assert.ErrorIs(t, err, model.ErrValidation)
}

type pages struct {
	batches [][]model.PaymentRecord
}

func (p *pages) Next(context.Context) ([]model.PaymentRecord, error) {
	if len(p.batches) == 0 {
		return nil, io.EOF
	}
	b := p.batches[0]
	p.batches = p.batches[1:]
	return b, nil
}

func TestFromPagerNumbersRecords(t *testing.T) {
	src := FromPager(&pages{batches: [][]model.PaymentRecord{
		{{CorrelationID: "a"}, {CorrelationID: "b"}},
		{{CorrelationID: "c"}},
	}})

	first, err := src.Next(context.Background())
	require.NoError(t, err)
	second, err := src.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), first[1].Position)
	assert.Equal(t, int64(3), second[0].Position)

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}
