package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		RatesFile:       "../../configs/rates.yaml",
		LookupTimeout:   time.Second,
		ImportBatchSize: 10,
	}
}

const payments = `{"external_correlation_id":"ord-1","amount":1000000,"status":"completed","payer_email":"a@example.com","product_reference":"Paket Ekspor Yuk 12 Bulan","affiliate_reference":"partner@example.com"}
{"external_correlation_id":"ord-2","amount":500000,"status":"failed","payer_email":"b@example.com","product_reference":"Webinar Ekspor"}
`

func TestRunImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payments.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(payments), 0o600))

	var out bytes.Buffer
	err := run(context.Background(), "import", testConfig(t), options{file: path, format: "jsonl"}, &out, zap.NewNop())
	require.NoError(t, err)

	assert.Contains(t, out.String(), `"settled": 1`)
	assert.Contains(t, out.String(), `"failed": 1`)
}

func TestRunReconcileUnresolved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "truth.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(payments), 0o600))

	var out bytes.Buffer
	err := run(context.Background(), "reconcile", testConfig(t), options{file: path, format: "jsonl", tolerance: 1}, &out, zap.NewNop())
	require.ErrorIs(t, err, errUnresolved)
	assert.Contains(t, out.String(), `"missing": 1`)
}

func TestRunRatesSync(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), "rates-sync", testConfig(t), options{}, &out, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "synced 6 rate rules\n", out.String())
}

func TestRunUnknownCommand(t *testing.T) {
	err := run(context.Background(), "teleport", testConfig(t), options{}, &bytes.Buffer{}, zap.NewNop())
	require.Error(t, err)
}

func TestRunReconcileLegacyWithoutAddress(t *testing.T) {
	err := run(context.Background(), "reconcile", testConfig(t), options{fromLegacy: true}, &bytes.Buffer{}, zap.NewNop())
	require.Error(t, err)
}
