package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/repository"
)

type fakeDirectory struct {
	calls atomic.Int32
	known map[int64]string
	err   error
}

func (d *fakeDirectory) LookupAffiliate(_ context.Context, id int64) (string, string, error) {
	d.calls.Add(1)
	if d.err != nil {
		return "", "", d.err
	}
	email, ok := d.known[id]
	if !ok {
		return "", "", fmt.Errorf("%w: affiliate %d", model.ErrNotFound, id)
	}
	return email, "Partner " + email, nil
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "buyer@example.com", NormalizeEmail("  Buyer@Example.COM "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestResolveCreatesAccountOnce(t *testing.T) {
	repo := repository.NewMemoryRepository()
	r := New(repo, nil, zap.NewNop())
	ctx := context.Background()

	first, err := r.Resolve(ctx, Identity{Email: "Buyer@Example.com", Name: "Buyer"})
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", first.Email)
	assert.Equal(t, model.RoleMemberFree, first.Role)

	second, err := r.Resolve(ctx, Identity{Email: "buyer@example.com "})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	wallet, err := repo.GetWallet(ctx, first.ID)
	require.NoError(t, err)
	assert.Zero(t, wallet.Available)
}

func TestResolveConcurrent(t *testing.T) {
	repo := repository.NewMemoryRepository()
	r := New(repo, nil, zap.NewNop())

	var (
		wg  sync.WaitGroup
		ids sync.Map
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := r.Resolve(context.Background(), Identity{Email: "race@example.com"})
			if err == nil {
				ids.Store(acc.ID, struct{}{})
			}
		}()
	}
	wg.Wait()

	var n int
	ids.Range(func(_, _ any) bool { n++; return true })
	assert.Equal(t, 1, n)
}

func TestResolveAffiliate(t *testing.T) {
	tests := []struct {
		name        string
		ref         string
		dir         *fakeDirectory
		wantEmail   string
		wantFlag    model.Flag
		placeholder bool
		wantErr     bool
	}{
		{name: "email", ref: "Partner@Example.com", wantEmail: "partner@example.com"},
		{name: "empty", ref: " ", wantErr: true},
		{name: "not an email", ref: "partner", wantErr: true},
		{name: "bad legacy id", ref: "legacy:abc", wantErr: true},
		{
			name:      "legacy found",
			ref:       "legacy:7",
			dir:       &fakeDirectory{known: map[int64]string{7: "seven@example.com"}},
			wantEmail: "seven@example.com",
		},
		{
			name:        "legacy not found",
			ref:         "legacy:8",
			dir:         &fakeDirectory{known: map[int64]string{}},
			wantEmail:   PlaceholderEmail(8),
			wantFlag:    model.FlagIntegrityViolation,
			placeholder: true,
		},
		{
			name:        "directory unavailable",
			ref:         "LEGACY:9",
			dir:         &fakeDirectory{err: errors.New("connection refused")},
			wantEmail:   PlaceholderEmail(9),
			wantFlag:    model.FlagDependencyUnavailable,
			placeholder: true,
		},
		{
			name:        "no directory",
			ref:         "legacy:10",
			wantEmail:   PlaceholderEmail(10),
			wantFlag:    model.FlagDependencyUnavailable,
			placeholder: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dir Directory
			if tt.dir != nil {
				dir = tt.dir
			}
			r := New(repository.NewMemoryRepository(), dir, zap.NewNop())

			acc, flags, err := r.ResolveAffiliate(context.Background(), tt.ref)
			if tt.wantErr {
				require.ErrorIs(t, err, model.ErrValidation)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.wantEmail, acc.Email)
			assert.Equal(t, model.RoleAffiliate, acc.Role)
			assert.Equal(t, tt.placeholder, acc.Placeholder)
			if tt.wantFlag == "" {
				assert.Empty(t, flags)
			} else {
				require.Len(t, flags, 1)
				assert.Equal(t, tt.wantFlag, flags[0].Flag)
			}
		})
	}
}

func TestResolveAffiliateCachesDirectory(t *testing.T) {
	dir := &fakeDirectory{known: map[int64]string{7: "seven@example.com"}}
	r := New(repository.NewMemoryRepository(), dir, zap.NewNop())

	for i := 0; i < 3; i++ {
		acc, _, err := r.ResolveAffiliate(context.Background(), "legacy:7")
		require.NoError(t, err)
		require.NotNil(t, acc.ExternalID)
		assert.Equal(t, int64(7), *acc.ExternalID)
	}
	assert.Equal(t, int32(1), dir.calls.Load())
}

func TestResolveAffiliateCanceled(t *testing.T) {
	r := New(repository.NewMemoryRepository(), &fakeDirectory{err: context.Canceled}, zap.NewNop())

	_, _, err := r.ResolveAffiliate(context.Background(), "legacy:1")
	require.ErrorIs(t, err, context.Canceled)
}
