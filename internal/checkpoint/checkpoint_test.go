package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadger(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTrackers(t *testing.T) {
	trackers := map[string]func(t *testing.T) Tracker{
		"badger": func(t *testing.T) Tracker { return NewBadgerTracker(newBadger(t)) },
		"memory": func(*testing.T) Tracker { return NewMemoryTracker() },
	}

	for name, newTracker := range trackers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tr := newTracker(t)

			cp, err := tr.Load(ctx, "import")
			require.NoError(t, err)
			assert.Nil(t, cp)

			saved := Checkpoint{Position: 200, LastID: "legacy-200", RunID: "run-1", UpdatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
			require.NoError(t, tr.Save(ctx, "import", saved))
			require.NoError(t, tr.Save(ctx, "reconcile", Checkpoint{Position: 7}))

			cp, err = tr.Load(ctx, "import")
			require.NoError(t, err)
			require.NotNil(t, cp)
			assert.Equal(t, saved.Position, cp.Position)
			assert.Equal(t, saved.LastID, cp.LastID)
			assert.Equal(t, saved.RunID, cp.RunID)
			assert.True(t, saved.UpdatedAt.Equal(cp.UpdatedAt))

			require.NoError(t, tr.Clear(ctx, "import"))
			require.NoError(t, tr.Clear(ctx, "import"))

			cp, err = tr.Load(ctx, "import")
			require.NoError(t, err)
			assert.Nil(t, cp)

			cp, err = tr.Load(ctx, "reconcile")
			require.NoError(t, err)
			require.NotNil(t, cp)
			assert.Equal(t, int64(7), cp.Position)
		})
	}
}
