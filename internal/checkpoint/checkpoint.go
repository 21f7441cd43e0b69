// Package checkpoint хранит позицию длительных заданий (импорт, сверка), чтобы после
// перезапуска продолжить с последнего подтверждённого пакета.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const keyPrefix = "checkpoint:"

// Checkpoint описывает позицию задания в источнике.
type Checkpoint struct {
	// Position число записей источника, обработанных полностью.
	Position int64 `json:"position"`
	// LastID ключ идемпотентности последней обработанной записи.
	LastID    string    `json:"last_id"`
	RunID     string    `json:"run_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker сохраняет и загружает позицию задания по его имени.
type Tracker interface {
	Save(ctx context.Context, job string, cp Checkpoint) error
	// Load возвращает nil, nil, если позиция не сохранялась.
	Load(ctx context.Context, job string) (*Checkpoint, error)
	Clear(ctx context.Context, job string) error
}

// BadgerTracker хранит позиции в BadgerDB.
type BadgerTracker struct {
	db *badger.DB
}

// NewBadgerTracker создаёт трекер поверх открытой базы.
func NewBadgerTracker(db *badger.DB) *BadgerTracker {
	return &BadgerTracker{db: db}
}

// OpenBadger открывает базу в каталоге dir.
func OpenBadger(dir string) (*badger.DB, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return db, nil
}

func (t *BadgerTracker) Save(_ context.Context, job string, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+job), data)
	})
}

func (t *BadgerTracker) Load(_ context.Context, job string) (*Checkpoint, error) {
	var (
		cp    Checkpoint
		found bool
	)

	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + job))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cp)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !found {
		return nil, nil
	}

	return &cp, nil
}

func (t *BadgerTracker) Clear(_ context.Context, job string) error {
	return t.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(keyPrefix + job))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// MemoryTracker хранит позиции в памяти процесса.
type MemoryTracker struct {
	mu   sync.Mutex
	jobs map[string]Checkpoint
}

// NewMemoryTracker создаёт пустой трекер.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{jobs: make(map[string]Checkpoint)}
}

func (t *MemoryTracker) Save(_ context.Context, job string, cp Checkpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job] = cp
	return nil
}

func (t *MemoryTracker) Load(_ context.Context, job string) (*Checkpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp, ok := t.jobs[job]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (t *MemoryTracker) Clear(_ context.Context, job string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, job)
	return nil
}
