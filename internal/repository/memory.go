package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/settlement-system/internal/membership"
	"github.com/mmeshcher/settlement-system/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Все операции сериализуются одним мьютексом,
// поэтому расчёт транзакции атомарен так же, как в PostgreSQL. Используется в тестах и в режиме
// пробного импорта.
type MemoryRepository struct {
	mu sync.Mutex

	seq int64

	accounts     map[int64]model.Account
	emails       map[string]int64
	wallets      map[int64]model.Wallet
	transactions map[int64]model.Transaction
	correlations map[string]int64
	commissions  map[int64]model.CommissionRecord // по transaction_id
	pending      map[int64][]model.PendingRevenue // по transaction_id
	grants       map[int64][]model.MembershipGrant
	flags        map[int64][]model.FlagEntry
	rateSpecs    map[string]model.RateSpec
	stats        map[int64]model.AffiliateStats

	now func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[int64]model.Account),
		emails:       make(map[string]int64),
		wallets:      make(map[int64]model.Wallet),
		transactions: make(map[int64]model.Transaction),
		correlations: make(map[string]int64),
		commissions:  make(map[int64]model.CommissionRecord),
		pending:      make(map[int64][]model.PendingRevenue),
		grants:       make(map[int64][]model.MembershipGrant),
		flags:        make(map[int64][]model.FlagEntry),
		rateSpecs:    make(map[string]model.RateSpec),
		stats:        make(map[int64]model.AffiliateStats),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Close ничего не делает; метод нужен для общего интерфейса с PostgreSQL.
func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) nextID() int64 {
	m.seq++
	return m.seq
}

// EnsureAccount создаёт аккаунт вместе с кошельком или возвращает существующий по email.
func (m *MemoryRepository) EnsureAccount(_ context.Context, acc model.Account) (model.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.emails[acc.Email]; ok {
		return m.accounts[id], false, nil
	}

	acc.ID = m.nextID()
	acc.CreatedAt = m.now()
	m.accounts[acc.ID] = acc
	m.emails[acc.Email] = acc.ID
	m.wallets[acc.ID] = model.Wallet{AccountID: acc.ID, UpdatedAt: acc.CreatedAt}

	return acc, true, nil
}

// GetAccountByEmail возвращает аккаунт по email.
func (m *MemoryRepository) GetAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.emails[email]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, email)
	}
	acc := m.accounts[id]
	return &acc, nil
}

// GetWallet возвращает кошелёк аккаунта.
func (m *MemoryRepository) GetWallet(_ context.Context, accountID int64) (*model.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: wallet %d", model.ErrNotFound, accountID)
	}
	return &w, nil
}

// ListMemberships возвращает доступы аккаунта.
func (m *MemoryRepository) ListMemberships(_ context.Context, accountID int64) ([]model.MembershipGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]model.MembershipGrant(nil), m.grants[accountID]...), nil
}

// IngestTransaction сохраняет транзакцию в статусе PENDING, если ключ идемпотентности новый,
// и возвращает сохранённую запись.
func (m *MemoryRepository) IngestTransaction(_ context.Context, tx model.Transaction) (model.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.correlations[tx.CorrelationID]; ok {
		return m.transactions[id], false, nil
	}

	now := m.now()
	tx.ID = m.nextID()
	tx.Status = model.StatusPending
	tx.CreatedAt, tx.UpdatedAt = now, now
	m.transactions[tx.ID] = tx
	m.correlations[tx.CorrelationID] = tx.ID

	return tx, true, nil
}

// FailTransaction переводит транзакцию PENDING→FAILED. Возвращает false, если она уже завершена.
func (m *MemoryRepository) FailTransaction(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return false, fmt.Errorf("%w: transaction %d", model.ErrNotFound, id)
	}
	if tx.Status != model.StatusPending {
		return false, nil
	}
	tx.Status = model.StatusFailed
	tx.UpdatedAt = m.now()
	m.transactions[id] = tx

	return true, nil
}

// Settle атомарно переводит транзакцию в SUCCESS и применяет план расчёта.
func (m *MemoryRepository) Settle(_ context.Context, plan model.SettlementPlan) (model.SettlementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[plan.TransactionID]
	if !ok {
		return model.SettlementResult{}, fmt.Errorf("%w: transaction %d", model.ErrNotFound, plan.TransactionID)
	}
	if plan.Repair {
		if tx.Status != model.StatusSuccess {
			return model.SettlementResult{}, nil
		}
	} else if tx.Status != model.StatusPending {
		return model.SettlementResult{}, nil
	}
	if _, exists := m.commissions[tx.ID]; exists {
		return model.SettlementResult{}, nil
	}
	payer, ok := m.accounts[plan.PayerID]
	if !ok {
		return model.SettlementResult{}, fmt.Errorf("%w: payer %d", model.ErrNotFound, plan.PayerID)
	}

	now := m.now()
	if plan.Repair && plan.Commission != nil {
		if free := tx.Amount - m.allocated(tx.ID); plan.Commission.Amount > free {
			res := model.SettlementResult{Blocked: true}
			res.Flags = append(res.Flags, plan.Flags...)
			res.Flags = append(res.Flags, overAllocatedFlag(plan.Commission.Amount, free))
			m.flags[tx.ID] = append(m.flags[tx.ID], res.Flags...)
			if tx.AffiliateID == nil {
				tx.AffiliateID = plan.AffiliateID
				m.transactions[tx.ID] = tx
			}
			return res, nil
		}
	}

	res := model.SettlementResult{Applied: true}
	res.Flags = append(res.Flags, plan.Flags...)

	if c := plan.Commission; c != nil && c.Amount > 0 {
		rec := *c
		rec.ID = m.nextID()
		rec.TransactionID = tx.ID
		rec.CorrelationID = tx.CorrelationID
		rec.CreatedAt = now
		m.commissions[tx.ID] = rec
		res.Commission = &rec

		w, created := m.wallet(rec.BeneficiaryID)
		if created {
			res.Flags = append(res.Flags, missingWalletFlag(rec.BeneficiaryID))
		}
		w.Available += rec.Amount
		w.LifetimeEarnings += rec.Amount
		w.UpdatedAt = now
		m.wallets[rec.BeneficiaryID] = w

		st := m.stats[rec.BeneficiaryID]
		st.AccountID = rec.BeneficiaryID
		st.TotalEarnings += rec.Amount
		st.TotalConversions++
		m.stats[rec.BeneficiaryID] = st
	}

	for _, sh := range plan.Shares {
		if sh.Amount <= 0 || m.hasPending(tx.ID, sh.Role) {
			continue
		}
		m.pending[tx.ID] = append(m.pending[tx.ID], model.PendingRevenue{
			ID:            m.nextID(),
			TransactionID: tx.ID,
			AccountID:     sh.AccountID,
			Role:          sh.Role,
			Amount:        sh.Amount,
			Status:        "PENDING",
			CreatedAt:     now,
		})

		w, created := m.wallet(sh.AccountID)
		if created {
			res.Flags = append(res.Flags, missingWalletFlag(sh.AccountID))
		}
		w.Pending += sh.Amount
		w.UpdatedAt = now
		m.wallets[sh.AccountID] = w
		res.Shares = append(res.Shares, sh)
	}

	if plan.Membership != nil && !plan.Repair {
		existing := append([]model.MembershipGrant(nil), m.grants[payer.ID]...)
		dec := plan.Membership(existing)
		res.Membership = dec
		res.Flags = append(res.Flags, dec.Flags...)

		var createdID int64
		if dec.Create != nil {
			createdID = m.nextID()
			dec.Create.AccountID = payer.ID
			dec.Create.UpdatedAt = now
		}
		for i := range dec.Update {
			dec.Update[i].UpdatedAt = now
		}
		m.grants[payer.ID] = membership.Apply(existing, dec, createdID)

		if g := authoritativeGrant(m.grants[payer.ID], dec, createdID); g != nil {
			res.Grant = g
		}

		if role := model.UpgradeRole(payer.Role, dec.Role); role != payer.Role {
			payer.Role = role
			m.accounts[payer.ID] = payer
		}
	}

	tx.Status = model.StatusSuccess
	if tx.AffiliateID == nil {
		tx.AffiliateID = plan.AffiliateID
	}
	tx.UpdatedAt = now
	m.transactions[tx.ID] = tx

	if len(res.Flags) > 0 {
		m.flags[tx.ID] = append(m.flags[tx.ID], res.Flags...)
	}

	return res, nil
}

func authoritativeGrant(grants []model.MembershipGrant, dec model.MembershipDecision, createdID int64) *model.MembershipGrant {
	var id int64
	switch {
	case dec.Create != nil:
		id = createdID
	case len(dec.Update) > 0 && dec.Update[0].Status == model.MembershipActive:
		id = dec.Update[0].ID
	default:
		return nil
	}
	for _, g := range grants {
		if g.ID == id {
			return &g
		}
	}
	return nil
}

func missingWalletFlag(accountID int64) model.FlagEntry {
	return model.FlagEntry{Flag: model.FlagIntegrityViolation, Detail: fmt.Sprintf("wallet for account %d created lazily", accountID)}
}

func overAllocatedFlag(commission, free int64) model.FlagEntry {
	return model.FlagEntry{
		Flag:   model.FlagIntegrityViolation,
		Detail: fmt.Sprintf("commission %d exceeds unallocated amount %d", commission, free),
	}
}

func (m *MemoryRepository) wallet(accountID int64) (model.Wallet, bool) {
	if w, ok := m.wallets[accountID]; ok {
		return w, false
	}
	return model.Wallet{AccountID: accountID}, true
}

func (m *MemoryRepository) allocated(txID int64) int64 {
	var sum int64
	for _, p := range m.pending[txID] {
		sum += p.Amount
	}
	return sum
}

func (m *MemoryRepository) hasPending(txID int64, role model.Role) bool {
	for _, p := range m.pending[txID] {
		if p.Role == role {
			return true
		}
	}
	return false
}

// FindCommissions возвращает записи о комиссиях по ключам идемпотентности транзакций.
func (m *MemoryRepository) FindCommissions(_ context.Context, correlationIDs []string) (map[string]model.CommissionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]model.CommissionRecord, len(correlationIDs))
	for _, cid := range correlationIDs {
		id, ok := m.correlations[cid]
		if !ok {
			continue
		}
		if rec, ok := m.commissions[id]; ok {
			out[cid] = rec
		}
	}
	return out, nil
}

// RefreshAffiliateStats пересчитывает кэш статистики партнёров из записей о комиссиях и
// возвращает расхождения с прежними значениями.
func (m *MemoryRepository) RefreshAffiliateStats(_ context.Context) ([]model.StatsDrift, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	actual := make(map[int64]model.AffiliateStats)
	for _, rec := range m.commissions {
		st := actual[rec.BeneficiaryID]
		st.AccountID = rec.BeneficiaryID
		st.TotalEarnings += rec.Amount
		st.TotalConversions++
		actual[rec.BeneficiaryID] = st
	}

	ids := make(map[int64]struct{})
	for id := range actual {
		ids[id] = struct{}{}
	}
	for id := range m.stats {
		ids[id] = struct{}{}
	}

	var drift []model.StatsDrift
	now := m.now()
	for id := range ids {
		cached, fresh := m.stats[id], actual[id]
		if cached.TotalEarnings != fresh.TotalEarnings || cached.TotalConversions != fresh.TotalConversions {
			drift = append(drift, model.StatsDrift{
				AccountID:         id,
				CachedEarnings:    cached.TotalEarnings,
				ActualEarnings:    fresh.TotalEarnings,
				CachedConversions: cached.TotalConversions,
				ActualConversions: fresh.TotalConversions,
			})
		}
		fresh.AccountID = id
		fresh.RefreshedAt = now
		m.stats[id] = fresh
	}

	sort.Slice(drift, func(i, j int) bool { return drift[i].AccountID < drift[j].AccountID })
	return drift, nil
}

// GetRateSpec возвращает правило комиссии по ключу или nil.
func (m *MemoryRepository) GetRateSpec(_ context.Context, key string) (*model.RateSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec, ok := m.rateSpecs[key]
	if !ok {
		return nil, nil
	}
	return &spec, nil
}

// UpsertRateSpec сохраняет правило комиссии. Уже созданные записи о комиссиях не меняются.
func (m *MemoryRepository) UpsertRateSpec(_ context.Context, spec model.RateSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec.Source = "db"
	m.rateSpecs[spec.Key] = spec
	return nil
}

// GetTransaction возвращает транзакцию по ключу идемпотентности.
func (m *MemoryRepository) GetTransaction(_ context.Context, correlationID string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.correlations[correlationID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", model.ErrNotFound, correlationID)
	}
	tx := m.transactions[id]
	return &tx, nil
}

// ListFlags возвращает флаги, записанные по транзакции.
func (m *MemoryRepository) ListFlags(_ context.Context, transactionID int64) ([]model.FlagEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]model.FlagEntry(nil), m.flags[transactionID]...), nil
}

// ListPendingRevenue возвращает доли распределения по транзакции.
func (m *MemoryRepository) ListPendingRevenue(_ context.Context, transactionID int64) ([]model.PendingRevenue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]model.PendingRevenue(nil), m.pending[transactionID]...), nil
}

// CorruptAffiliateStats перезаписывает кэш статистики партнёра. Нужен для проверки сверки.
func (m *MemoryRepository) CorruptAffiliateStats(accountID, earnings, conversions int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats[accountID] = model.AffiliateStats{AccountID: accountID, TotalEarnings: earnings, TotalConversions: conversions}
}

// DeleteCommission удаляет запись о комиссии вместе с зачислением в кошелёк и статистику,
// моделируя потерянное начисление. Нужен для проверки сверки.
func (m *MemoryRepository) DeleteCommission(correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.correlations[correlationID]
	if !ok {
		return
	}
	rec, ok := m.commissions[id]
	if !ok {
		return
	}
	delete(m.commissions, id)

	w := m.wallets[rec.BeneficiaryID]
	w.Available -= rec.Amount
	w.LifetimeEarnings -= rec.Amount
	m.wallets[rec.BeneficiaryID] = w

	st := m.stats[rec.BeneficiaryID]
	st.TotalEarnings -= rec.Amount
	st.TotalConversions--
	m.stats[rec.BeneficiaryID] = st
}
