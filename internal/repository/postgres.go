// Package repository содержит хранилища сервиса расчётов: PostgreSQL и хранилище в памяти.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/settlement-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const pendingRevenueStatus = "PENDING"

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(delays) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[i]):
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// EnsureAccount создаёт аккаунт вместе с кошельком в одной транзакции или возвращает
// существующий. Параллельные первые появления одного email сходятся к одной записи.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, acc model.Account) (model.Account, bool, error) {
	var (
		res     model.Account
		created bool
	)

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO accounts (email, name, external_id, role, active, placeholder)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (email) DO NOTHING`,
			acc.Email, acc.Name, acc.ExternalID, string(acc.Role), acc.Active, acc.Placeholder,
		)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		created = cmdTag.RowsAffected() == 1

		res, err = scanAccount(tx.QueryRow(ctx,
			`SELECT id, email, name, external_id, role, active, placeholder, created_at
			 FROM accounts WHERE email = $1`,
			acc.Email,
		))
		if err != nil {
			return fmt.Errorf("select account: %w", err)
		}

		if created {
			if _, err := tx.Exec(ctx,
				`INSERT INTO wallets (account_id) VALUES ($1) ON CONFLICT (account_id) DO NOTHING`,
				res.ID,
			); err != nil {
				return fmt.Errorf("insert wallet: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Account{}, false, err
	}

	return res, created, nil
}

func scanAccount(row pgx.Row) (model.Account, error) {
	var (
		a    model.Account
		role string
	)
	if err := row.Scan(&a.ID, &a.Email, &a.Name, &a.ExternalID, &role, &a.Active, &a.Placeholder, &a.CreatedAt); err != nil {
		return model.Account{}, err
	}
	a.Role = model.Role(role)
	return a, nil
}

// GetAccountByEmail возвращает аккаунт по email.
func (r *PostgresRepository) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx,
		`SELECT id, email, name, external_id, role, active, placeholder, created_at
		 FROM accounts WHERE email = $1`,
		email,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, email)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// GetWallet возвращает кошелёк аккаунта.
func (r *PostgresRepository) GetWallet(ctx context.Context, accountID int64) (*model.Wallet, error) {
	var w model.Wallet
	err := r.pool.QueryRow(ctx,
		`SELECT account_id, available, pending, lifetime_earnings, lifetime_payout, updated_at
		 FROM wallets WHERE account_id = $1`,
		accountID,
	).Scan(&w.AccountID, &w.Available, &w.Pending, &w.LifetimeEarnings, &w.LifetimePayout, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet %d", model.ErrNotFound, accountID)
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

// ListMemberships возвращает доступы аккаунта.
func (r *PostgresRepository) ListMemberships(ctx context.Context, accountID int64) ([]model.MembershipGrant, error) {
	return listGrants(ctx, r.pool, accountID, false)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listGrants(ctx context.Context, q querier, accountID int64, lock bool) ([]model.MembershipGrant, error) {
	query := `SELECT id, account_id, tier, family, start_date, end_date, status, transaction_id, updated_at
		 FROM membership_grants
		 WHERE account_id = $1
		 ORDER BY start_date, id`
	if lock {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("select memberships: %w", err)
	}
	defer rows.Close()

	var res []model.MembershipGrant
	for rows.Next() {
		var (
			g              model.MembershipGrant
			family, status string
		)
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Tier, &family, &g.StartDate, &g.EndDate, &status, &g.TransactionID, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		g.Family = model.TierFamily(family)
		g.Status = model.MembershipStatus(status)
		res = append(res, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const transactionColumns = `id, correlation_id, amount, status, category, duration, product_reference,
	payer_id, affiliate_id, channel, paid_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (model.Transaction, error) {
	var (
		t                                 model.Transaction
		status, category, duration, chann string
	)
	err := row.Scan(&t.ID, &t.CorrelationID, &t.Amount, &status, &category, &duration, &t.ProductReference,
		&t.PayerID, &t.AffiliateID, &chann, &t.PaidAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return model.Transaction{}, err
	}
	t.Status = model.TransactionStatus(status)
	t.Category = model.Category(category)
	t.Duration = model.Duration(duration)
	t.Channel = model.Channel(chann)
	return t, nil
}

// IngestTransaction сохраняет транзакцию в статусе PENDING, если ключ идемпотентности новый,
// и возвращает сохранённую запись.
func (r *PostgresRepository) IngestTransaction(ctx context.Context, t model.Transaction) (model.Transaction, bool, error) {
	var (
		res     model.Transaction
		created bool
	)

	err := r.withRetry(ctx, func() error {
		var err error
		res, err = scanTransaction(r.pool.QueryRow(ctx,
			`INSERT INTO transactions (correlation_id, amount, status, category, duration, product_reference,
			                           payer_id, affiliate_id, channel, paid_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (correlation_id) DO NOTHING
			 RETURNING `+transactionColumns,
			t.CorrelationID, t.Amount, string(model.StatusPending), string(t.Category), string(t.Duration),
			t.ProductReference, t.PayerID, t.AffiliateID, string(t.Channel), t.PaidAt,
		))
		if err == nil {
			created = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("insert transaction: %w", err)
		}

		created = false
		res, err = scanTransaction(r.pool.QueryRow(ctx,
			`SELECT `+transactionColumns+` FROM transactions WHERE correlation_id = $1`,
			t.CorrelationID,
		))
		if err != nil {
			return fmt.Errorf("select transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Transaction{}, false, err
	}

	return res, created, nil
}

// GetTransaction возвращает транзакцию по ключу идемпотентности.
func (r *PostgresRepository) GetTransaction(ctx context.Context, correlationID string) (*model.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE correlation_id = $1`,
		correlationID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %s", model.ErrNotFound, correlationID)
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &t, nil
}

// FailTransaction переводит транзакцию PENDING→FAILED. Возвращает false, если она уже завершена.
func (r *PostgresRepository) FailTransaction(ctx context.Context, id int64) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
		id, string(model.StatusFailed), string(model.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("fail transaction: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// errNotApplied прерывает транзакцию БД без ошибки для вызывающего: расчёт уже выполнен другим вызовом.
var errNotApplied = errors.New("settlement not applied")

// Settle атомарно переводит транзакцию в SUCCESS и применяет план расчёта: запись о комиссии,
// зачисления на кошельки, доли распределения, изменения доступов и флаги. Решение по доступам
// вычисляется под блокировкой строки аккаунта плательщика.
func (r *PostgresRepository) Settle(ctx context.Context, plan model.SettlementPlan) (model.SettlementResult, error) {
	var res model.SettlementResult

	err := r.withRetry(ctx, func() error {
		var err error
		res, err = r.settleTx(ctx, plan)
		return err
	})
	if errors.Is(err, errNotApplied) {
		return model.SettlementResult{}, nil
	}
	if err != nil {
		return model.SettlementResult{}, err
	}

	return res, nil
}

func (r *PostgresRepository) settleTx(ctx context.Context, plan model.SettlementPlan) (model.SettlementResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.SettlementResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	from := model.StatusPending
	if plan.Repair {
		from = model.StatusSuccess
	}
	var amount int64
	err = tx.QueryRow(ctx,
		`UPDATE transactions
		 SET status = $2, affiliate_id = COALESCE(affiliate_id, $4), updated_at = now()
		 WHERE id = $1 AND status = $3
		 RETURNING amount`,
		plan.TransactionID, string(model.StatusSuccess), string(from), plan.AffiliateID,
	).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SettlementResult{}, errNotApplied
	}
	if err != nil {
		return model.SettlementResult{}, fmt.Errorf("transition transaction: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM commission_records WHERE transaction_id = $1)`,
		plan.TransactionID,
	).Scan(&exists); err != nil {
		return model.SettlementResult{}, fmt.Errorf("check commission: %w", err)
	}
	if exists {
		return model.SettlementResult{}, errNotApplied
	}

	var payerRole string
	if err := tx.QueryRow(ctx,
		`SELECT role FROM accounts WHERE id = $1 FOR UPDATE`,
		plan.PayerID,
	).Scan(&payerRole); err != nil {
		return model.SettlementResult{}, fmt.Errorf("lock payer for update: %w", err)
	}

	if plan.Repair && plan.Commission != nil {
		var allocated int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM pending_revenue WHERE transaction_id = $1`,
			plan.TransactionID,
		).Scan(&allocated); err != nil {
			return model.SettlementResult{}, fmt.Errorf("sum pending revenue: %w", err)
		}
		if free := amount - allocated; plan.Commission.Amount > free {
			res := model.SettlementResult{Blocked: true}
			res.Flags = append(res.Flags, plan.Flags...)
			res.Flags = append(res.Flags, overAllocatedFlag(plan.Commission.Amount, free))
			if err := insertFlags(ctx, tx, plan.TransactionID, res.Flags); err != nil {
				return model.SettlementResult{}, err
			}
			if err := tx.Commit(ctx); err != nil {
				return model.SettlementResult{}, fmt.Errorf("commit tx: %w", err)
			}
			return res, nil
		}
	}

	res := model.SettlementResult{Applied: true}
	res.Flags = append(res.Flags, plan.Flags...)

	if c := plan.Commission; c != nil && c.Amount > 0 {
		rec, err := insertCommission(ctx, tx, plan.TransactionID, *c)
		if err != nil {
			return model.SettlementResult{}, err
		}
		res.Commission = &rec

		created, err := creditWallet(ctx, tx, rec.BeneficiaryID, rec.Amount, 0)
		if err != nil {
			return model.SettlementResult{}, err
		}
		if created {
			res.Flags = append(res.Flags, missingWalletFlag(rec.BeneficiaryID))
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO affiliate_stats (account_id, total_earnings, total_conversions)
			 VALUES ($1, $2, 1)
			 ON CONFLICT (account_id) DO UPDATE
			 SET total_earnings = affiliate_stats.total_earnings + EXCLUDED.total_earnings,
			     total_conversions = affiliate_stats.total_conversions + 1`,
			rec.BeneficiaryID, rec.Amount,
		); err != nil {
			return model.SettlementResult{}, fmt.Errorf("update affiliate stats: %w", err)
		}
	}

	for _, sh := range plan.Shares {
		if sh.Amount <= 0 {
			continue
		}
		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO pending_revenue (transaction_id, account_id, role, amount, status)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (transaction_id, role) DO NOTHING`,
			plan.TransactionID, sh.AccountID, string(sh.Role), sh.Amount, pendingRevenueStatus,
		)
		if err != nil {
			return model.SettlementResult{}, fmt.Errorf("insert pending revenue: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			continue
		}

		created, err := creditWallet(ctx, tx, sh.AccountID, 0, sh.Amount)
		if err != nil {
			return model.SettlementResult{}, err
		}
		if created {
			res.Flags = append(res.Flags, missingWalletFlag(sh.AccountID))
		}
		res.Shares = append(res.Shares, sh)
	}

	if plan.Membership != nil && !plan.Repair {
		existing, err := listGrants(ctx, tx, plan.PayerID, true)
		if err != nil {
			return model.SettlementResult{}, err
		}

		dec := plan.Membership(existing)
		res.Membership = dec
		res.Flags = append(res.Flags, dec.Flags...)

		grant, err := applyDecision(ctx, tx, plan.PayerID, dec)
		if err != nil {
			return model.SettlementResult{}, err
		}
		res.Grant = grant

		current := model.Role(payerRole)
		if role := model.UpgradeRole(current, dec.Role); role != current {
			if _, err := tx.Exec(ctx,
				`UPDATE accounts SET role = $2 WHERE id = $1`,
				plan.PayerID, string(role),
			); err != nil {
				return model.SettlementResult{}, fmt.Errorf("update role: %w", err)
			}
		}
	}

	if err := insertFlags(ctx, tx, plan.TransactionID, res.Flags); err != nil {
		return model.SettlementResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.SettlementResult{}, fmt.Errorf("commit tx: %w", err)
	}

	return res, nil
}

func insertFlags(ctx context.Context, tx pgx.Tx, transactionID int64, flags []model.FlagEntry) error {
	for _, f := range flags {
		if _, err := tx.Exec(ctx,
			`INSERT INTO settlement_flags (transaction_id, flag, detail) VALUES ($1, $2, $3)`,
			transactionID, string(f.Flag), f.Detail,
		); err != nil {
			return fmt.Errorf("insert flag: %w", err)
		}
	}
	return nil
}

func insertCommission(ctx context.Context, tx pgx.Tx, transactionID int64, c model.CommissionRecord) (model.CommissionRecord, error) {
	rec := c
	rec.TransactionID = transactionID

	err := tx.QueryRow(ctx,
		`INSERT INTO commission_records (transaction_id, beneficiary_id, amount, rate_type, rate_value, rate_source)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6)
		 ON CONFLICT (transaction_id) DO NOTHING
		 RETURNING id, created_at`,
		transactionID, c.BeneficiaryID, c.Amount, string(c.RateType), c.RateValue.String(), c.RateSource,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CommissionRecord{}, errNotApplied
		}
		return model.CommissionRecord{}, fmt.Errorf("insert commission: %w", err)
	}

	if err := tx.QueryRow(ctx,
		`SELECT correlation_id FROM transactions WHERE id = $1`, transactionID,
	).Scan(&rec.CorrelationID); err != nil {
		return model.CommissionRecord{}, fmt.Errorf("select correlation id: %w", err)
	}

	return rec, nil
}

// creditWallet атомарно увеличивает балансы кошелька. Возвращает true, если кошелька не было и он
// создан при зачислении.
func creditWallet(ctx context.Context, tx pgx.Tx, accountID, available, pending int64) (bool, error) {
	var inserted bool
	err := tx.QueryRow(ctx,
		`INSERT INTO wallets (account_id, available, pending, lifetime_earnings)
		 VALUES ($1, $2, $3, $2)
		 ON CONFLICT (account_id) DO UPDATE
		 SET available = wallets.available + EXCLUDED.available,
		     pending = wallets.pending + EXCLUDED.pending,
		     lifetime_earnings = wallets.lifetime_earnings + EXCLUDED.lifetime_earnings,
		     updated_at = now()
		 RETURNING (xmax = 0)`,
		accountID, available, pending,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("credit wallet %d: %w", accountID, err)
	}
	return inserted, nil
}

func applyDecision(ctx context.Context, tx pgx.Tx, accountID int64, dec model.MembershipDecision) (*model.MembershipGrant, error) {
	for _, id := range dec.Delete {
		if _, err := tx.Exec(ctx,
			`DELETE FROM membership_grants WHERE id = $1 AND account_id = $2`, id, accountID,
		); err != nil {
			return nil, fmt.Errorf("delete membership: %w", err)
		}
	}

	// Сначала отменяются вытесненные доступы, затем активируются остальные: активный доступ
	// одного семейства должен быть единственным в любой момент.
	ordered := make([]model.MembershipGrant, 0, len(dec.Update))
	for _, g := range dec.Update {
		if g.Status != model.MembershipActive {
			ordered = append(ordered, g)
		}
	}
	for _, g := range dec.Update {
		if g.Status == model.MembershipActive {
			ordered = append(ordered, g)
		}
	}

	var authoritative *model.MembershipGrant
	for _, g := range ordered {
		if _, err := tx.Exec(ctx,
			`UPDATE membership_grants
			 SET tier = $3, start_date = $4, end_date = $5, status = $6, updated_at = now()
			 WHERE id = $1 AND account_id = $2`,
			g.ID, accountID, g.Tier, g.StartDate, g.EndDate, string(g.Status),
		); err != nil {
			return nil, fmt.Errorf("update membership: %w", err)
		}
		if g.Status == model.MembershipActive {
			authoritative = &g
		}
	}

	if c := dec.Create; c != nil {
		g := *c
		g.AccountID = accountID
		if err := tx.QueryRow(ctx,
			`INSERT INTO membership_grants (account_id, tier, family, start_date, end_date, status, transaction_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, updated_at`,
			accountID, g.Tier, string(g.Family), g.StartDate, g.EndDate, string(g.Status), g.TransactionID,
		).Scan(&g.ID, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("insert membership: %w", err)
		}
		authoritative = &g
	}

	return authoritative, nil
}

// FindCommissions возвращает записи о комиссиях по ключам идемпотентности транзакций.
func (r *PostgresRepository) FindCommissions(ctx context.Context, correlationIDs []string) (map[string]model.CommissionRecord, error) {
	out := make(map[string]model.CommissionRecord, len(correlationIDs))
	if len(correlationIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.transaction_id, t.correlation_id, c.beneficiary_id, c.amount,
		        c.rate_type, c.rate_value::text, c.rate_source, c.paid_out, c.created_at
		 FROM commission_records c
		 JOIN transactions t ON t.id = c.transaction_id
		 WHERE t.correlation_id = ANY($1)`,
		correlationIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select commissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                 model.CommissionRecord
			rateType, rateValue string
		)
		if err := rows.Scan(&rec.ID, &rec.TransactionID, &rec.CorrelationID, &rec.BeneficiaryID, &rec.Amount,
			&rateType, &rateValue, &rec.RateSource, &rec.PaidOut, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		rec.RateType = model.RateType(rateType)
		if rec.RateValue, err = decimal.NewFromString(rateValue); err != nil {
			return nil, fmt.Errorf("parse rate value: %w", err)
		}
		out[rec.CorrelationID] = rec
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return out, nil
}

// RefreshAffiliateStats пересчитывает кэш статистики партнёров из записей о комиссиях и
// возвращает расхождения с прежними значениями.
func (r *PostgresRepository) RefreshAffiliateStats(ctx context.Context) ([]model.StatsDrift, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`WITH actual AS (
		     SELECT beneficiary_id AS account_id, SUM(amount)::bigint AS earnings, COUNT(*)::bigint AS conversions
		     FROM commission_records GROUP BY beneficiary_id
		 )
		 SELECT COALESCE(a.account_id, s.account_id),
		        COALESCE(s.total_earnings, 0), COALESCE(a.earnings, 0),
		        COALESCE(s.total_conversions, 0), COALESCE(a.conversions, 0)
		 FROM actual a
		 FULL OUTER JOIN affiliate_stats s ON s.account_id = a.account_id
		 WHERE COALESCE(s.total_earnings, 0) <> COALESCE(a.earnings, 0)
		    OR COALESCE(s.total_conversions, 0) <> COALESCE(a.conversions, 0)
		 ORDER BY 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("select stats drift: %w", err)
	}

	var drift []model.StatsDrift
	for rows.Next() {
		var d model.StatsDrift
		if err := rows.Scan(&d.AccountID, &d.CachedEarnings, &d.ActualEarnings, &d.CachedConversions, &d.ActualConversions); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stats drift: %w", err)
		}
		drift = append(drift, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO affiliate_stats (account_id, total_earnings, total_conversions, refreshed_at)
		 SELECT a.id, COALESCE(SUM(c.amount), 0)::bigint, COUNT(c.id)::bigint, now()
		 FROM accounts a
		 LEFT JOIN commission_records c ON c.beneficiary_id = a.id
		 WHERE a.id IN (SELECT beneficiary_id FROM commission_records UNION SELECT account_id FROM affiliate_stats)
		 GROUP BY a.id
		 ON CONFLICT (account_id) DO UPDATE
		 SET total_earnings = EXCLUDED.total_earnings,
		     total_conversions = EXCLUDED.total_conversions,
		     refreshed_at = EXCLUDED.refreshed_at`,
	); err != nil {
		return nil, fmt.Errorf("refresh affiliate stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return drift, nil
}

// GetRateSpec возвращает правило комиссии по ключу или nil.
func (r *PostgresRepository) GetRateSpec(ctx context.Context, key string) (*model.RateSpec, error) {
	var rateType, rateValue string
	err := r.pool.QueryRow(ctx,
		`SELECT rate_type, rate_value::text FROM rate_specs WHERE key = $1`,
		key,
	).Scan(&rateType, &rateValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get rate spec: %w", err)
	}

	value, err := decimal.NewFromString(rateValue)
	if err != nil {
		return nil, fmt.Errorf("parse rate value: %w", err)
	}

	return &model.RateSpec{Key: key, Type: model.RateType(rateType), Value: value, Source: "db"}, nil
}

// UpsertRateSpec сохраняет правило комиссии. Уже созданные записи о комиссиях хранят свою ставку
// и не меняются.
func (r *PostgresRepository) UpsertRateSpec(ctx context.Context, spec model.RateSpec) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rate_specs (key, rate_type, rate_value)
		 VALUES ($1, $2, $3::numeric)
		 ON CONFLICT (key) DO UPDATE
		 SET rate_type = EXCLUDED.rate_type, rate_value = EXCLUDED.rate_value, updated_at = now()`,
		spec.Key, string(spec.Type), spec.Value.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert rate spec: %w", err)
	}
	return nil
}
