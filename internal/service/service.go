// Package service связывает расчёт, импорт и сверку для HTTP-обработчиков и фоновых задач.
package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/importer"
	"github.com/mmeshcher/settlement-system/internal/legacy"
	"github.com/mmeshcher/settlement-system/internal/membership"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/reconcile"
	"github.com/mmeshcher/settlement-system/internal/resolver"
	"github.com/mmeshcher/settlement-system/internal/settlement"
)

// Repository описывает чтение аккаунтов, которое нужно сервису.
type Repository interface {
	Close() error
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	GetWallet(ctx context.Context, accountID int64) (*model.Wallet, error)
	ListMemberships(ctx context.Context, accountID int64) ([]model.MembershipGrant, error)
}

// Settler рассчитывает одно событие.
type Settler interface {
	Settle(ctx context.Context, ev model.PaymentEvent, ch model.Channel) (settlement.Outcome, error)
}

// Importer обрабатывает источник платежей.
type Importer interface {
	Import(ctx context.Context, src importer.Source, opts importer.Options) (*importer.ImportStats, error)
}

// Auditor сверяет начисления с выгрузкой.
type Auditor interface {
	Audit(ctx context.Context, src importer.Source, opts reconcile.Options) (*reconcile.Report, error)
}

// Memberships описывает доступы аккаунта.
type Memberships struct {
	AccountID    int64                   `json:"account_id"`
	Role         model.Role              `json:"role"`
	EffectiveEnd *time.Time              `json:"effective_end,omitempty"`
	Active       *model.MembershipGrant  `json:"active,omitempty"`
	Grants       []model.MembershipGrant `json:"grants"`
}

// Config задаёт параметры сервиса.
type Config struct {
	BatchSize   int
	ImportRate  float64
	Concurrency int
}

// Service реализует операции сервиса расчётов.
type Service struct {
	repo     Repository
	settler  Settler
	importer Importer
	auditor  Auditor
	legacy   *legacy.Client
	cfg      Config
	logger   *zap.Logger
}

// NewService создаёт сервис. legacyClient может быть nil, тогда периодическая сверка отключена.
func NewService(repo Repository, settler Settler, im Importer, auditor Auditor, legacyClient *legacy.Client, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		settler:  settler,
		importer: im,
		auditor:  auditor,
		legacy:   legacyClient,
		cfg:      cfg,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// HandlePayment нормализует входящую запись и рассчитывает её как живое событие.
func (s *Service) HandlePayment(ctx context.Context, rec model.PaymentRecord) (settlement.Outcome, error) {
	ev, err := rec.ToEvent()
	if err != nil {
		return settlement.Outcome{CorrelationID: rec.CorrelationID}, err
	}
	return s.settler.Settle(ctx, ev, model.ChannelLive)
}

// Import загружает записи в формате JSONL или CSV.
func (s *Service) Import(ctx context.Context, r io.Reader, format string, dryRun bool) (*importer.ImportStats, error) {
	var src importer.Source
	switch format {
	case "", "jsonl":
		src = importer.NewJSONLSource(r, s.cfg.BatchSize)
	case "csv":
		csvSrc, err := importer.NewCSVSource(r, s.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		src = csvSrc
	default:
		return nil, model.NewValidationError("format", "unsupported format "+format)
	}

	return s.importer.Import(ctx, src, importer.Options{
		Concurrency: s.cfg.Concurrency,
		Rate:        s.cfg.ImportRate,
		DryRun:      dryRun,
		Job:         "import-http",
	})
}

// Reconcile сверяет записи JSONL и при fix исправляет пропуски.
func (s *Service) Reconcile(ctx context.Context, r io.Reader, fix bool) (*reconcile.Report, error) {
	return s.auditor.Audit(ctx, importer.NewJSONLSource(r, s.cfg.BatchSize), reconcile.Options{
		Fix: fix,
		Job: "reconcile-http",
	})
}

func (s *Service) account(ctx context.Context, email string) (*model.Account, error) {
	email = resolver.NormalizeEmail(email)
	if email == "" {
		return nil, model.NewValidationError("email", "is required")
	}
	return s.repo.GetAccountByEmail(ctx, email)
}

// GetWallet возвращает кошелёк аккаунта по email.
func (s *Service) GetWallet(ctx context.Context, email string) (*model.Wallet, error) {
	acc, err := s.account(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.repo.GetWallet(ctx, acc.ID)
}

// GetMemberships возвращает доступы аккаунта по email.
func (s *Service) GetMemberships(ctx context.Context, email string) (*Memberships, error) {
	acc, err := s.account(ctx, email)
	if err != nil {
		return nil, err
	}

	grants, err := s.repo.ListMemberships(ctx, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}

	out := &Memberships{AccountID: acc.ID, Role: acc.Role, Grants: grants}
	if end := membership.EffectiveEnd(grants); !end.IsZero() {
		out.EffectiveEnd = &end
	}
	if g, ok := membership.Authoritative(grants); ok {
		out.Active = &g
	}
	if out.Grants == nil {
		out.Grants = []model.MembershipGrant{}
	}

	return out, nil
}

// StartReconcileUpdates периодически сверяет начисления с выгрузкой внешней системы и
// исправляет пропуски.
func (s *Service) StartReconcileUpdates(ctx context.Context, interval time.Duration) {
	if s.legacy == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processReconcileRun(ctx)
			}
		}
	}()
}

func (s *Service) processReconcileRun(ctx context.Context) {
	src := importer.FromPager(legacy.NewSalesSource(s.legacy, s.cfg.BatchSize, s.logger))

	report, err := s.auditor.Audit(ctx, src, reconcile.Options{Fix: true, Resume: true})
	if err != nil {
		s.logger.Error("scheduled reconciliation failed", zap.Error(err))
		return
	}

	s.logger.Info("scheduled reconciliation done",
		zap.String("run_id", report.RunID),
		zap.Int("missing", report.Totals.Missing),
		zap.Int("drifted", report.Totals.Drifted),
		zap.Int("fixed", report.Fixed),
	)
}
