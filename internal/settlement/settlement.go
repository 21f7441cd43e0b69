// Package settlement содержит единый путь расчёта подтверждённых платежей для всех каналов:
// живых событий, массового импорта и исправлений по итогам сверки.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/classifier"
	"github.com/mmeshcher/settlement-system/internal/commission"
	"github.com/mmeshcher/settlement-system/internal/membership"
	"github.com/mmeshcher/settlement-system/internal/metrics"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/rates"
	"github.com/mmeshcher/settlement-system/internal/resolver"
	"github.com/mmeshcher/settlement-system/internal/split"
	"github.com/mmeshcher/settlement-system/internal/validation"
)

// Repository описывает хранилище, которое использует расчёт.
type Repository interface {
	IngestTransaction(ctx context.Context, tx model.Transaction) (model.Transaction, bool, error)
	FailTransaction(ctx context.Context, id int64) (bool, error)
	Settle(ctx context.Context, plan model.SettlementPlan) (model.SettlementResult, error)
	FindCommissions(ctx context.Context, correlationIDs []string) (map[string]model.CommissionRecord, error)
}

// Resolver сопоставляет участников события с аккаунтами.
type Resolver interface {
	Resolve(ctx context.Context, id resolver.Identity) (model.Account, error)
	ResolveAffiliate(ctx context.Context, ref string) (model.Account, []model.FlagEntry, error)
	ResolveParty(ctx context.Context, email string, role model.Role) (model.Account, error)
}

// Notifier доставляет доменные события внешнему сервису уведомлений.
type Notifier interface {
	Notify(ctx context.Context, ev model.DomainEvent) error
}

// Config задаёт политики расчёта.
type Config struct {
	// Split политика распределения остатка; nil отключает распределение.
	Split *split.Policy
	// Membership политика разрешения конфликтов доступов.
	Membership membership.Policy
	// Now источник времени для событий без даты оплаты.
	Now func() time.Time
}

// Settler выполняет расчёт событий.
type Settler struct {
	repo     Repository
	resolver Resolver
	rates    rates.Source
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewSettler создаёт Settler. notifier может быть nil.
func NewSettler(repo Repository, res Resolver, src rates.Source, notifier Notifier, cfg Config, logger *zap.Logger) *Settler {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Settler{
		repo:     repo,
		resolver: res,
		rates:    src,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/mmeshcher/settlement-system/internal/settlement"),
	}
}

// Settle обрабатывает событие подтверждения платежа. Повторная доставка события по завершённой
// транзакции не имеет побочных эффектов и возвращает StatusDuplicate. Ошибку возвращают только
// некорректные события (model.ErrValidation) и сбои хранилища; остальные проблемы записываются
// флагами.
func (s *Settler) Settle(ctx context.Context, ev model.PaymentEvent, ch model.Channel) (Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.Settle", trace.WithAttributes(
		attribute.String("correlation_id", ev.CorrelationID),
		attribute.String("channel", string(ch)),
	))
	defer span.End()

	start := time.Now()
	out, err := s.settle(ctx, ev, ch)
	metrics.SettlementDuration.WithLabelValues(string(ch)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result := "error"
		if errors.Is(err, model.ErrValidation) {
			result = "rejected"
		}
		metrics.Settlements.WithLabelValues(string(ch), result).Inc()
		return out, err
	}

	span.SetAttributes(attribute.String("outcome", string(out.Status)))
	metrics.Settlements.WithLabelValues(string(ch), string(out.Status)).Inc()
	for _, f := range out.Flags {
		metrics.Flags.WithLabelValues(string(f.Flag)).Inc()
	}

	return out, nil
}

func (s *Settler) settle(ctx context.Context, ev model.PaymentEvent, ch model.Channel) (Outcome, error) {
	if err := validation.PaymentEvent(ev); err != nil {
		return Outcome{CorrelationID: ev.CorrelationID, Channel: ch}, err
	}

	cls := classifier.Classify(ev.ProductReference)
	out := Outcome{
		CorrelationID: ev.CorrelationID,
		Channel:       ch,
		Category:      cls.Category,
		Duration:      cls.Duration,
	}

	payer, err := s.resolver.Resolve(ctx, resolver.Identity{
		Email:      ev.PayerEmail,
		Name:       ev.PayerName,
		ExternalID: ev.PayerExternalID,
	})
	if err != nil {
		return out, fmt.Errorf("resolve payer: %w", err)
	}
	out.PayerID = payer.ID

	var affiliate *model.Account
	if ev.AffiliateReference != "" {
		acc, flags, err := s.resolver.ResolveAffiliate(ctx, ev.AffiliateReference)
		if err != nil {
			return out, fmt.Errorf("resolve affiliate: %w", err)
		}
		affiliate = &acc
		out.Flags = append(out.Flags, flags...)
	}

	paidAt := ev.PaidAt
	if paidAt.IsZero() {
		paidAt = s.cfg.Now()
	}

	tx := model.Transaction{
		CorrelationID:    ev.CorrelationID,
		Amount:           ev.Amount,
		Category:         cls.Category,
		Duration:         cls.Duration,
		ProductReference: ev.ProductReference,
		PayerID:          payer.ID,
		Channel:          ch,
		PaidAt:           paidAt,
	}
	if affiliate != nil {
		tx.AffiliateID = &affiliate.ID
	}

	tx, created, err := s.repo.IngestTransaction(ctx, tx)
	if err != nil {
		return out, fmt.Errorf("ingest transaction: %w", err)
	}
	out.TransactionID = tx.ID
	out.TransactionStatus = tx.Status

	log := s.logger.With(
		zap.String("correlation_id", ev.CorrelationID),
		zap.Int64("transaction_id", tx.ID),
		zap.String("channel", string(ch)),
	)

	if tx.Status.IsTerminal() {
		if ch == model.ChannelReconcile && tx.Status == model.StatusSuccess && ev.Status == model.StatusSuccess {
			return s.repair(ctx, out, tx, ev, affiliate, log)
		}
		log.Info("duplicate event ignored", zap.String("status", string(tx.Status)))
		return duplicate(out), nil
	}

	switch ev.Status {
	case model.StatusPending:
		if created {
			log.Info("transaction recorded")
		}
		out.Status = StatusRecorded
		return out, nil
	case model.StatusFailed:
		ok, err := s.repo.FailTransaction(ctx, tx.ID)
		if err != nil {
			return out, fmt.Errorf("fail transaction: %w", err)
		}
		if !ok {
			return duplicate(out), nil
		}
		log.Info("transaction failed")
		out.Status = StatusFailed
		out.TransactionStatus = model.StatusFailed
		return out, nil
	}

	plan := s.plan(ctx, tx, ev, affiliate, paidAt, cls, out.Flags, log)
	if err := s.addShares(ctx, &plan, tx.Amount); err != nil {
		return out, err
	}

	res, err := s.repo.Settle(ctx, plan)
	if err != nil {
		return out, fmt.Errorf("settle transaction: %w", err)
	}
	if !res.Applied {
		log.Info("settlement lost the race, treating as duplicate")
		return duplicate(out), nil
	}

	out = s.fill(out, res)
	out.Status = StatusSettled
	out.TransactionStatus = model.StatusSuccess

	log.Info("transaction settled",
		zap.Int64("amount", tx.Amount),
		zap.Int64("commission", out.Commission),
		zap.String("membership", string(out.Membership)),
		zap.Int("flags", len(out.Flags)),
	)
	s.logFlags(log, out.Flags)
	s.publish(ctx, out, tx, res, log)

	return out, nil
}

// repair дозачисляет комиссию по завершённой транзакции, для которой записи о комиссии нет.
// Вызывается только из сверки.
func (s *Settler) repair(ctx context.Context, out Outcome, tx model.Transaction, ev model.PaymentEvent,
	affiliate *model.Account, log *zap.Logger) (Outcome, error) {
	existing, err := s.repo.FindCommissions(ctx, []string{tx.CorrelationID})
	if err != nil {
		return out, fmt.Errorf("find commission: %w", err)
	}
	if _, ok := existing[tx.CorrelationID]; ok {
		return duplicate(out), nil
	}

	plan := s.plan(ctx, tx, ev, affiliate, tx.PaidAt, classifier.Result{Category: tx.Category, Duration: tx.Duration}, out.Flags, log)
	plan.Repair = true
	plan.Membership = nil
	if plan.Commission == nil {
		log.Info("nothing to repair")
		return duplicate(out), nil
	}
	if err := s.addShares(ctx, &plan, tx.Amount); err != nil {
		return out, err
	}

	res, err := s.repo.Settle(ctx, plan)
	if err != nil {
		return out, fmt.Errorf("repair transaction: %w", err)
	}
	if res.Blocked {
		out.Status = StatusReview
		out.Flags = res.Flags
		log.Warn("repair blocked, commission exceeds unallocated amount")
		s.logFlags(log, out.Flags)
		return out, nil
	}
	if !res.Applied {
		return duplicate(out), nil
	}

	out = s.fill(out, res)
	out.Status = StatusRepaired
	log.Info("missing commission repaired", zap.Int64("commission", out.Commission))
	s.logFlags(log, out.Flags)
	s.publish(ctx, out, tx, res, log)

	return out, nil
}

func (s *Settler) plan(ctx context.Context, tx model.Transaction, ev model.PaymentEvent, affiliate *model.Account,
	paidAt time.Time, cls classifier.Result, flags []model.FlagEntry, log *zap.Logger) model.SettlementPlan {
	plan := model.SettlementPlan{
		TransactionID: tx.ID,
		PayerID:       tx.PayerID,
		Flags:         append([]model.FlagEntry(nil), flags...),
	}

	beneficiary := tx.AffiliateID
	if beneficiary == nil && affiliate != nil {
		beneficiary = &affiliate.ID
		plan.AffiliateID = beneficiary
	}

	if beneficiary != nil {
		spec, err := s.rates.Lookup(ctx, ev.ProductReference, cls.Category)
		if err != nil {
			log.Warn("rate lookup failed, using zero commission", zap.Error(err))
			flag, ok := model.FlagFor(err)
			if !ok {
				flag = model.FlagDependencyUnavailable
			}
			plan.Flags = append(plan.Flags, model.FlagEntry{Flag: flag, Detail: err.Error()})
			spec = nil
		}

		c := commission.Calculate(tx.Amount, spec)
		if c.UnknownRate {
			plan.Flags = append(plan.Flags, model.FlagEntry{
				Flag:   model.FlagUnknownRate,
				Detail: "no rate for product " + strconv.Quote(ev.ProductReference),
			})
		}
		if c.Amount > 0 {
			plan.Commission = &model.CommissionRecord{
				BeneficiaryID: *beneficiary,
				Amount:        c.Amount,
				RateType:      c.RateType,
				RateValue:     c.RateValue,
				RateSource:    c.RateSource,
			}
		}
	}

	if cand, ok := membership.NewCandidate(cls.Category, cls.Duration, paidAt, &tx.ID); ok {
		policy := s.cfg.Membership
		plan.Membership = func(existing []model.MembershipGrant) model.MembershipDecision {
			return membership.Decide(existing, cand, policy)
		}
	}

	return plan
}

func (s *Settler) addShares(ctx context.Context, plan *model.SettlementPlan, amount int64) error {
	if s.cfg.Split == nil {
		return nil
	}

	var commissionAmount int64
	if plan.Commission != nil {
		commissionAmount = plan.Commission.Amount
	}

	alloc := s.cfg.Split.Allocate(amount, commissionAmount)
	for _, p := range alloc.Portions {
		acc, err := s.resolver.ResolveParty(ctx, p.Email, p.Role)
		if err != nil {
			return fmt.Errorf("resolve split party %s: %w", p.Role, err)
		}
		plan.Shares = append(plan.Shares, model.Share{AccountID: acc.ID, Role: p.Role, Amount: p.Amount})
	}

	return nil
}

func (s *Settler) fill(out Outcome, res model.SettlementResult) Outcome {
	out.Flags = res.Flags
	out.Shares = res.Shares
	out.Membership = res.Membership.Action
	out.Grant = res.Grant
	if res.Commission != nil {
		out.Commission = res.Commission.Amount
		out.BeneficiaryID = res.Commission.BeneficiaryID
		metrics.CommissionAmount.Add(float64(res.Commission.Amount))
	}
	return out
}

func (s *Settler) logFlags(log *zap.Logger, flags []model.FlagEntry) {
	for _, f := range flags {
		log.Warn("settlement flag recorded", zap.String("flag", string(f.Flag)), zap.String("detail", f.Detail))
	}
}

func duplicate(out Outcome) Outcome {
	out.Status = StatusDuplicate
	out.Duplicate = true
	out.Flags = nil
	return out
}

// publish отправляет доменные события после фиксации расчёта. Ошибка доставки не откатывает расчёт.
func (s *Settler) publish(ctx context.Context, out Outcome, tx model.Transaction, res model.SettlementResult, log *zap.Logger) {
	if s.notifier == nil {
		return
	}

	var events []model.DomainEvent
	evContext := map[string]string{
		"transaction_id": strconv.FormatInt(tx.ID, 10),
		"product":        tx.ProductReference,
		"channel":        string(out.Channel),
	}

	if res.Commission != nil {
		events = append(events, model.DomainEvent{
			Type:      model.EventCommissionCredited,
			AccountID: res.Commission.BeneficiaryID,
			Amount:    res.Commission.Amount,
			Context:   evContext,
		})
	}

	switch res.Membership.Action {
	case model.ActionCreated, model.ActionUpgraded, model.ActionExtended, model.ActionMerged:
		if res.Grant != nil {
			events = append(events, model.DomainEvent{
				Type:      model.EventMembershipActivated,
				AccountID: out.PayerID,
				Tier:      res.Grant.Tier,
				Context:   evContext,
			})
		}
	}

	for _, ev := range events {
		ev.ID = uuid.NewString()
		ev.CorrelationID = tx.CorrelationID
		ev.OccurredAt = s.cfg.Now()
		if err := s.notifier.Notify(ctx, ev); err != nil {
			metrics.NotifyFailures.WithLabelValues(string(ev.Type)).Inc()
			log.Warn("notify failed", zap.String("event", string(ev.Type)), zap.Error(err))
		}
	}
}
