// Package reconcile сверяет начисления с выгрузкой внешней системы и исправляет пропуски
// через общий путь расчёта.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/checkpoint"
	"github.com/mmeshcher/settlement-system/internal/classifier"
	"github.com/mmeshcher/settlement-system/internal/commission"
	"github.com/mmeshcher/settlement-system/internal/importer"
	"github.com/mmeshcher/settlement-system/internal/metrics"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/rates"
	"github.com/mmeshcher/settlement-system/internal/settlement"
)

const (
	// DefaultJob имя задания для сохранения позиции.
	DefaultJob = "reconcile"
	// DefaultTolerance допустимое расхождение в минимальных единицах.
	DefaultTolerance = 1
)

// Store даёт доступ к записям о комиссиях и кэшу статистики партнёров.
type Store interface {
	FindCommissions(ctx context.Context, correlationIDs []string) (map[string]model.CommissionRecord, error)
	RefreshAffiliateStats(ctx context.Context) ([]model.StatsDrift, error)
}

// Settler рассчитывает одно событие.
type Settler interface {
	Settle(ctx context.Context, ev model.PaymentEvent, ch model.Channel) (settlement.Outcome, error)
}

// Options задаёт параметры сверки.
type Options struct {
	Job       string
	Tolerance int64
	Resume    bool
	// Fix применяет действия RESETTLE сразу после сверки.
	Fix bool
}

// Auditor выполняет сверку.
type Auditor struct {
	store   Store
	settler Settler
	rates   rates.Source
	tracker checkpoint.Tracker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New создаёт Auditor. tracker может быть nil.
func New(store Store, settler Settler, src rates.Source, tracker checkpoint.Tracker, logger *zap.Logger) *Auditor {
	return &Auditor{
		store:   store,
		settler: settler,
		rates:   src,
		tracker: tracker,
		logger:  logger,
		tracer:  otel.Tracer("github.com/mmeshcher/settlement-system/internal/reconcile"),
	}
}

// Audit сверяет каждую запись источника с записями о комиссиях. Журнал расчётов не меняется,
// пока не задан opts.Fix; кэш статистики партнёров пересчитывается всегда.
func (a *Auditor) Audit(ctx context.Context, src importer.Source, opts Options) (*Report, error) {
	if opts.Job == "" {
		opts.Job = DefaultJob
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}

	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Tolerance: opts.Tolerance,
	}

	ctx, span := a.tracer.Start(ctx, "reconcile.Audit", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Bool("fix", opts.Fix),
	))
	defer span.End()

	log := a.logger.With(zap.String("run_id", report.RunID))

	var resumeFrom int64
	if opts.Resume && a.tracker != nil {
		cp, err := a.tracker.Load(ctx, opts.Job)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if cp != nil {
			resumeFrom = cp.Position
			log.Info("resuming reconciliation", zap.Int64("position", cp.Position), zap.String("last_id", cp.LastID))
		}
	}

	for {
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read ground truth: %w", err)
		}

		pending := batch[:0:0]
		for _, rec := range batch {
			if rec.Position > resumeFrom {
				pending = append(pending, rec)
			}
		}
		if len(pending) == 0 {
			continue
		}

		entries, err := a.check(ctx, pending, opts.Tolerance)
		if err != nil {
			return nil, err
		}
		report.Entries = append(report.Entries, entries...)

		if a.tracker != nil {
			last := pending[len(pending)-1]
			if err := a.tracker.Save(ctx, opts.Job, checkpoint.Checkpoint{
				Position:  last.Position,
				LastID:    last.Payment.CorrelationID,
				RunID:     report.RunID,
				UpdatedAt: time.Now().UTC(),
			}); err != nil {
				log.Warn("failed to save checkpoint", zap.Error(err))
			}
		}
	}

	drift, err := a.store.RefreshAffiliateStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh affiliate stats: %w", err)
	}
	report.StatsDrift = drift

	report.aggregate()
	for _, e := range report.Entries {
		metrics.ReconcileRecords.WithLabelValues(string(e.Class)).Inc()
	}

	if opts.Fix {
		if err := a.Fix(ctx, report); err != nil {
			return report, err
		}
	}

	if a.tracker != nil {
		if err := a.tracker.Clear(ctx, opts.Job); err != nil {
			log.Warn("failed to clear checkpoint", zap.Error(err))
		}
	}

	report.FinishedAt = time.Now().UTC()
	span.SetAttributes(
		attribute.Int("missing", report.Totals.Missing),
		attribute.Int("drifted", report.Totals.Drifted),
	)
	log.Info("reconciliation finished",
		zap.Int("records", len(report.Entries)),
		zap.Int("matched", report.Totals.Matched),
		zap.Int("missing", report.Totals.Missing),
		zap.Int("drifted", report.Totals.Drifted),
		zap.Int("skipped", report.Totals.Skipped),
		zap.Int64("gap", report.Totals.Gap),
		zap.Int("stats_drift", len(report.StatsDrift)),
		zap.Int("fixed", report.Fixed),
	)

	return report, nil
}

func (a *Auditor) check(ctx context.Context, batch []importer.Record, tolerance int64) ([]Entry, error) {
	entries := make([]Entry, 0, len(batch))
	ids := make([]string, 0, len(batch))

	for _, rec := range batch {
		e := Entry{
			Position:      rec.Position,
			CorrelationID: rec.Payment.CorrelationID,
			Beneficiary:   rec.Payment.AffiliateReference,
			Product:       rec.Payment.ProductReference,
		}
		if rec.Payment.PaidAt != nil {
			e.Period = rec.Payment.PaidAt.UTC().Format("2006-01")
		}

		if rec.Err != nil {
			e.Class, e.Reason = ClassSkipped, rec.Err.Error()
			entries = append(entries, e)
			continue
		}
		ev, err := rec.Payment.ToEvent()
		if err != nil {
			e.Class, e.Reason = ClassSkipped, err.Error()
			entries = append(entries, e)
			continue
		}
		e.Event = &ev

		if ev.Status != model.StatusSuccess {
			e.Class, e.Reason = ClassSkipped, "status "+string(ev.Status)
			entries = append(entries, e)
			continue
		}

		expected, reason, err := a.expected(ctx, rec.Payment, ev)
		if err != nil {
			return nil, err
		}
		e.Expected, e.Reason = expected, reason
		entries = append(entries, e)
		ids = append(ids, ev.CorrelationID)
	}

	if len(ids) == 0 {
		return entries, nil
	}

	recs, err := a.store.FindCommissions(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("find commissions: %w", err)
	}

	for i := range entries {
		e := &entries[i]
		if e.Class != "" {
			continue
		}
		rec, ok := recs[e.CorrelationID]
		if ok {
			e.Actual = rec.Amount
		}
		e.Diff = e.Expected - e.Actual

		switch {
		case !ok && e.Expected > 0:
			e.Class, e.Action = ClassMissing, ActionResettle
		case !ok:
			e.Class = ClassSkipped
			if e.Reason == "" {
				e.Reason = "no commission expected"
			}
		case abs(e.Diff) > tolerance:
			e.Class, e.Action = ClassDrifted, ActionReview
		default:
			e.Class = ClassMatched
		}
	}

	return entries, nil
}

// expected возвращает ожидаемую комиссию: из выгрузки, если она её содержит, иначе по
// действующему правилу ставки. Без партнёра комиссия не ожидается.
func (a *Auditor) expected(ctx context.Context, rec model.PaymentRecord, ev model.PaymentEvent) (int64, string, error) {
	if ev.AffiliateReference == "" {
		return 0, "no affiliate", nil
	}
	if rec.Commission != nil {
		return rec.Commission.Round(0).IntPart(), "", nil
	}

	cls := classifier.Classify(ev.ProductReference)
	spec, err := a.rates.Lookup(ctx, ev.ProductReference, cls.Category)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, "", err
		}
		return 0, "rate unavailable: " + err.Error(), nil
	}

	c := commission.Calculate(ev.Amount, spec)
	if c.UnknownRate {
		return 0, "unknown rate", nil
	}
	return c.Amount, "", nil
}

// Fix применяет действия RESETTLE отчёта через расчёт с каналом RECONCILE. Повторный вызов
// безопасен: уже рассчитанные события возвращают DUPLICATE.
func (a *Auditor) Fix(ctx context.Context, report *Report) error {
	for i := range report.Entries {
		e := &report.Entries[i]
		if e.Action != ActionResettle || e.Applied || e.Event == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := a.settler.Settle(ctx, *e.Event, model.ChannelReconcile)
		if err != nil {
			a.logger.Warn("resettle failed", zap.String("correlation_id", e.CorrelationID), zap.Error(err))
			report.FixErrors = append(report.FixErrors, fmt.Sprintf("%s: %v", e.CorrelationID, err))
			continue
		}

		if out.Status == settlement.StatusReview {
			e.Action = ActionReview
			e.Reason = "commission exceeds unallocated amount"
			e.Result = string(out.Status)
			a.logger.Warn("resettle needs review", zap.String("correlation_id", e.CorrelationID))
			continue
		}

		e.Applied = true
		e.Result = string(out.Status)
		if out.Status == settlement.StatusSettled || out.Status == settlement.StatusRepaired {
			report.Fixed++
		}
		a.logger.Info("missing commission resettled",
			zap.String("correlation_id", e.CorrelationID),
			zap.String("result", e.Result),
			zap.Int64("commission", out.Commission),
		)
	}
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
