// Package importer переносит исторические платежи через тот же путь расчёта, что и живые события.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mmeshcher/settlement-system/internal/checkpoint"
	"github.com/mmeshcher/settlement-system/internal/classifier"
	"github.com/mmeshcher/settlement-system/internal/metrics"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/settlement"
	"github.com/mmeshcher/settlement-system/internal/validation"
)

const (
	// DefaultJob имя задания для сохранения позиции.
	DefaultJob = "import"

	maxAttempts        = 3
	defaultConcurrency = 8
)

// ErrAlreadyRunning возвращается при попытке запустить второй импорт параллельно.
var ErrAlreadyRunning = errors.New("import already in progress")

// Settler рассчитывает одно событие.
type Settler interface {
	Settle(ctx context.Context, ev model.PaymentEvent, ch model.Channel) (settlement.Outcome, error)
}

// Options задаёт параметры запуска.
type Options struct {
	Job         string
	Concurrency int
	// Rate ограничивает число записей в секунду; 0 без ограничения.
	Rate   float64
	DryRun bool
	Resume bool
	// Backoff пауза перед повторной попыткой, умножается на номер попытки.
	Backoff time.Duration
}

// Failure описывает запись, которую не удалось обработать.
type Failure struct {
	Position      int64  `json:"position"`
	CorrelationID string `json:"external_correlation_id"`
	Reason        string `json:"reason"`
	Attempts      int    `json:"attempts"`
}

// ImportStats описывает итог импорта.
type ImportStats struct {
	RunID      string    `json:"run_id"`
	Processed  int64     `json:"processed"`
	Settled    int64     `json:"settled"`
	Recorded   int64     `json:"recorded"`
	Failed     int64     `json:"failed"`
	Duplicates int64     `json:"duplicates"`
	Rejected   int64     `json:"rejected"`
	Errors     int64     `json:"errors"`
	Skipped    int64     `json:"skipped"`
	Flagged    int64     `json:"flagged"`
	Failures   []Failure `json:"failures,omitempty"`

	// Classified заполняется в пробном режиме: число записей по категориям.
	Classified map[model.Category]int64 `json:"classified,omitempty"`

	LastPosition int64     `json:"last_position"`
	LastID       string    `json:"last_id,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	DryRun       bool      `json:"dry_run"`
}

// Duration возвращает длительность импорта.
func (s *ImportStats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// RecordsPerSecond возвращает скорость обработки.
func (s *ImportStats) RecordsPerSecond() float64 {
	d := s.Duration().Seconds()
	if d == 0 {
		return 0
	}
	return float64(s.Processed) / d
}

// Importer обрабатывает источник пакетами.
type Importer struct {
	settler Settler
	tracker checkpoint.Tracker
	logger  *zap.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	running bool
}

// New создаёт Importer. tracker может быть nil, тогда позиция не сохраняется.
func New(settler Settler, tracker checkpoint.Tracker, logger *zap.Logger) *Importer {
	return &Importer{
		settler: settler,
		tracker: tracker,
		logger:  logger,
		tracer:  otel.Tracer("github.com/mmeshcher/settlement-system/internal/importer"),
	}
}

// Import читает источник до конца. Ошибка отдельной записи не прерывает импорт и попадает в
// ImportStats.Failures; ошибку возвращают только сбой чтения источника и отмена контекста.
func (im *Importer) Import(ctx context.Context, src Source, opts Options) (*ImportStats, error) {
	im.mu.Lock()
	if im.running {
		im.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	im.running = true
	im.mu.Unlock()
	defer func() {
		im.mu.Lock()
		im.running = false
		im.mu.Unlock()
	}()

	if opts.Job == "" {
		opts.Job = DefaultJob
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}

	run := &run{
		im:   im,
		opts: opts,
		stats: &ImportStats{
			RunID:     uuid.NewString(),
			StartTime: time.Now(),
			DryRun:    opts.DryRun,
		},
	}
	if opts.DryRun {
		run.stats.Classified = make(map[model.Category]int64)
	}
	if opts.Rate > 0 {
		run.limiter = rate.NewLimiter(rate.Limit(opts.Rate), 1)
	}

	ctx, span := im.tracer.Start(ctx, "importer.Import", trace.WithAttributes(
		attribute.String("run_id", run.stats.RunID),
		attribute.Bool("dry_run", opts.DryRun),
	))
	defer span.End()

	log := im.logger.With(zap.String("run_id", run.stats.RunID), zap.String("job", opts.Job))

	if opts.Resume && im.tracker != nil {
		cp, err := im.tracker.Load(ctx, opts.Job)
		if err != nil {
			return run.finish(), fmt.Errorf("load checkpoint: %w", err)
		}
		if cp != nil {
			run.resumeFrom = cp.Position
			log.Info("resuming import", zap.Int64("position", cp.Position), zap.String("last_id", cp.LastID))
		}
	}

	log.Info("import started", zap.Bool("dry_run", opts.DryRun))

	for {
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error("import aborted", zap.Error(err))
			return run.finish(), fmt.Errorf("read source: %w", err)
		}

		if err := run.batch(ctx, batch); err != nil {
			log.Warn("import interrupted", zap.Error(err))
			return run.finish(), err
		}

		stats := run.snapshot()
		log.Info("import progress",
			zap.Int64("processed", stats.Processed),
			zap.Int64("settled", stats.Settled),
			zap.Int64("rejected", stats.Rejected),
			zap.Int64("errors", stats.Errors),
			zap.Float64("records_per_second", stats.RecordsPerSecond()),
		)
	}

	if im.tracker != nil && !opts.DryRun {
		if err := im.tracker.Clear(ctx, opts.Job); err != nil {
			log.Warn("failed to clear checkpoint", zap.Error(err))
		}
	}

	stats := run.finish()
	span.SetAttributes(attribute.Int64("processed", stats.Processed), attribute.Int("failures", len(stats.Failures)))
	log.Info("import completed",
		zap.Int64("processed", stats.Processed),
		zap.Int64("settled", stats.Settled),
		zap.Int64("duplicates", stats.Duplicates),
		zap.Int64("rejected", stats.Rejected),
		zap.Int64("errors", stats.Errors),
		zap.Duration("duration", stats.Duration()),
	)

	return stats, nil
}

type run struct {
	im         *Importer
	opts       Options
	limiter    *rate.Limiter
	resumeFrom int64

	mu    sync.Mutex
	stats *ImportStats
}

func (r *run) snapshot() ImportStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := *r.stats
	s.Failures = append([]Failure(nil), r.stats.Failures...)
	return s
}

func (r *run) finish() *ImportStats {
	r.mu.Lock()
	r.stats.EndTime = time.Now()
	sort.SliceStable(r.stats.Failures, func(i, j int) bool {
		return r.stats.Failures[i].Position < r.stats.Failures[j].Position
	})
	r.mu.Unlock()
	s := r.snapshot()
	return &s
}

// batch обрабатывает пакет: записи с одним ключом идемпотентности идут по порядку, разные
// ключи обрабатываются параллельно.
func (r *run) batch(ctx context.Context, batch []Record) error {
	var (
		groups [][]Record
		index  = make(map[string]int)
	)
	for _, rec := range batch {
		if rec.Position <= r.resumeFrom {
			r.count("skipped", func(s *ImportStats) { s.Skipped++ })
			continue
		}
		key := rec.Payment.CorrelationID
		if rec.Err != nil || key == "" {
			groups = append(groups, []Record{rec})
			continue
		}
		if i, ok := index[key]; ok {
			groups[i] = append(groups[i], rec)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, []Record{rec})
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for _, group := range groups {
		g.Go(func() error {
			for _, rec := range group {
				if err := r.item(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(batch) == 0 {
		return nil
	}
	last := batch[len(batch)-1]

	r.mu.Lock()
	if last.Position > r.stats.LastPosition {
		r.stats.LastPosition = last.Position
		r.stats.LastID = last.Payment.CorrelationID
	}
	cp := checkpoint.Checkpoint{
		Position:  r.stats.LastPosition,
		LastID:    r.stats.LastID,
		RunID:     r.stats.RunID,
		UpdatedAt: time.Now().UTC(),
	}
	r.mu.Unlock()

	if r.im.tracker != nil && !r.opts.DryRun {
		if err := r.im.tracker.Save(ctx, r.opts.Job, cp); err != nil {
			r.im.logger.Warn("failed to save checkpoint", zap.Error(err))
		}
	}

	return nil
}

// item обрабатывает одну запись. Возвращает ошибку только при отмене контекста.
func (r *run) item(ctx context.Context, rec Record) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	r.count("", func(s *ImportStats) { s.Processed++ })

	if rec.Err != nil {
		r.reject(rec, rec.Err)
		return nil
	}
	ev, err := rec.Payment.ToEvent()
	if err != nil {
		r.reject(rec, err)
		return nil
	}

	if r.opts.DryRun {
		if err := validation.PaymentEvent(ev); err != nil {
			r.reject(rec, err)
			return nil
		}
		cls := classifier.Classify(ev.ProductReference)
		r.count("classified", func(s *ImportStats) { s.Classified[cls.Category]++ })
		return nil
	}

	var (
		out      settlement.Outcome
		attempts int
	)
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		out, err = r.im.settler.Settle(ctx, ev, model.ChannelImport)
		if err == nil || errors.Is(err, model.ErrValidation) {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempts == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.Backoff * time.Duration(attempts)):
		}
	}

	switch {
	case errors.Is(err, model.ErrValidation):
		r.reject(rec, err)
	case err != nil:
		r.im.logger.Error("import record failed",
			zap.Int64("position", rec.Position),
			zap.String("correlation_id", ev.CorrelationID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		r.fail("error", Failure{
			Position:      rec.Position,
			CorrelationID: ev.CorrelationID,
			Reason:        err.Error(),
			Attempts:      attempts,
		}, func(s *ImportStats) { s.Errors++ })
	default:
		r.outcome(out)
	}

	return nil
}

func (r *run) outcome(out settlement.Outcome) {
	var result string
	r.count("", func(s *ImportStats) {
		switch out.Status {
		case settlement.StatusSettled, settlement.StatusRepaired:
			s.Settled++
			result = "settled"
		case settlement.StatusRecorded:
			s.Recorded++
			result = "recorded"
		case settlement.StatusFailed:
			s.Failed++
			result = "failed"
		case settlement.StatusDuplicate:
			s.Duplicates++
			result = "duplicate"
		}
		if len(out.Flags) > 0 {
			s.Flagged++
		}
	})
	if result != "" {
		metrics.ImportRecords.WithLabelValues(result).Inc()
	}
}

func (r *run) reject(rec Record, err error) {
	r.fail("rejected", Failure{
		Position:      rec.Position,
		CorrelationID: rec.Payment.CorrelationID,
		Reason:        err.Error(),
	}, func(s *ImportStats) { s.Rejected++ })
}

func (r *run) fail(result string, f Failure, update func(*ImportStats)) {
	r.mu.Lock()
	update(r.stats)
	r.stats.Failures = append(r.stats.Failures, f)
	r.mu.Unlock()
	metrics.ImportRecords.WithLabelValues(result).Inc()
}

func (r *run) count(result string, update func(*ImportStats)) {
	r.mu.Lock()
	update(r.stats)
	r.mu.Unlock()
	if result != "" {
		metrics.ImportRecords.WithLabelValues(result).Inc()
	}
}
