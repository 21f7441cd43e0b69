// Package app собирает компоненты сервиса расчётов по конфигурации.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/settlement-system/internal/checkpoint"
	"github.com/mmeshcher/settlement-system/internal/config"
	"github.com/mmeshcher/settlement-system/internal/importer"
	"github.com/mmeshcher/settlement-system/internal/legacy"
	"github.com/mmeshcher/settlement-system/internal/model"
	"github.com/mmeshcher/settlement-system/internal/notify"
	"github.com/mmeshcher/settlement-system/internal/rates"
	"github.com/mmeshcher/settlement-system/internal/reconcile"
	"github.com/mmeshcher/settlement-system/internal/repository"
	"github.com/mmeshcher/settlement-system/internal/resolver"
	"github.com/mmeshcher/settlement-system/internal/service"
	"github.com/mmeshcher/settlement-system/internal/settlement"
)

// Store объединяет операции хранилища, которые используют компоненты.
type Store interface {
	service.Repository
	settlement.Repository
	reconcile.Store
	resolver.Store
	rates.Store
	UpsertRateSpec(ctx context.Context, spec model.RateSpec) error
}

// App содержит собранные компоненты.
type App struct {
	Store    Store
	Rates    *rates.Settings
	Legacy   *legacy.Client
	Settler  *settlement.Settler
	Importer *importer.Importer
	Auditor  *reconcile.Auditor
	Service  *service.Service

	closers []func() error
}

// New открывает хранилища и связывает компоненты. Без DATABASE_URI используется хранилище
// в памяти, без CHECKPOINT_DIR контрольные точки не переживают перезапуск.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{}
	if err := a.build(cfg, logger); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, logger *zap.Logger) error {
	var err error

	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			return fmt.Errorf("database initialization: %w", err)
		}
		a.Store = repo
	} else {
		logger.Warn("DATABASE_URI is empty, using in-memory storage")
		a.Store = repository.NewMemoryRepository()
	}
	a.closers = append(a.closers, a.Store.Close)

	if cfg.RatesFile != "" {
		a.Rates, err = rates.LoadFile(cfg.RatesFile)
		if err != nil {
			return err
		}
	} else {
		a.Rates, err = rates.File{}.Settings()
		if err != nil {
			return err
		}
	}
	logger.Info("rates loaded", zap.Int("rules", a.Rates.Table.Len()), zap.Bool("split", a.Rates.Split != nil))

	src := rates.NewGuarded(rates.Chain{a.Rates.Table, rates.NewDBSource(a.Store)}, cfg.LookupTimeout, logger)

	var dir resolver.Directory
	if cfg.LegacySystemAddress != "" {
		a.Legacy = legacy.NewClient(cfg.LegacySystemAddress)
		dir = legacy.NewDirectory(a.Legacy, cfg.LookupTimeout, logger)
	}

	notifier, err := a.notifier(cfg, logger)
	if err != nil {
		return err
	}

	tracker, err := a.tracker(cfg)
	if err != nil {
		return err
	}

	a.Settler = settlement.NewSettler(a.Store, resolver.New(a.Store, dir, logger), src, notifier, settlement.Config{
		Split:      a.Rates.Split,
		Membership: a.Rates.Membership,
	}, logger)
	a.Importer = importer.New(a.Settler, tracker, logger)
	a.Auditor = reconcile.New(a.Store, a.Settler, src, tracker, logger)
	a.Service = service.NewService(a.Store, a.Settler, a.Importer, a.Auditor, a.Legacy, service.Config{
		BatchSize:  cfg.ImportBatchSize,
		ImportRate: cfg.ImportRate,
	}, logger)

	return nil
}

func (a *App) notifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, error) {
	if cfg.NATSURL != "" {
		n, err := notify.NewNATSNotifier(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, n.Close)
		return notify.Fanout{n, notify.NewLogNotifier(logger)}, nil
	}

	bus := notify.NewGoChannel(logger)
	a.closers = append(a.closers, bus.Close)
	return notify.Fanout{notify.NewWatermillNotifier(bus), notify.NewLogNotifier(logger)}, nil
}

func (a *App) tracker(cfg *config.Config) (checkpoint.Tracker, error) {
	if cfg.CheckpointDir == "" {
		return checkpoint.NewMemoryTracker(), nil
	}

	db, err := checkpoint.OpenBadger(cfg.CheckpointDir)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return checkpoint.NewBadgerTracker(db), nil
}

// SyncRates сохраняет правила из файла в базу данных.
func (a *App) SyncRates(ctx context.Context) (int, error) {
	specs := a.Rates.Table.Specs()
	for _, spec := range specs {
		if err := a.Store.UpsertRateSpec(ctx, spec); err != nil {
			return 0, fmt.Errorf("upsert rate %s: %w", spec.Key, err)
		}
	}
	return len(specs), nil
}

// Close освобождает ресурсы в обратном порядке.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
