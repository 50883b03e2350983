package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/pairhedge/pairhedge/alert"
	"github.com/pairhedge/pairhedge/binance"
	"github.com/pairhedge/pairhedge/cmd/pairhedge/internal/config"
	"github.com/pairhedge/pairhedge/hedger"
	"github.com/pairhedge/pairhedge/internal/clock"
	"github.com/pairhedge/pairhedge/journal"
	plog "github.com/pairhedge/pairhedge/log"
	"github.com/pairhedge/pairhedge/monitor"
)

// App holds the wired engine for one process: one client, gateway, and
// monitor per account, the coordinator and manager over them, and the
// journal, log sink, and alert dispatcher they report through.
type App struct {
	Config  config.AppConfig
	Logger  *slog.Logger
	Journal *journal.Journal
	Manager *hedger.Manager

	sink       *journal.LogSink
	dispatcher *alert.Dispatcher

	workerCtx     context.Context
	cancelWorkers context.CancelFunc
}

// AppOptions configures application creation.
type AppOptions struct {
	Config config.AppConfig

	// Notifier overrides the webhook-derived notifier. Tests inject capture
	// implementations here.
	Notifier alert.Notifier
}

// NewApp wires the engine from configuration. The journal file is opened and
// the log sink started here; Run starts everything else.
func NewApp(opts AppOptions) (*App, error) {
	cfg := opts.Config

	accounts, err := config.ParseAccounts(cfg.Accounts)
	if err != nil {
		return nil, err
	}
	constraints, err := binance.NewConstraints(cfg.QuantityStep, cfg.PriceTick)
	if err != nil {
		return nil, err
	}

	var jnl *journal.Journal
	if cfg.JournalPath != "" {
		jnl, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}
	}

	var handler slog.Handler = config.GetLogHandler(cfg)
	if len(cfg.LogComponents) > 0 {
		handler = plog.NewComponentFilter(handler, cfg.LogComponents)
	}
	var sink *journal.LogSink
	if jnl != nil {
		sink = journal.NewLogSink(jnl, journal.WithMinLevel(config.LogLevel(cfg)))
		handler = plog.NewMultiHandler(handler, sink)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())

	fail := func(err error) (*App, error) {
		if sink != nil {
			sink.Close(context.Background())
		}
		if jnl != nil {
			jnl.Close()
		}
		return nil, err
	}

	notifier := alert.Notifier(alert.Nop{})
	var dispatcher *alert.Dispatcher
	switch {
	case opts.Notifier != nil:
		notifier = opts.Notifier
	case cfg.AlertWebhook != "":
		dispatcher = alert.NewDispatcher(alert.NewWebhook(cfg.AlertWebhook), logger)
		notifier = dispatcher
	}

	policy := binance.RetryPolicy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay}
	venues := make([]hedger.Venue, 0, len(accounts))
	for _, account := range accounts {
		client, err := binance.NewClient(account, cfg.BaseURL,
			binance.WithRetryPolicy(policy),
			binance.WithRecvWindow(cfg.RecvWindow),
			binance.WithRateGate(binance.NewRateGate(cfg.RequestSpacing, clock.System())),
			binance.WithNotifier(notifier),
			binance.WithClientLogger(logger),
		)
		if err != nil {
			return fail(fmt.Errorf("account %q: %w", account.Label, err))
		}
		gateway := binance.NewGateway(client, constraints, logger)
		venues = append(venues, hedger.Venue{
			Exchange: gateway,
			Watcher:  monitor.New(gateway, monitor.WithLogger(logger)),
		})
	}

	recorder := hedger.Recorder(hedger.NopRecorder{})
	if jnl != nil {
		recorder = jnl
	}

	coordinator, err := hedger.NewCoordinator(hedger.Config{
		Symbol:   cfg.Symbol,
		Leverage: cfg.Leverage,
		Sizing: hedger.SizingPolicy{
			BaseQuantity:     cfg.BaseQuantity,
			MultMin:          cfg.QtyMultMin,
			MultMax:          cfg.QtyMultMax,
			MinQuantity:      cfg.MinQuantity,
			MaxQuantity:      cfg.MaxQuantity,
			MaxPositionValue: cfg.MaxPositionValue,
		},
		RehangAttempts: cfg.RehangAttempts,
		OrderWait:      cfg.OrderWait,
		HoldMin:        cfg.HoldMin,
		HoldMax:        cfg.HoldMax,
		Tolerance:      cfg.ReconcileTolerance,
		MinBalance:     cfg.MinBalance,
	}, venues,
		hedger.WithLogger(logger),
		hedger.WithNotifier(notifier),
		hedger.WithRecorder(recorder),
	)
	if err != nil {
		return fail(fmt.Errorf("building coordinator: %w", err))
	}

	manager := hedger.NewManager(coordinator, hedger.ManagerConfig{
		CooldownMin:     cfg.CooldownMin,
		CooldownMax:     cfg.CooldownMax,
		FailureBackoff:  cfg.FailureBackoff,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	return &App{
		Config:        cfg,
		Logger:        logger,
		Journal:       jnl,
		Manager:       manager,
		sink:          sink,
		dispatcher:    dispatcher,
		workerCtx:     workerCtx,
		cancelWorkers: cancelWorkers,
	}, nil
}

// Run drives the engine until ctx is canceled, then runs the graceful
// teardown. Startup failures return without attempting teardown; the alert
// worker runs detached from ctx so shutdown failures still get delivered.
func (a *App) Run(ctx context.Context) error {
	ctx = plog.ContextWithLogger(ctx, a.Logger)
	if a.dispatcher != nil {
		a.dispatcher.Start(a.workerCtx)
	}
	if err := a.Manager.Run(ctx); err != nil {
		return err
	}
	return a.Manager.Shutdown(ctx)
}

// Close flushes and releases the reporting collaborators. Call after Run has
// returned.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.dispatcher != nil {
		a.dispatcher.Close(10 * time.Second)
	}
	a.cancelWorkers()
	if a.sink != nil {
		if err := a.sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing log sink: %w", err))
		}
	}
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing journal: %w", err))
		}
	}
	return errors.Join(errs...)
}
