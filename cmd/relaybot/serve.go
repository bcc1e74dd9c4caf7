package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/journal"
	"relaybot/internal/memory"
	"relaybot/internal/metrics"
	"relaybot/internal/notify"
	"relaybot/internal/provider"
	"relaybot/internal/relay"
	"relaybot/internal/schedule"
	"relaybot/internal/telegram"

	"github.com/spf13/cobra"
)

const (
	eventHistory    = 500
	shutdownTimeout = 15 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook relay",
		Long:  "Starts the Telegram webhook server, the relay workers and the housekeeping scheduler. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.RequireToken(cfg); err != nil {
		return err
	}
	closeLog := setupLogger(cfg.General)
	defer closeLog()
	telegram.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(eventHistory, logger)

	tg := telegram.NewClient(telegram.ClientConfig{
		Token:        cfg.Telegram.Token,
		APIBase:      cfg.Telegram.APIBase,
		ParseMode:    cfg.Telegram.ParseMode,
		MaxFileBytes: cfg.Telegram.MaxAttachmentBytes,
		Logger:       logger,
	})
	bot, err := resolveIdentity(ctx, tg, cfg.Telegram)
	if err != nil {
		return err
	}

	backend := provider.NewOllama(provider.OllamaConfig{
		APIBase:      cfg.Backend.APIBase,
		DefaultModel: cfg.Backend.Model,
		Timeout:      cfg.Backend.Timeout,
		MaxConns:     cfg.Relay.Workers,
		Logger:       logger,
	})
	if err := backend.Healthy(ctx); err != nil {
		logger.Warn("backend unhealthy at startup", "backend", backend.Name(), "api_base", cfg.Backend.APIBase, "err", err)
	} else {
		logger.Info("backend healthy", "backend", backend.Name(), "model", backend.Model())
	}

	contexts := memory.NewContextStore(memory.ContextStoreConfig{
		TTL:        cfg.Context.TTL,
		MaxEntries: cfg.Context.MaxEntries,
		Logger:     logger,
	})

	orchestrator := relay.NewOrchestrator(relay.OrchestratorConfig{
		Classifier: relay.NewClassifier(bot),
		Resolver:   relay.NewAttachmentResolver(tg, logger),
		Builder: relay.NewBuilder(relay.BuilderConfig{
			Model:          cfg.Backend.Model,
			GreetingPrompt: cfg.Relay.GreetingPrompt,
			BotID:          bot.ID,
		}),
		Backend:   backend,
		Deliverer: tg,
		Contexts:  contexts,
		Events:    events,
		Logger:    logger,
	})

	pool := relay.NewPool(relay.PoolConfig{
		Workers:        cfg.Relay.Workers,
		QueueSize:      cfg.Relay.QueueSize,
		EnqueueTimeout: cfg.Relay.EnqueueTimeout,
		TaskTimeout:    cfg.Relay.TaskTimeout,
		MaxTasks:       cfg.Relay.TaskHistory,
		Events:         events,
		Logger:         logger,
	}, orchestrator)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		collector := metrics.NewMetricsCollector("relaybot")
		relayMetrics := metrics.NewRelay(collector)
		relayMetrics.Subscribe(events)
		relayMetrics.TrackPool(pool.QueueDepth, pool.InFlight, contexts.Len)
		metricsHandler = collector.Handler()
	}

	sched := schedule.NewScheduler(logger)
	if err := sched.Add(schedule.JobContextSweep, cfg.Context.SweepSchedule, schedule.SweepContexts(contexts, events)); err != nil {
		return err
	}
	if cfg.Relay.TaskRetention > 0 {
		if err := sched.Add(schedule.JobTaskClean, "@every "+cfg.Relay.TaskRetention.String(), schedule.CleanTasks(pool, cfg.Relay.TaskRetention, logger)); err != nil {
			return err
		}
	}

	var store domain.OutcomeJournal
	if cfg.Journal.Enabled {
		sqlite, err := journal.Open(cfg.Journal.DBPath, logger)
		if err != nil {
			return fmt.Errorf("outcome journal: %w", err)
		}
		defer sqlite.Close()
		store = sqlite
		journal.Subscribe(events, store, logger)
		retention := time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
		if err := sched.Add(schedule.JobJournalPrune, cfg.Journal.PruneSchedule, schedule.PruneJournal(store, retention, nil)); err != nil {
			return err
		}
	}

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		pub, err := notify.NewAMQP(cfg.Notify.URL, cfg.Notify.Exchange, logger)
		if err != nil {
			return fmt.Errorf("notifier: %w", err)
		}
		notifier = notify.New(pub, notify.Config{
			RoutingPrefix: cfg.Notify.RoutingPrefix,
			Logger:        logger,
		})
		notifier.Subscribe(events)
	}

	webhook := channel.NewWebhook(channel.WebhookConfig{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Path:        cfg.Server.WebhookPath,
		MetricsPath: cfg.Metrics.Endpoint,
		Metrics:     metricsHandler,
		Pool:        pool,
		Events:      events,
		Logger:      logger,
	})

	// Not ctx: queued updates keep draining after a signal.
	pool.Start(context.Background())
	sched.Start()

	logger.Info("relay started",
		"version", version,
		"bot", bot.Username,
		"addr", webhook.Addr(),
		"workers", pool.Workers(),
	)

	serveErr := webhook.Start(ctx)
	if serveErr != nil {
		logger.Error("webhook server stopped", "err", serveErr)
		stop()
	}

	logger.Info("shutting down relay...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// The pool drains before the journal and notifier close.
	var errs []error
	if err := pool.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("notifier: %w", err))
		}
	}
	if serveErr != nil {
		errs = append(errs, serveErr)
	}

	if err := errors.Join(errs...); err != nil {
		logger.Warn("shutdown finished with errors", "err", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// resolveIdentity fills in the bot's id and username from getMe when the
// config does not pin them.
func resolveIdentity(ctx context.Context, tg *telegram.Client, cfg config.TelegramConfig) (domain.Sender, error) {
	bot := domain.Sender{ID: cfg.BotID, Username: cfg.BotUsername, IsBot: true}
	if bot.ID != 0 && bot.Username != "" {
		return bot, nil
	}

	idCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	me, err := tg.Identify(idCtx)
	if err != nil {
		return domain.Sender{}, fmt.Errorf("resolve bot identity (set telegram.botId and telegram.botUsername to skip): %w", err)
	}
	if bot.ID == 0 {
		bot.ID = me.ID
	}
	if bot.Username == "" {
		bot.Username = me.Username
	}
	logger.Info("bot identity", "id", bot.ID, "username", bot.Username)
	return bot, nil
}
