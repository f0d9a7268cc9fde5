package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/MailPipe/internal/api"
	"github.com/BTreeMap/MailPipe/internal/batcher"
	"github.com/BTreeMap/MailPipe/internal/callback"
	"github.com/BTreeMap/MailPipe/internal/dispatch"
	"github.com/BTreeMap/MailPipe/internal/events"
	"github.com/BTreeMap/MailPipe/internal/lockfile"
	"github.com/BTreeMap/MailPipe/internal/mailapi"
	"github.com/BTreeMap/MailPipe/internal/messaging"
	"github.com/BTreeMap/MailPipe/internal/notify"
	"github.com/BTreeMap/MailPipe/internal/pool"
	"github.com/BTreeMap/MailPipe/internal/ratelimit"
	"github.com/BTreeMap/MailPipe/internal/recovery"
	"github.com/BTreeMap/MailPipe/internal/retention"
	"github.com/BTreeMap/MailPipe/internal/scheduler"
	"github.com/BTreeMap/MailPipe/internal/store"
)

const (
	// ShutdownTimeout bounds how long background components get to stop.
	ShutdownTimeout = 30 * time.Second
	// QueuedResetCron re-checks for stale queued messages on shared databases.
	QueuedResetCron = "@every 5m"
)

// ErrNoTransport is returned when neither the mail API nor SMTP is configured.
var ErrNoTransport = errors.New("no mail transport configured: set MAIL_API_URL or SMTP_HOST")

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	sender, err := buildSender(config)
	if err != nil {
		return err
	}

	dsnType := store.DetectDSNType(*flags.dbDSN)
	if dsnType == "sqlite" {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var rdb *redis.Client
	if config.RedisURL != "" {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	sendCfg := buildSendConfig(config, flags)
	limiter := buildLimiter(rdb, sendCfg.RateLimitPerSecond)

	runner := store.NewJobRunner(st, store.DefaultJobPollInterval)
	dispatchPool := pool.New("dispatch", config.DispatchWorkers)
	callbackPool := pool.New("callback", config.CallbackWorkers)

	dispatcher := dispatch.NewDispatcher(dispatchPool, dispatch.NewWorker(st, sender), dispatch.NewReconciler(st))
	batches := batcher.New(st, runner, dispatcher, limiter)
	runner.RegisterHandler(batcher.JobKind, batches.Handle)
	runner.RegisterGiveUpHandler(batcher.JobKind, batches.GiveUp)

	sweeper := retention.NewSweeper(st, runner, buildRetentionOptions(config)...)
	runner.RegisterHandler(retention.KindFinalized, sweeper.HandleFinalized)
	runner.RegisterHandler(retention.KindAbandoned, sweeper.HandleAbandoned)

	sinks := callback.NewRegistry()
	defer sinks.Close()
	machine := events.NewMachine(st, callbackPool, sinks)
	notifier := notify.NewHandler(machine, notify.WithDeduper(buildDeduper(rdb, st)))

	svc := messaging.NewEmailService(st, batches, sendCfg)
	apiOpts := append(buildAPIOptions(config, flags), api.WithHealthCheck(st.Ping))
	server := api.NewServer(svc, notifier, apiOpts...)

	cron := scheduler.NewScheduler()
	if err := cron.AddJob("retention", *flags.retentionCron, func(ctx context.Context) {
		if err := sweeper.Trigger(ctx); err != nil {
			slog.Error("retention trigger failed", "error", err)
		}
	}); err != nil {
		return err
	}

	queued := recovery.NewQueuedMessageRecovery(st, queuedStaleAfter(dsnType))
	if dsnType == "postgres" {
		// Other instances may crash mid-dispatch while this one keeps running.
		if err := cron.AddJob("queued-reset", QueuedResetCron, func(ctx context.Context) {
			if err := queued.RecoverState(ctx); err != nil {
				slog.Error("queued message reset failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}

	// The send configuration must be stored before recovery re-arms the scheduler.
	if _, err := st.SaveSendConfig(ctx, sendCfg); err != nil {
		return fmt.Errorf("save send configuration: %w", err)
	}

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.NewStaleJobRecovery(runner))
	rm.RegisterRecoverable(queued)
	rm.RegisterRecoverable(recovery.NewSchedulerRecovery(st, batches))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("startup recovery incomplete", "error", err)
	}

	dispatchPool.Start(context.Background())
	callbackPool.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()
	cron.Start()

	serverErr := server.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := cron.Stop(shutdownCtx); err != nil {
		slog.Warn("cron scheduler did not stop in time", "error", err)
	}
	wg.Wait()
	if err := dispatchPool.Stop(shutdownCtx); err != nil {
		slog.Warn("dispatch pool did not stop in time", "error", err)
	}
	if err := callbackPool.Stop(shutdownCtx); err != nil {
		slog.Warn("callback pool did not stop in time", "error", err)
	}
	return serverErr
}

// buildSender picks the mail transport: the HTTP mail API when configured, SMTP otherwise.
func buildSender(config Config) (mailapi.Sender, error) {
	switch {
	case config.MailAPIURL != "":
		slog.Info("using HTTP mail API", "url", config.MailAPIURL)
		return mailapi.NewHTTPSender(config.MailAPIURL), nil
	case config.SMTPHost != "":
		slog.Info("using SMTP transport", "host", config.SMTPHost, "port", config.SMTPPort)
		return mailapi.NewSMTPSender(config.SMTPHost, config.SMTPPort, config.SMTPUsername, config.SMTPPassword), nil
	default:
		return nil, ErrNoTransport
	}
}

// queuedStaleAfter is how old a queued claim must be before recovery resets it. The SQLite
// lockfile makes this process the only dispatcher, so every claim is stale at startup.
func queuedStaleAfter(dsnType string) time.Duration {
	if dsnType == "sqlite" {
		return 0
	}
	return recovery.DefaultQueuedStaleAfter
}

// buildLimiter shares the allowance through Redis when a client is given.
func buildLimiter(rdb *redis.Client, perSecond int) ratelimit.Limiter {
	cfg := ratelimit.PerSecond(perSecond, batcher.DefaultBatchSize)
	if rdb != nil {
		return ratelimit.NewRedisWindow(rdb, cfg)
	}
	return ratelimit.NewLocal(cfg)
}

// buildDeduper keeps notification ids in Redis when available, in the store otherwise.
func buildDeduper(rdb *redis.Client, st store.DedupRepo) notify.Deduper {
	if rdb != nil {
		return notify.NewRedisDeduper(rdb, notify.DefaultDedupTTL)
	}
	return notify.NewStoreDeduper(st)
}
