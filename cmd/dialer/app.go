package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/audit"
	"outbound-dialer/internal/auth"
	"outbound-dialer/internal/callflow"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/compliance"
	"outbound-dialer/internal/config"
	"outbound-dialer/internal/hopper"
	"outbound-dialer/internal/leads"
	"outbound-dialer/internal/metrics"
	"outbound-dialer/internal/pacing"
	"outbound-dialer/internal/reporting"
	"outbound-dialer/internal/routing"
	"outbound-dialer/internal/scheduler"
	"outbound-dialer/internal/telephony"
	"outbound-dialer/pkg/logger"
	"outbound-dialer/pkg/utils"
)

const slotPrefix = "dialer:slots:"

// app is the wired process. Nothing is started by newApp; serve starts the
// long-lived loops, the one-shot commands only use the services.
type app struct {
	cfg config.Config
	log *slog.Logger

	db  *sql.DB
	rdb *redis.Client

	metrics   *metrics.Metrics
	auth      *auth.Manager
	audit     *audit.Service
	notifier  *reporting.Service
	agents    *agents.Service
	watchdog  *agents.Watchdog
	slots     *utils.SlotCap
	worker    *callflow.Worker
	consumer  *callflow.Consumer
	scheduler *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	t := cfg.Tuning

	if cfg.Dialer.MetricsEnabled {
		a.metrics = metrics.New()
	}

	var err error
	a.auth, err = auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth init: %w", err)
	}

	a.db, err = utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("postgres init: %w", err)
	}

	a.rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		_ = a.db.Close()
		return nil, fmt.Errorf("redis init: %w", err)
	}

	campaignRepo := campaigns.NewPostgresRepo(a.db)
	callRepo := calls.NewPostgresRepo(a.db)
	leadRepo := leads.NewPostgresRepo(a.db)
	store := hopper.NewRedisStore(a.rdb)

	a.audit = audit.NewService(audit.NewPostgresRepo(a.db))
	a.notifier = reporting.NewService(reporting.NewRedisPublisher(a.rdb), reporting.DefaultChannel, 0,
		logger.Component(log, "reporting"), a.metrics)

	a.agents = agents.NewService(agents.NewPostgresRepo(a.db), t.Agents.HeartbeatTimeout,
		logger.Component(log, "agents"), a.metrics).
		WithNotifier(a.notifier).
		WithAuditor(a.audit).
		WithDispositions(callRepo).
		WithCampaigns(campaignRepo)
	a.watchdog = agents.NewWatchdog(a.agents, t.Agents.SweepInterval, logger.Component(log, "watchdog"))

	ari := telephony.NewARIClient(cfg.ARI.URL, cfg.ARI.User, cfg.ARI.Password, cfg.ARI.App,
		&http.Client{Timeout: 30 * time.Second})
	commands := telephony.NewRetrying(ari, telephony.PoliciesFromTuning(t.Retry), a.metrics)

	selector := routing.NewAgentSelector(a.agents, routing.NewRedisReserver(a.rdb, t.Agents.ReservationTTL),
		commands, t.Calls.AgentLegTimeout, logger.Component(log, "routing"))

	a.slots = utils.NewSlotCap(a.rdb, slotPrefix, t.Calls.SlotTTL)
	a.worker = callflow.NewWorker(callflow.Deps{
		Hopper:   store,
		Calls:    callRepo,
		Leads:    leadRepo,
		Agents:   a.agents,
		Selector: selector,
		Commands: commands,
		Slots:    a.slots,
		Notifier: a.notifier,
	}, t.Calls, logger.Component(log, "callflow"), a.metrics)

	stream := telephony.NewStream(cfg.ARIEventsURL(), logger.Component(log, "events"), a.metrics)
	a.consumer = callflow.NewConsumer(stream, a.worker, logger.Component(log, "consumer"))
	a.watchdog.With(agents.Sweep{Name: "orphan_calls", Run: a.worker.SweepOrphans})

	monitor := compliance.NewMonitor(campaignRepo, callRepo, t.Compliance,
		logger.Component(log, "compliance"), a.metrics).WithAuditor(a.audit)

	a.scheduler = scheduler.New(scheduler.Deps{
		Campaigns:  campaignRepo,
		Hopper:     store,
		Compliance: monitor,
		Collector:  pacing.NewCollector(a.agents, callRepo, t.Pacing),
		Refiller: hopper.NewRefiller(store, leads.NewSource(leadRepo), cfg.Dialer.WorkerID,
			t.Hopper.LeadLockTimeout, logger.Component(log, "refill"), a.metrics),
		Dialer: a.worker,
		Events: a.consumer,
	}, t, cfg.Dialer.WorkerID, logger.Component(log, "scheduler"), a.metrics)

	return a, nil
}

// start brings up the background loops used by serve. The event consumer can
// be left off and started later over the API.
func (a *app) start(ctx context.Context, events bool) error {
	a.notifier.Start(ctx)
	a.watchdog.Start(ctx)
	if events {
		a.consumer.Start(ctx)
	}

	n, err := a.scheduler.StartActive(ctx)
	if err != nil {
		return fmt.Errorf("start active campaigns: %w", err)
	}
	a.log.Info("dialer started", "campaigns", n, "worker_id", a.cfg.Dialer.WorkerID)
	return nil
}

// stop is the reverse of start. Campaign loops stop first so no new calls
// are originated while the event stream drains.
func (a *app) stop() {
	a.scheduler.StopAll()
	a.consumer.Stop()
	a.watchdog.Stop()
	a.notifier.Stop()
}

// ready reports whether both stores answer. The hopper and every repository
// fail closed without them.
func (a *app) ready(ctx context.Context) error {
	if err := utils.HealthCheck(ctx, a.db, 2*time.Second); err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
