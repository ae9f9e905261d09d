// Command deskunit runs the desk unit core: beacon presence tracking, the
// offline-tolerant message queue, broker delivery, and the local UI gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/consultease/deskunit/internal/audit"
	"github.com/consultease/deskunit/internal/beacon"
	"github.com/consultease/deskunit/internal/bus"
	"github.com/consultease/deskunit/internal/config"
	"github.com/consultease/deskunit/internal/delivery"
	"github.com/consultease/deskunit/internal/gateway"
	"github.com/consultease/deskunit/internal/maintenance"
	otelPkg "github.com/consultease/deskunit/internal/otel"
	"github.com/consultease/deskunit/internal/persistence"
	"github.com/consultease/deskunit/internal/presence"
	"github.com/consultease/deskunit/internal/queue"
	"github.com/consultease/deskunit/internal/status"
	"github.com/consultease/deskunit/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.2-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	homeFlag := flag.String("home", "", "unit home directory (default: DESKUNIT_HOME or ~/.deskunit)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Parse()

	if *showVersion {
		fmt.Println("deskunit", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *homeFlag, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "deskunit:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, homeDir string, quiet bool) error {
	if homeDir == "" {
		homeDir = config.HomeDir()
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	quietLogs := quiet || !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	logger.Info("deskunit starting",
		"version", Version, "subject", cfg.Subject.ID, "home", cfg.HomeDir)

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutCtx)
	}()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	eventBus := bus.New()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	recorder := otelPkg.NewRecorder(metrics, eventBus)
	recorder.Start(ctx)
	defer recorder.Stop()

	// Queue, rehydrated from whatever the last session persisted.
	q := queue.New(queue.Config{Capacity: cfg.Queue.Capacity}, store, eventBus, logger)
	records, skipped, err := store.LoadMessages(ctx)
	if err != nil {
		logger.Error("load persisted messages", "error", err)
	}
	restored, dropped := q.Rehydrate(ctx, records, time.Now())
	logger.Info("queue rehydrated",
		"restored", restored, "dropped", dropped, "corrupt_rows", skipped)

	// Broker link. An unreachable broker is normal at boot; the link
	// reconnects in the background and the worker drains on link.up.
	topics := delivery.NewTopicSet(cfg.Link.TopicPrefix, cfg.Subject.ID)
	link, err := delivery.Dial(cfg.Link, cfg.LinkCredentials(), eventBus, provider.Tracer, logger)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer link.Close()

	// Presence: sightings bridge, machine, monitor.
	bridge, err := beacon.NewBridge(link, topics.Sightings, logger)
	if err != nil {
		return fmt.Errorf("subscribe sightings: %w", err)
	}
	defer bridge.Close()

	machine := presence.NewMachine(cfg.Presence, cfg.Subject.BeaconID, logger)
	monitor := presence.NewMonitor(machine, bridge, eventBus, store, cfg.Subject.ID, logger)
	monitor.RestoreFromSnapshot(ctx, time.Now())
	monitor.Start(ctx)
	defer monitor.Stop()

	// Status updates ride the queue like everything else outbound.
	statusPub := status.New(q, eventBus, topics.Status, cfg.Queue.StatusExpiry(), logger)
	statusPub.Start(ctx)
	defer statusPub.Stop()

	// Delivery worker and its acknowledgement subscription.
	worker := delivery.NewWorker(delivery.WorkerConfig{
		MaxRetryAttempts: cfg.Queue.MaxRetryAttempts,
		RetryInterval:    cfg.Queue.RetryInterval(),
		SendTimeout:      cfg.Link.SendTimeout(),
	}, q, link, eventBus, auditLog, logger)
	if err := worker.BindAcks(ctx, link, topics.Acks); err != nil {
		return fmt.Errorf("subscribe acks: %w", err)
	}
	worker.Start(ctx)
	defer worker.Stop()

	inbound, err := delivery.NewInboundHandler(q, eventBus, topics.Messages, cfg.Queue.MessageExpiry(), logger)
	if err != nil {
		return fmt.Errorf("init inbound handler: %w", err)
	}
	if err := inbound.Bind(ctx, link, topics.Messages); err != nil {
		return fmt.Errorf("subscribe inbound: %w", err)
	}

	heartbeat := delivery.NewHeartbeatEmitter(q, cfg.Subject.ID, topics.Heartbeat, cfg.Link.HeartbeatInterval(), logger)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	// Housekeeping on cron schedules.
	sched := maintenance.NewScheduler(logger, 30*time.Second)
	jobs := []struct {
		name string
		expr string
		run  maintenance.JobFunc
	}{
		{"expiry-sweep", cfg.Maintenance.SweepSchedule, maintenance.SweepJob(q, auditLog, logger)},
		{"presence-snapshot", cfg.Maintenance.SnapshotSchedule, maintenance.SnapshotJob(monitor)},
		{"stats-report", cfg.Maintenance.StatsSchedule, maintenance.StatsJob(q, monitor, auditLog, logger)},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.expr, j.run); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	// Config edits want a restart; say so instead of silently ignoring them.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Warn("config.yaml changed on disk; restart to apply")
			}
		}()
	}

	// Local UI gateway, foreground until shutdown.
	gw := gateway.New(gateway.Config{
		Queue:          q,
		Monitor:        monitor,
		Bus:            eventBus,
		Link:           link,
		Topics:         topics,
		Token:          cfg.Gateway.Token,
		ResponseExpiry: cfg.Queue.MessageExpiry(),
		Logger:         logger,
	})
	err = gw.Serve(ctx, cfg.Gateway.BindAddr)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}

	logger.Info("deskunit stopped")
	return nil
}
