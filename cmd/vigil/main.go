package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vigil-edr/vigil/internal/api"
	"github.com/vigil-edr/vigil/internal/broker"
	"github.com/vigil-edr/vigil/internal/clock"
	"github.com/vigil-edr/vigil/internal/command"
	"github.com/vigil-edr/vigil/internal/config"
	"github.com/vigil-edr/vigil/internal/events"
	"github.com/vigil-edr/vigil/internal/ioc"
	"github.com/vigil-edr/vigil/internal/logging"
	"github.com/vigil-edr/vigil/internal/maintenance"
	"github.com/vigil-edr/vigil/internal/monitor"
	"github.com/vigil-edr/vigil/internal/notify"
	"github.com/vigil-edr/vigil/internal/registry"
	"github.com/vigil-edr/vigil/internal/storage"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}
	bus := events.New()

	store, err := storage.Open(cfg.DataDir, cfg.SaveInterval, log.Logger, clk)
	if err != nil {
		log.Error("failed to open data store", "error", err)
		os.Exit(1)
	}
	iocs, err := ioc.Open(cfg.DataDir, log.Logger, clk)
	if err != nil {
		log.Error("failed to open ioc store", "error", err)
		os.Exit(1)
	}
	audit, err := storage.OpenAudit(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		log.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer audit.Close()

	reg := registry.New(store.Agents, bus, clk, log.Logger)
	queue := command.NewQueue(clk, bus, log.Logger)
	results := command.NewResults(store.Results, log.Logger)

	b := broker.New(reg, queue, results, store.Matches, iocs, bus, clk, log.Logger, broker.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		InactivityTimeout: cfg.InactivityTimeout,
		IOCCheckInterval:  cfg.IOCCheckInterval,
	})
	publisher := ioc.NewPublisher(reg, queue, clk, log.Logger)

	// Build notification chain.
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, nil))
		log.Info("webhook notifications enabled", "url", cfg.WebhookURL)
	}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "", "", "", 0))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	multi := notify.NewMulti(log, notifiers...)
	go multi.Pump(ctx, bus)

	liveness := monitor.New(reg, b, clk, log.Logger, cfg.CheckInterval, cfg.PingTimeout)
	liveness.Start(ctx)
	defer liveness.Stop()

	sched := maintenance.New(store, results, reg, queue, iocs, clk, log.Logger, maintenance.Options{
		FlushSchedule:   cfg.FlushSchedule,
		ResultRetention: cfg.ResultRetention,
		MetricsTextfile: cfg.MetricsTextfile,
	})
	if err := sched.Start(); err != nil {
		log.Error("failed to start maintenance scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	srv := api.NewServer(api.Dependencies{
		Registry:      reg,
		Broker:        b,
		Queue:         queue,
		Results:       results,
		Matches:       store.Matches,
		IOCs:          iocs,
		Publisher:     publisher,
		Audit:         audit,
		Bus:           bus,
		Clock:         clk,
		Log:           log.Logger,
		CommandWindow: cfg.CommandWindow,
	})
	srv.SetTLS(cfg.TLSCert, cfg.TLSKey, cfg.TLSCA)

	go func() {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("vigil control plane started",
		"version", version,
		"addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"ioc_version", iocs.Version(),
		"agents", len(reg.All()),
	)

	if err := srv.ListenAndServe(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
	}

	// Flush durable state before exit so restarts pick up where we left off.
	if err := store.ForceSaveAll(); err != nil {
		log.Error("final state flush failed", "error", err)
	}
	log.Info("vigil control plane stopped")
}
