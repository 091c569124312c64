package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studiofleet/internal/health"
	"studiofleet/internal/registry"
	"studiofleet/pkg/auditlog"
	"studiofleet/pkg/eventlog"
	"studiofleet/pkg/events"
	"studiofleet/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// handleServe runs the fleet controller as a long-lived daemon: the
// continuous health monitor (C5), the event-log and audit-log sinks, and
// (if configured) the Prometheus scrape endpoint. It blocks until SIGINT or
// SIGTERM, the same shutdown handshake cmd/maestro uses.
func handleServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", "", "address to serve /metrics on (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	_, _, life, reg, bus, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	mon := health.New(cfg, reg, life, bus)

	logPath := cfg.AssetsDir + "/logs"
	if err := os.MkdirAll(logPath, 0o755); err != nil {
		log.Warn("serve: could not create event log dir %s: %v", logPath, err)
	}
	writer, err := eventlog.NewWriter(logPath)
	if err != nil {
		log.Warn("serve: event log disabled: %v", err)
	} else {
		defer writer.Close()
		writer.Subscribe(bus.Subscribe())
	}

	audit, err := auditlog.Open(cfg.AssetsDir + "/.studio-audit.db")
	if err != nil {
		log.Warn("serve: audit log disabled: %v", err)
	} else {
		defer audit.Close()
		audit.Subscribe(bus.Subscribe())
	}

	m := metrics.New()
	wireMetrics(bus, m, reg)

	var metricsSrv *metrics.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = metrics.NewServer(cfg.MetricsAddr)
		metricsSrv.Start()
		log.Info("serve: metrics listening on %s", cfg.MetricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	mon.Start(ctx)
	log.Info("serve: health monitor started, watching %d..%d", cfg.MinPort, cfg.MaxPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("serve: received signal %v, shutting down", sig)

	mon.Stop()
	cancel()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := metricsSrv.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "serve: metrics server shutdown: %v\n", err)
		}
	}

	log.Info("serve: shutdown complete")
	return nil
}

// wireMetrics subscribes to the bus to keep the counters current and polls
// the registry on a short interval to keep the instance gauge current,
// without threading a metrics.Registry through every component.
func wireMetrics(bus *events.Bus, m *metrics.Registry, reg *registry.Registry) {
	sub := bus.Subscribe(events.StudioUnhealthy, events.StudioRecovered, events.RecoveryFailed,
		events.StudioLaunched, events.StudioAdopted, events.StudioStopped)
	go func() {
		for ev := range sub.Events() {
			portLabel := fmt.Sprint(ev.Port)
			switch ev.Name {
			case events.StudioUnhealthy:
				m.HealthFailuresTotal.WithLabelValues(portLabel).Inc()
			case events.StudioRecovered:
				m.RecoveryAttemptsTotal.WithLabelValues(portLabel, "success").Inc()
			case events.RecoveryFailed:
				m.RecoveryAttemptsTotal.WithLabelValues(portLabel, "failure").Inc()
			case events.StudioLaunched, events.StudioAdopted, events.StudioStopped:
				m.SetInstanceCounts(countByStatus(reg.Instances()))
			}
		}
	}()
}
