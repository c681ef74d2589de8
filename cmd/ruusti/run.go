package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eltsu7/ruusti-tag/config"
	"github.com/eltsu7/ruusti-tag/discovery"
	"github.com/eltsu7/ruusti-tag/export"
	"github.com/eltsu7/ruusti-tag/internal/metrics"
	"github.com/eltsu7/ruusti-tag/internal/transport/goble"
	"github.com/eltsu7/ruusti-tag/poll"
	"github.com/eltsu7/ruusti-tag/registry"
	"github.com/eltsu7/ruusti-tag/ruuvi"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the collector",
	Long: `Runs the collector: discovers every configured tag, subscribes to its
data channel, then polls all subscribed tags on the configured interval and
writes each batch to InfluxDB.

Startup blocks until every configured tag is subscribed. Afterwards a
background reconciler re-attaches tags that drop off. Stop with Ctrl+C.`,
	RunE: runCollector,
}

var runConfigPath string

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "ruusti.yaml", "Path to configuration file")
}

func runCollector(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, logrus.InfoLevel)
	if err != nil {
		return err
	}

	// Configuration failures are the only fatal startup errors besides a
	// missing adapter.
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	m := metrics.New()
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				logger.WithError(err).Error("Metrics endpoint failed")
			}
		}()
		logger.WithField("listen", cfg.MetricsListen).Info("Metrics endpoint enabled")
	}

	reg, err := registry.New(cfg.Tags, m, logger)
	if err != nil {
		return err
	}
	defer reg.Close()
	go logTransitions(reg, logger)

	tr := goble.NewTransport(logger)
	mgr := discovery.NewManager(tr, reg, discovery.Options{
		DataCharacteristic: ruuvi.DataCharacteristic,
		ScanWindow:         cfg.ScanWindow.Std(),
		ConnectTimeout:     cfg.ConnectTimeout.Std(),
		RetryDelay:         cfg.RetryDelay.Std(),
	}, logger)

	progress := NewProgressPrinter("Discovering configured tags", "Scanning", "Subscribed")
	progress.Start()
	err = mgr.Run(ctx, progress.Callback())
	progress.Stop()
	if err != nil {
		return err
	}

	if interval := cfg.ReconcileInterval.Std(); interval > 0 {
		go mgr.Watch(ctx, interval)
	}

	pipeline := export.NewPipeline(cfg.Influx, m, logger)
	defer pipeline.Close()

	scheduler := poll.NewScheduler(reg, pipeline, poll.Options{
		Interval:      cfg.Interval.Std(),
		ReadTimeout:   cfg.ReadTimeout.Std(),
		MaxConcurrent: cfg.MaxConcurrentReads,
	}, m, logger)

	logger.WithFields(logrus.Fields{
		"devices":  reg.Len(),
		"interval": cfg.Interval.Std().String(),
	}).Info("Collector running")

	err = scheduler.Run(ctx)

	// Hand the adapter back cleanly: drop every live connection before the
	// process exits.
	reg.DisconnectAll()
	logger.Info("Collector stopped")
	return err
}

// logTransitions surfaces registry state changes in the process log. The
// event ring drops the oldest entries if this reader stalls, so it can
// never hold a transition up.
func logTransitions(reg *registry.Registry, logger *logrus.Logger) {
	for ev := range reg.Events() {
		entry := logger.WithFields(logrus.Fields{
			"device":  ev.Name,
			"address": ev.Address,
			"from":    ev.From,
			"to":      ev.To,
		})
		if ev.To == registry.StateFailed {
			entry.Warn("Device state changed")
		} else {
			entry.Info("Device state changed")
		}
	}
}
