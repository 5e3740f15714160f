package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lucid-vigil/agentwatch/pkg/actions"
	"github.com/lucid-vigil/agentwatch/pkg/actions/log_alert"
	"github.com/lucid-vigil/agentwatch/pkg/actions/nats_publish"
	"github.com/lucid-vigil/agentwatch/pkg/api"
	"github.com/lucid-vigil/agentwatch/pkg/config"
	agerrors "github.com/lucid-vigil/agentwatch/pkg/errors"
	"github.com/lucid-vigil/agentwatch/pkg/events"
	"github.com/lucid-vigil/agentwatch/pkg/ingest"
	"github.com/lucid-vigil/agentwatch/pkg/logger"
	"github.com/lucid-vigil/agentwatch/pkg/metrics"
	"github.com/lucid-vigil/agentwatch/pkg/pipeline"
	"github.com/lucid-vigil/agentwatch/pkg/scheduler"
	"github.com/lucid-vigil/agentwatch/pkg/tasks"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the detection daemon",
	Long: `Tail agent event feeds, score every event and raise alerts.

The daemon watches ingest.dir for JSON Lines feeds, serves the HTTP API on
api_port and runs the housekeeping tasks. SIGINT or SIGTERM stops intake,
drains queued events and exits.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Component("agentwatch")
	log.Info().Str("version", Version).Msg("agentwatch starting...")
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIPort=%s", cfg.LogLevel, cfg.APIPort)

	analyzer, err := buildAnalyzer()
	if err != nil {
		log.Error().Err(err).Msg("Invalid rule set")
		return err
	}
	stats := analyzer.Stats()
	log.Info().
		Int("patterns", stats.PatternRules).
		Int("kill_chains", stats.KillChains).
		Int("correlations", stats.CorrelationRules).
		Msg("Detection engine ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	dedup := events.NewDeduplicator(cfg.Ingest.DedupWindow)
	defer dedup.Stop()

	pipe := pipeline.NewPipeline(analyzer, dedup, m, log)

	actionDispatcher, closeActions, err := buildActions(cfg, log)
	if err != nil {
		return err
	}
	defer closeActions()
	pipe.AddResultHandler(actionDispatcher)

	// Workers outlive the signal context so queued events are drained on shutdown.
	dispatcher := events.NewDispatcher(log, cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)
	dispatcher.Subscribe(pipe)
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	reader, err := ingest.NewReader(events.NewValidator(cfg.Ingest.MaxTargetBytes), agerrors.NewErrorHandler(log), log)
	if err != nil {
		return err
	}
	reader.OnReject(func(error) { m.IngestRejected.Inc() })

	sched := scheduler.NewScheduler(cfg, log)
	sched.RegisterTask(tasks.NewSessionSweeper(analyzer.Buffers(), m, log))
	sched.RegisterTask(tasks.NewResourceMonitor(m, log))
	sched.Start(ctx)

	server := api.NewServer(pipe, reader, dispatcher, reg, log)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.ListenAndServe(ctx, cfg.APIPort) }()

	watchErr := make(chan error, 1)
	if cfg.Ingest.Dir != "" {
		watcher := ingest.NewWatcher(cfg.Ingest.Dir, cfg.Ingest.Pattern, cfg.Ingest.FromStart, reader, log)
		go func() { watchErr <- watcher.Run(ctx, publishSink(dispatcher, m)) }()
	} else {
		log.Warn().Msg("ingest.dir not set; events are only accepted over the API")
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal. Shutting down gracefully...")
	case err := <-serverErr:
		runErr = err
		log.Error().Err(err).Msg("API server failed")
	case err := <-watchErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
			log.Error().Err(err).Msg("Feed watcher failed")
		}
	}
	stop()
	sched.Wait()

	log.Info().Msg("agentwatch stopped.")
	return runErr
}

// publishSink hands watched events to the dispatcher. A full queue drops the
// event without stopping the watcher.
func publishSink(dispatcher *events.Dispatcher, m *metrics.Metrics) ingest.Sink {
	return func(ev events.SecurityEvent) error {
		err := dispatcher.Publish(ev)
		switch {
		case errors.Is(err, events.ErrQueueFull):
			m.DispatchDropped.Inc()
			return nil
		case err != nil:
			return err
		}
		return nil
	}
}

// buildActions registers the configured alert actions. The returned func
// releases any connections they hold.
func buildActions(cfg *config.Config, log zerolog.Logger) (*actions.ActionDispatcher, func(), error) {
	ad := actions.NewActionDispatcher(cfg.Actions.Enabled, cfg.MinLevel(), log)
	cleanup := func() {}

	if cfg.Actions.LogAlert.Enabled {
		ad.RegisterAction(log_alert.NewLogAlertAction(log, cfg.Actions.LogAlert.PerSessionRate, cfg.Actions.LogAlert.Burst))
	}

	if cfg.Actions.NATS.Enabled {
		nc := cfg.Actions.NATS
		conn, err := nats_publish.Connect(nc.URL, nc.ClientName, nc.Timeout, log)
		if err != nil {
			return nil, cleanup, err
		}
		ad.RegisterAction(nats_publish.NewNATSPublishAction(conn, nc.SubjectPrefix))
		cleanup = func() { drainNATS(conn, log) }
	}

	log.Info().Strs("actions", ad.Names()).Str("min_level", string(cfg.MinLevel())).Msg("Alert actions ready")
	return ad, cleanup, nil
}

func drainNATS(conn *nats.Conn, log zerolog.Logger) {
	if err := conn.Drain(); err != nil {
		log.Warn().Err(err).Msg("Failed to drain NATS connection")
	}
}
