package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openmast/openmast/pkg/telemetry"
	"github.com/openmast/openmast/pkg/watch"
)

func newServeCommand() *cobra.Command {
	var (
		manifestDir      string
		maxPasses        int
		readyAfter       int
		readinessTimeout time.Duration
		debounce         time.Duration
		metricsAddr      string
		traceExporter    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Watch a manifest directory and reconcile continuously",
		Long: `Run the orchestrator as a long-lived process.

Manifest files in the watched directory are loaded whenever they change
and reconciled to readiness. Prometheus metrics are exposed over HTTP,
and traces are exported when an exporter is configured.`,
		Example: `  # Watch ./manifests with metrics on :9090
  mast serve --manifests ./manifests

  # Slow backends, custom metrics address
  mast serve --manifests ./manifests --ready-after 3 --metrics-addr :9191`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, runtimeOptions{
				readyAfter:       readyAfter,
				readinessTimeout: readinessTimeout,
			})
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:       true,
				ListenAddress: metricsAddr,
				Path:          "/metrics",
				Namespace:     "openmast",
			})
			if err != nil {
				return err
			}
			if err := metrics.StartMetricsServer(); err != nil {
				return err
			}

			tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
				Enabled:      traceExporter != "none",
				Exporter:     traceExporter,
				SamplingRate: 1.0,
			}, "openmast", cmd.Root().Version, "local")
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				_ = tracer.Shutdown(shutdownCtx)
			}()

			handler := func(ctx context.Context, path string) {
				reconcileFile(ctx, rt, metrics, tracer, path, maxPasses)
			}

			watcher, err := watch.New(manifestDir, handler,
				watch.WithDebounce(debounce),
				watch.WithLogger(rt.logger),
			)
			if err != nil {
				return err
			}
			defer watcher.Close()

			log.Info().
				Str("manifests", manifestDir).
				Str("metrics", metricsAddr).
				Msg("Orchestrator running")

			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestDir, "manifests", "./manifests", "manifest directory to watch")
	cmd.Flags().IntVar(&maxPasses, "max-passes", 20, "maximum reconciliation passes per change")
	cmd.Flags().IntVar(&readyAfter, "ready-after", 0, "polls before local backends report ready")
	cmd.Flags().DurationVar(&readinessTimeout, "readiness-timeout", 0, "stall threshold for provisioning requests")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "quiet period before reacting to a file change")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "metrics listen address")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (otlp, stdout, none)")

	return cmd
}

// reconcileFile loads one changed manifest file and drives it to
// readiness, recording pass metrics along the way.
func reconcileFile(ctx context.Context, rt *runtime, metrics *telemetry.Metrics, tracer *telemetry.Tracer, path string, maxPasses int) {
	logger := rt.logger.With().Str("path", path).Logger()

	m, err := rt.codec.ParseFile(path)
	if err != nil {
		logger.Error().Err(err).Msg("Manifest rejected")
		return
	}

	generation, err := rt.store.PutManifest(ctx, m)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to store manifest")
		return
	}

	spanCtx, span := tracer.StartPassSpan(ctx, m.ID, generation)
	defer span.End()

	metrics.RecordPassStarted(m.ID)
	timer := telemetry.NewTimer()

	result, err := reconcileToReadiness(spanCtx, rt.orch, m.ID, maxPasses)
	outcome := "converged"
	switch {
	case err != nil:
		outcome = "failed"
		telemetry.RecordError(span, err)
		logger.Error().Err(err).Msg("Reconciliation failed")
	case result != nil && !result.Complete():
		outcome = "incomplete"
	default:
		telemetry.RecordSuccess(span)
	}
	metrics.RecordPassCompleted(m.ID, outcome, timer.Duration())

	if result != nil {
		logger.Info().
			Str("outcome", outcome).
			Int("ready", len(result.Ready)).
			Int("of", len(result.Ordered)).
			Msg("Reconciliation finished")
	}
}
