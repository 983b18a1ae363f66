package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetbroker/fleetbroker/pkg/broker"
	"github.com/fleetbroker/fleetbroker/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		pollInterval   time.Duration
		healthInterval time.Duration
		metricsAddr    string
		traceExporter  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker daemon",
		Long: `Run the reconciliation loop, the provider health monitor, and the
Prometheus metrics endpoint until interrupted. Open requests recovered
from the event store resume on the first tick.`,
		Example: `  # Run with the default template file and database
  fleetbroker serve

  # Faster polling against a dedicated database
  fleetbroker serve --db /var/lib/fleetbroker/events.db --poll-interval 5s

  # Export traces to a local OTLP collector
  fleetbroker serve --trace-exporter otlp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:   true,
				Namespace: "fleetbroker",
			})
			if err != nil {
				return err
			}

			cfg := broker.DefaultConfig()
			cfg.PollInterval = pollInterval

			rt, err := buildRuntime(ctx, cfg, metrics)
			if err != nil {
				return err
			}
			defer rt.close()

			if traceExporter != "" {
				tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
					Enabled:      true,
					Exporter:     traceExporter,
					Insecure:     true,
					SamplingRate: 1.0,
				}, "fleetbroker", cmd.Root().Version, "dev")
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = tracer.Shutdown(shutdownCtx)
				}()
			}

			go rt.registry.HealthCheckLoop(ctx, healthInterval)

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				if err := rt.store.HealthCheck(r.Context()); err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			})
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				rt.log.Infof("metrics listening on %s", metricsAddr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					rt.log.WithError(err).Error("metrics server failed")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			if err := rt.broker.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 10*time.Second, "reconciliation interval")
	cmd.Flags().DurationVar(&healthInterval, "health-interval", 30*time.Second, "provider probe interval")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "metrics endpoint address")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "", "trace exporter (otlp, stdout)")

	return cmd
}
