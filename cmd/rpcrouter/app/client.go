package app

import (
	"context"
	"errors"
	"time"

	"github.com/ajitpratap0/mcp-router/pkg/client"
	"github.com/ajitpratap0/mcp-router/pkg/config"
	"github.com/ajitpratap0/mcp-router/pkg/logging"
	"github.com/ajitpratap0/mcp-router/pkg/observability"
)

const shutdownTimeout = 5 * time.Second

// newClient builds a client with the metrics and tracing the configuration
// asks for. One-shot commands pass monitor=false so no background probes
// run; the returned func releases everything.
func (c *cli) newClient(ctx context.Context, cfg *config.Config, monitor bool) (*client.Client, func(), error) {
	runCfg := *cfg
	runCfg.HealthMonitoring.Enabled = cfg.HealthMonitoring.Enabled && monitor

	opts := []client.Option{
		client.WithLogger(c.logger),
		client.WithCredentialResolver(config.DefaultCredentialResolver()),
	}

	var cleanups []func(context.Context)

	if cfg.Metrics.Enabled {
		metrics, err := observability.NewMetrics(observability.MetricsConfig{Namespace: cfg.Metrics.Namespace})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, client.WithMetrics(metrics))

		if cfg.Metrics.Address != "" && monitor {
			serveCtx, stop := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				c.logger.Info("serving metrics", logging.String("address", cfg.Metrics.Address))
				if err := metrics.Serve(serveCtx, cfg.Metrics.Address); err != nil {
					c.logger.WithError(err).Error("metrics server stopped")
				}
			}()
			cleanups = append(cleanups, func(context.Context) {
				stop()
				<-done
			})
		}
	}

	if cfg.Tracing.Enabled {
		tracer, err := observability.NewTracingProvider(observability.TracingConfigFromConfig(cfg.Tracing))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, client.WithTracer(tracer))
		cleanups = append(cleanups, func(ctx context.Context) {
			if err := tracer.Shutdown(ctx); err != nil {
				c.logger.WithError(err).Warn("tracer shutdown failed")
			}
		})
	}

	cl, err := client.New(runCfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := cl.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.WithError(err).Warn("shutdown failed")
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i](shutdownCtx)
		}
	}
	return cl, closeFn, nil
}
