// Package metrics exposes live control loop state to Prometheus. Only the
// current values are kept; history is left to the scraper.
package metrics

import (
	"context"
	"net"
	"net/http"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ipmictl"

type collector struct {
	registry *prometheus.Registry

	temperature       prometheus.Gauge
	target            prometheus.Gauge
	output            prometheus.Gauge
	fanSpeed          prometheus.Gauge
	consecutiveErrors prometheus.Gauge
	lastSuccess       prometheus.Gauge
	iterations        prometheus.Counter
	failures          prometheus.Counter
	safetyActions     prometheus.Counter
}

type service struct {
	*collector
	server *http.Server
	addr   string
	log    logger.Logger
	done   chan struct{}
}

// No-op implementation
type noopMetricsCollector struct{}

func newCollector() *collector {
	c := &collector{
		registry: prometheus.NewRegistry(),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Highest temperature across all sensors",
		}),
		target: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_temperature_celsius",
			Help:      "Controller setpoint",
		}),
		output: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controller_output_percent",
			Help:      "Unrounded controller output",
		}),
		fanSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fan_speed_percent",
			Help:      "Fan speed last commanded to the BMC",
		}),
		consecutiveErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_errors",
			Help:      "Control iterations failed in a row",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful control iteration",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Successful control iterations",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iteration_failures_total",
			Help:      "Failed control iterations",
		}),
		safetyActions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_actions_total",
			Help:      "Times the safety fan speed was applied",
		}),
	}

	c.registry.MustRegister(
		c.temperature,
		c.target,
		c.output,
		c.fanSpeed,
		c.consecutiveErrors,
		c.lastSuccess,
		c.iterations,
		c.failures,
		c.safetyActions,
	)

	return c
}

// NewService returns a collector serving /metrics on cfg.Address, or a no-op
// collector when metrics are disabled. The listener is bound before
// returning so address errors surface at startup.
func NewService(cfg Config, log logger.Logger) (MetricsCollector, error) {
	errFactory := errors.New()
	log = log.With("metrics")

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If metrics is disabled, return a no-op collector
	if !cfg.Enabled {
		log.Debug().Msg("Metrics collection disabled, using no-op collector")
		return &noopMetricsCollector{}, nil
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, errFactory.Wrap(ErrListenFailed, err)
	}

	s := &service{
		collector: newCollector(),
		addr:      ln.Addr().String(),
		log:       log,
		done:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	log.Info().Str("address", s.addr).Msg("Serving metrics")

	return s, nil
}

func (c *collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *collector) Record(ctx context.Context, snapshot *MetricsSnapshot) error {
	errFactory := errors.New()

	if snapshot == nil {
		return errFactory.New(ErrInvalidMetrics)
	}
	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrOperationTimeout, err)
	}

	c.temperature.Set(snapshot.Temperature)
	c.target.Set(snapshot.Target)
	c.output.Set(snapshot.Output)
	c.fanSpeed.Set(float64(snapshot.FanSpeed))
	c.consecutiveErrors.Set(0)
	c.lastSuccess.Set(float64(snapshot.Timestamp.Unix()))
	c.iterations.Inc()

	return nil
}

func (c *collector) RecordFailure(consecutiveErrors int) {
	c.failures.Inc()
	c.consecutiveErrors.Set(float64(consecutiveErrors))
}

func (c *collector) RecordSafetyAction() {
	c.safetyActions.Inc()
}

func (*collector) Close() error {
	return nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}
	<-s.done

	s.log.Debug().Msg("Metrics server stopped")

	return nil
}

// No-op implementation
func (*noopMetricsCollector) Record(_ context.Context, _ *MetricsSnapshot) error {
	return nil
}

func (*noopMetricsCollector) RecordFailure(int) {}

func (*noopMetricsCollector) RecordSafetyAction() {}

func (*noopMetricsCollector) Close() error {
	return nil
}
