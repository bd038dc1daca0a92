// Package telemetry exposes Prometheus metrics for the HTTP surface and the
// workflow engine's commands.
package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TelemetryConfig holds the constant labels attached to every metric.
type TelemetryConfig struct {
	ServiceName string
	Environment string
	// ClassifyError turns a command error into a label value. Defaults to
	// "ok" for nil and "error" otherwise.
	ClassifyError func(error) string
	// ProcessMetrics adds the Go runtime and process collectors.
	ProcessMetrics bool
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "lims-server"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.ClassifyError == nil {
		c.ClassifyError = func(err error) string {
			if err == nil {
				return "ok"
			}
			return "error"
		}
	}
}

// TelemetryProvider owns a private registry so tests and multiple servers in
// one process do not collide.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	commands     *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	inFlight     prometheus.Gauge
}

func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": cfg.ServiceName, "env": cfg.Environment}

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "lims_commands_total",
			Help:        "Workflow commands by name and outcome.",
			ConstLabels: constLabels,
		}, []string{"command", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "HTTP requests by method, route and status code.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency.",
			ConstLabels: constLabels,
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Requests currently being served.",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(tp.commands, tp.httpRequests, tp.httpDuration, tp.inFlight)
	if cfg.ProcessMetrics {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return tp
}

func (tp *TelemetryProvider) Registry() *prometheus.Registry { return tp.registry }

// ObserveCommand counts one workflow command. It satisfies the engine's
// command observer.
func (tp *TelemetryProvider) ObserveCommand(command string, err error) {
	tp.commands.WithLabelValues(command, tp.cfg.ClassifyError(err)).Inc()
}

// GaugeFunc registers a gauge sampled from fn at scrape time, for values
// owned elsewhere such as websocket clients or pool connections.
func (tp *TelemetryProvider) GaugeFunc(name, help string, fn func() float64) error {
	return tp.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        name,
		Help:        help,
		ConstLabels: prometheus.Labels{"service": tp.cfg.ServiceName, "env": tp.cfg.Environment},
	}, fn))
}

// MetricsMiddleware records request count and latency keyed by the matched
// route pattern, so /samples/:id stays one series.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}
			tp.inFlight.Inc()
			start := time.Now()

			err := next(c)

			tp.inFlight.Dec()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			route := routeOf(c)
			method := c.Request().Method
			tp.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			tp.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	path := c.Request().URL.Path
	if strings.HasPrefix(path, "/api/v1/") {
		return "unmatched"
	}
	return path
}

// PrometheusHandler serves the registry in the text exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{}))
}
