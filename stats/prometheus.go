package stats

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
)

// PrometheusConfig selects where and how the registry is exported
type PrometheusConfig struct {
	Listen    string
	Path      string
	Namespace string
	Subsystem string
	Interval  time.Duration
}

// Logger is what the exporter reports to
type Logger interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// Exporter serves a go-metrics registry in Prometheus format
type Exporter struct {
	cfg      PrometheusConfig
	log      Logger
	registry *prometheus.Registry
	provider *mp.PrometheusConfig
	handler  http.Handler
}

// NewPrometheus builds an exporter for r (metrics.DefaultRegistry when nil).
// Nothing is served until Run.
func NewPrometheus(l Logger, r metrics.Registry, cfg PrometheusConfig, version string) (*Exporter, error) {
	if cfg.Listen == "" {
		return nil, errors.New("stats listen address should not be empty")
	}
	if cfg.Path == "" {
		return nil, errors.New("stats path should not be empty")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("stats interval was an invalid duration: %s", cfg.Interval)
	}
	if r == nil {
		r = metrics.DefaultRegistry
	}

	pr := prometheus.NewRegistry()
	provider := mp.NewPrometheusProvider(r, cfg.Namespace, cfg.Subsystem, pr, cfg.Interval)

	// Export our version information as labels on a static gauge
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Subsystem: cfg.Subsystem,
		Name:      "info",
		Help:      "Version information for the fwspace binary",
		ConstLabels: prometheus.Labels{
			"version":   version,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{}))

	return &Exporter{
		cfg:      cfg,
		log:      l,
		registry: pr,
		provider: provider,
		handler:  mux,
	}, nil
}

// Handler serves the metrics endpoint
func (e *Exporter) Handler() http.Handler {
	return e.handler
}

// Run starts copying the registry into Prometheus and serves it until ctx is
// cancelled
func (e *Exporter) Run(ctx context.Context) error {
	go e.provider.UpdatePrometheusMetrics()

	ln, err := net.Listen("tcp", e.cfg.Listen)
	if err != nil {
		return fmt.Errorf("stats listen on %s: %w", e.cfg.Listen, err)
	}

	srv := &http.Server{Handler: e.handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if e.log != nil {
		e.log.Infof("Prometheus stats listening on %s at %s", ln.Addr(), e.cfg.Path)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CaptureRuntime registers and periodically samples Go runtime statistics
// into r until ctx is cancelled
func CaptureRuntime(ctx context.Context, r metrics.Registry, interval time.Duration) {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	metrics.RegisterRuntimeMemStats(r)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.CaptureRuntimeMemStatsOnce(r)
		}
	}
}
