package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrElectrify/memscan/internal/config"
	"github.com/MrElectrify/memscan/internal/otelinit"
	"github.com/MrElectrify/memscan/internal/resilience"
	"github.com/MrElectrify/memscan/scanner"
)

// Publisher delivers encoded match events. natsctx.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Server is the HTTP scanning service.
type Server struct {
	cfg     config.Struct
	scanner *scanner.Scanner
	rules   *scanner.HotReloadRuleSet
	stats   *scanner.MetricsCollector
	limiter *resilience.RateLimiter
	pub     Publisher
	metrics otelinit.Metrics
	started time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithRules serves /v1/scan/rules and /v1/rules from rules.
func WithRules(rules *scanner.HotReloadRuleSet) Option {
	return func(s *Server) { s.rules = rules }
}

// WithPublisher sends a MatchEvent for every scan that matched.
func WithPublisher(p Publisher) Option {
	return func(s *Server) { s.pub = p }
}

func WithMetrics(m otelinit.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithStats shares an in-process collector, e.g. with the rule set's scanner.
func WithStats(c *scanner.MetricsCollector) Option {
	return func(s *Server) { s.stats = c }
}

// New builds a Server from cfg.
func New(cfg config.Struct, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		stats:   scanner.NewMetricsCollector(),
		limiter: resilience.NewRateLimiter(cfg.Server.RateBurst, cfg.Server.RateLimit),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.scanner = scanner.NewScanner(
		scanner.WithWorkers(cfg.Scan.Workers),
		scanner.WithParallelThreshold(int(cfg.Scan.ParallelThreshold)),
		scanner.WithMetrics(s.stats),
	)
	if s.rules != nil {
		s.trackRules()
	}
	return s
}

// trackRules keeps the rule gauge and reload counter in step with the rule set.
func (s *Server) trackRules() {
	if s.metrics.RulesLoaded == nil || s.metrics.RuleReloads == nil {
		return
	}
	ctx := context.Background()
	loaded := int64(s.rules.Current().Len())
	s.metrics.RulesLoaded.Add(ctx, loaded)
	s.rules.OnReload(func(meta scanner.ReloadMetadata, err error) {
		if err != nil {
			s.metrics.RuleReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failure")))
			return
		}
		s.metrics.RuleReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
		s.metrics.RulesLoaded.Add(ctx, int64(meta.RuleCount)-loaded)
		loaded = int64(meta.RuleCount)
		slog.Info("rules reloaded", "count", meta.RuleCount, "version", meta.Version)
	})
}

// Handler returns the service routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/scan", s.handleScan)
	mux.HandleFunc("/v1/scan/rules", s.handleScanRules)
	mux.HandleFunc("/v1/rules", s.handleRules)
	mux.HandleFunc("/v1/rules/reload", s.handleReload)
	mux.HandleFunc("/v1/stats", s.handleStats)
	return mux
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("service started", "listen", s.cfg.Server.Listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutdown initiated")
	ctxSd, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxSd); err != nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}
