package scanner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrElectrify/memscan/pattern"
)

// DefaultParallelThreshold is the buffer size from which Scanner switches to the
// parallel search.
const DefaultParallelThreshold = 1 << 20

// Scanner is a reusable, concurrency-safe pattern searcher with telemetry.
type Scanner struct {
	workers   int
	threshold int
	metrics   *MetricsCollector
	inst      *Instruments
	tracer    trace.Tracer
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithWorkers sets the goroutine count of the parallel search (<= 0: NumCPU).
func WithWorkers(n int) Option {
	return func(s *Scanner) { s.workers = n }
}

// WithParallelThreshold sets the minimum buffer length searched in parallel.
// A negative value disables the parallel path.
func WithParallelThreshold(n int) Option {
	return func(s *Scanner) { s.threshold = n }
}

// WithMetrics attaches an in-process metrics collector.
func WithMetrics(m *MetricsCollector) Option {
	return func(s *Scanner) { s.metrics = m }
}

// WithInstruments replaces the default OpenTelemetry instruments.
func WithInstruments(inst *Instruments) Option {
	return func(s *Scanner) { s.inst = inst }
}

// NewScanner returns a Scanner. Without WithInstruments it records on the global
// meter provider, which is a no-op until otelinit configures one.
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{
		threshold: DefaultParallelThreshold,
		tracer:    otel.Tracer("memscan"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.inst == nil {
		if inst, err := NewInstruments(otel.Meter("memscan")); err == nil {
			s.inst = inst
		}
	}
	return s
}

// Scan searches buf for p. Results are the same as FindPattern regardless of which
// path runs.
func (s *Scanner) Scan(ctx context.Context, buf []byte, p pattern.Pattern) ([]Match, error) {
	ctx, span := s.tracer.Start(ctx, "scanner.Scan", trace.WithAttributes(
		attribute.Int("memscan.bytes", len(buf)),
		attribute.Int("memscan.pattern_len", p.Len()),
	))
	defer span.End()

	mode := "sequential"
	start := time.Now()
	var (
		matches []Match
		err     error
	)
	if s.threshold >= 0 && len(buf) >= s.threshold {
		mode = "parallel"
		matches, err = FindPatternParallel(ctx, buf, p, s.workers)
	} else {
		matches, err = FindPattern(buf, p)
	}
	elapsed := time.Since(start)

	s.inst.record(ctx, mode, len(buf), len(matches), elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if s.metrics != nil {
			s.metrics.RecordError()
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("memscan.matches", len(matches)))
	if s.metrics != nil {
		s.metrics.RecordScan(elapsed, len(matches), int64(len(buf)))
	}
	return matches, nil
}
