package service

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrElectrify/memscan/internal/otelinit"
	"github.com/MrElectrify/memscan/pattern"
	"github.com/MrElectrify/memscan/scanner"
)

// MatchEvent is published for every scan that found at least one match.
type MatchEvent struct {
	Source    string              `json:"source"`
	Pattern   string              `json:"pattern,omitempty"`
	RuleSet   string              `json:"ruleset_hash,omitempty"`
	Bytes     int                 `json:"bytes"`
	Matches   []scanner.Match     `json:"matches,omitempty"`
	RuleHits  []scanner.RuleMatch `json:"rule_matches,omitempty"`
	Timestamp time.Time           `json:"ts"`
}

type scanResponse struct {
	Matches []scanner.Match `json:"matches"`
	Count   int             `json:"count"`
}

type ruleScanResponse struct {
	Matches []scanner.RuleMatch `json:"matches"`
	Count   int                 `json:"count"`
	RuleSet string              `json:"ruleset_hash"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Offset *int   `json:"offset,omitempty"`
	Token  string `json:"token,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	text := r.URL.Query().Get("pattern")
	p, err := pattern.Parse(text)
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		var pe *pattern.ParseError
		if errors.As(err, &pe) {
			resp.Offset, resp.Token = &pe.Offset, pe.Token
		}
		s.reject(w, r, http.StatusBadRequest, "parse", resp)
		return
	}
	if p.IsEmpty() {
		s.reject(w, r, http.StatusUnprocessableEntity, "empty_pattern", errorResponse{Error: scanner.ErrInvalidPattern.Error()})
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	ctx, end := otelinit.WithSpan(r.Context(), "scan.pattern")
	defer end()
	matches, err := s.scanner.Scan(ctx, body, p)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if len(matches) > 0 {
		s.publish(r, MatchEvent{Source: "pattern", Pattern: p.String(), Bytes: len(body), Matches: matches})
	}
	writeJSON(w, http.StatusOK, scanResponse{Matches: matches, Count: len(matches)})
}

func (s *Server) handleScanRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.rules == nil {
		s.reject(w, r, http.StatusServiceUnavailable, "no_rules", errorResponse{Error: "no rule set loaded"})
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	ctx, end := otelinit.WithSpan(r.Context(), "scan.rules")
	defer end()
	rs := s.rules.Current()
	matches, err := rs.Scan(ctx, body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.stats.RecordRuleHits(matches)
	if len(matches) > 0 {
		s.publish(r, MatchEvent{Source: "rules", RuleSet: rs.Hash(), Bytes: len(body), RuleHits: matches})
	}
	writeJSON(w, http.StatusOK, ruleScanResponse{Matches: matches, Count: len(matches), RuleSet: rs.Hash()})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.rules == nil {
		writeJSON(w, http.StatusOK, map[string]any{"version": "", "rules": []scanner.Rule{}})
		return
	}
	rs := s.rules.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  rs.Hash(),
		"rules":    rs.Rules(),
		"metadata": s.rules.Metadata(),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.rules == nil {
		s.reject(w, r, http.StatusServiceUnavailable, "no_rules", errorResponse{Error: "no rule set loaded"})
		return
	}
	t0 := time.Now()
	if err := s.rules.ForceReload(); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	rs := s.rules.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"duration_seconds": time.Since(t0).Seconds(),
		"rules":            rs.Len(),
		"version":          rs.Hash(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := map[string]any{
		"scans":          s.stats.GetStats(),
		"goroutines":     runtime.NumGoroutine(),
		"uptime_seconds": time.Since(s.started).Seconds(),
	}
	if s.rules != nil {
		st["rules"] = s.rules.Current().Len()
		st["version"] = s.rules.Current().Hash()
	}
	writeJSON(w, http.StatusOK, st)
}

// readBody applies the rate limit and the body size cap. It writes the error
// response itself and reports whether the handler may continue.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if !s.limiter.Allow() {
		wait := s.limiter.ReserveAfter(1)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		s.reject(w, r, http.StatusTooManyRequests, "rate_limited", errorResponse{Error: "rate limit exceeded"})
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(s.cfg.Server.MaxBody)))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.reject(w, r, http.StatusRequestEntityTooLarge, "too_large", errorResponse{Error: err.Error()})
			return nil, false
		}
		s.reject(w, r, http.StatusBadRequest, "read", errorResponse{Error: err.Error()})
		return nil, false
	}
	return body, true
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, reason string, resp errorResponse) {
	if s.metrics.ScanRejected != nil {
		s.metrics.ScanRejected.Add(r.Context(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	writeJSON(w, status, resp)
}

func (s *Server) publish(r *http.Request, ev MatchEvent) {
	if s.pub == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("match event encode failed", "error", err)
		return
	}
	if err := s.pub.Publish(r.Context(), s.cfg.NATS.Subject, data); err != nil {
		slog.Warn("match event publish failed", "subject", s.cfg.NATS.Subject, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
