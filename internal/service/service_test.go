package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/MrElectrify/memscan/internal/config"
	"github.com/MrElectrify/memscan/scanner"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []MatchEvent
	subj   []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	var ev MatchEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.subj = append(p.subj, subject)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) published() ([]MatchEvent, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MatchEvent(nil), p.events...), append([]string(nil), p.subj...)
}

func newTestServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server.MaxBody = 64
	ts := httptest.NewServer(New(cfg, opts...).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url string, body []byte) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestScan(t *testing.T) {
	pub := &recordingPublisher{}
	ts := newTestServer(t, WithPublisher(pub))

	resp, out := post(t, ts.URL+"/v1/scan?pattern=01+02+%3F", []byte{1, 2, 3, 4, 3, 2, 1, 2, 3})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, out)
	}
	want := map[string]any{
		"count": float64(2),
		"matches": []any{
			map[string]any{"offset": float64(0), "length": float64(3)},
			map[string]any{"offset": float64(6), "length": float64(3)},
		},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("response (-want +got):\n%s", diff)
	}
	events, subjects := pub.published()
	if len(events) != 1 || subjects[0] != "memscan.matches" {
		t.Fatalf("events = %+v on %v", events, subjects)
	}
	if ev := events[0]; ev.Source != "pattern" || ev.Pattern != "01 02 ?" || ev.Bytes != 9 || len(ev.Matches) != 2 {
		t.Errorf("unexpected event: %+v", ev)
	}

	// no matches, no event
	resp, out = post(t, ts.URL+"/v1/scan?pattern=FF", []byte{1, 2, 3})
	if resp.StatusCode != http.StatusOK || out["count"] != float64(0) {
		t.Errorf("status=%d body=%v", resp.StatusCode, out)
	}
	if events, _ := pub.published(); len(events) != 1 {
		t.Errorf("event published without matches")
	}
}

func TestScanErrors(t *testing.T) {
	ts := newTestServer(t)

	resp, out := post(t, ts.URL+"/v1/scan?pattern=AA+%3F%3F+ZZ", []byte{1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["offset"] != float64(6) || out["token"] != "ZZ" {
		t.Errorf("parse error body = %v", out)
	}

	resp, _ = post(t, ts.URL+"/v1/scan?pattern=", []byte{1})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("empty pattern status = %d", resp.StatusCode)
	}

	resp, _ = post(t, ts.URL+"/v1/scan?pattern=01", make([]byte, 65))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d", resp.StatusCode)
	}

	r, err := http.Get(ts.URL + "/v1/scan?pattern=01")
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", r.StatusCode)
	}
}

func TestScanRateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.Server.RateBurst = 1
	cfg.Server.RateLimit = 0.001
	ts := httptest.NewServer(New(cfg).Handler())
	defer ts.Close()

	if resp, _ := post(t, ts.URL+"/v1/scan?pattern=01", []byte{1}); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d", resp.StatusCode)
	}
	resp, _ := post(t, ts.URL+"/v1/scan?pattern=01", []byte{1})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Errorf("Retry-After header missing")
	}
}

func TestRuleEndpoints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	writeFile(t, path, `{"rules":[{"id":"ret","pattern":"C3","severity":"low","enabled":true},{"id":"call","pattern":"E8 ? ? ? ?","severity":"high","enabled":true}]}`)
	hr, err := scanner.NewHotReloadRuleSet(scanner.NewDirectoryRuleLoader(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer hr.Close()

	pub := &recordingPublisher{}
	ts := newTestServer(t, WithRules(hr), WithPublisher(pub))

	resp, out := post(t, ts.URL+"/v1/scan/rules", []byte{0xe8, 1, 2, 3, 4, 0xc3})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, out)
	}
	if out["count"] != float64(2) || out["ruleset_hash"] != hr.Current().Hash() {
		t.Errorf("rule scan = %v", out)
	}
	if events, _ := pub.published(); len(events) != 1 || events[0].Source != "rules" || len(events[0].RuleHits) != 2 {
		t.Errorf("events = %+v", events)
	}

	r, err := http.Get(ts.URL + "/v1/rules")
	if err != nil {
		t.Fatal(err)
	}
	var listed struct {
		Version string         `json:"version"`
		Rules   []scanner.Rule `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&listed); err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if listed.Version != hr.Current().Hash() || len(listed.Rules) != 2 {
		t.Errorf("rules listing = %+v", listed)
	}

	writeFile(t, path, `{"rules":[{"id":"ret","pattern":"C3","enabled":true}]}`)
	resp, out = post(t, ts.URL+"/v1/rules/reload", nil)
	if resp.StatusCode != http.StatusOK || out["rules"] != float64(1) {
		t.Errorf("reload status=%d body=%v", resp.StatusCode, out)
	}

	writeFile(t, path, `{"rules":[{"id":"bad","pattern":"XYZ","enabled":true}]}`)
	resp, _ = post(t, ts.URL+"/v1/rules/reload", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("broken reload status = %d", resp.StatusCode)
	}
	if hr.Current().Len() != 1 {
		t.Errorf("failed reload replaced the rule set")
	}
}

func TestRuleEndpointsWithoutRules(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := post(t, ts.URL+"/v1/scan/rules", []byte{1})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts.URL+"/v1/scan?pattern=01", []byte{1, 1})
	r, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var st struct {
		Scans scanner.MetricsSnapshot `json:"scans"`
	}
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Scans.TotalScans != 1 || st.Scans.TotalMatches != 2 {
		t.Errorf("stats = %+v", st.Scans)
	}
}

func TestRunShutsDown(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(cfg).Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}
