package scanner

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrElectrify/memscan/pattern"
)

func TestStreamingScannerMatchesFindPattern(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(rng.Intn(3))
	}
	for _, text := range []string{"01 02 01", "? 02", "00 00 00 00 00 00 00", "? ? ?"} {
		p := pattern.MustParse(text)
		want, err := FindPattern(data, p)
		if err != nil {
			t.Fatal(err)
		}
		for _, chunk := range []int{1, 7, 64, 4096, 1 << 20} {
			s := NewStreamingScanner(NewScanner(), chunk)
			got, err := s.ScanStream(context.Background(), bytes.NewReader(data), p)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("%q chunk=%d (-want +got):\n%s", text, chunk, diff)
			}
		}
	}
}

func TestStreamingScannerShortReads(t *testing.T) {
	data := []byte("xxSIGNATURExxxxSIGNATURE")
	p := pattern.FromBytes([]byte("SIG\x00ATURE"))
	s := NewStreamingScanner(nil, 4)
	got, err := s.ScanStream(context.Background(), iotest.OneByteReader(bytes.NewReader(data)), p)
	if err != nil {
		t.Fatal(err)
	}
	want := []Match{{Offset: 2, Length: 9}, {Offset: 15, Length: 9}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestStreamingScannerErrors(t *testing.T) {
	s := NewStreamingScanner(nil, 0)
	if _, err := s.ScanStream(context.Background(), bytes.NewReader([]byte{1}), pattern.Pattern{}); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("err = %v, want ErrInvalidPattern", err)
	}
	boom := errors.New("boom")
	if _, err := s.ScanStream(context.Background(), iotest.ErrReader(boom), pattern.MustParse("01")); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.ScanStream(ctx, bytes.NewReader([]byte{1}), pattern.MustParse("01")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestScanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	data := append(bytes.Repeat([]byte{0x90}, 5000), 0xe8, 0x1c, 0x04, 0x00, 0x00, 0xe8, 0xcb, 0x05, 0x00, 0x00, 0x48, 0x8b, 0xd8)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	p := pattern.MustParse("E8 ? ? ? ? E8 ? ? ? ? 48 8B D8")
	got, err := NewStreamingScanner(nil, 1024).ScanFile(context.Background(), path, p)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Offset != 5000 {
		t.Fatalf("unexpected matches: %+v", got)
	}
	if _, err := NewStreamingScanner(nil, 0).ScanFile(context.Background(), filepath.Join(t.TempDir(), "missing"), p); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not exist", err)
	}
}

func TestWorkerPool(t *testing.T) {
	p := pattern.MustParse("AB ? CD")
	pool := NewWorkerPool(context.Background(), NewStreamingScanner(nil, 16), p, 3)

	inputs := map[string][]byte{
		"none":  bytes.Repeat([]byte{1}, 100),
		"one":   {0xab, 0x00, 0xcd},
		"three": bytes.Repeat([]byte{0xab, 0x11, 0xcd}, 3),
	}
	results := make(map[string]StreamResult)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for r := range pool.Results() {
			results[r.ID] = r
		}
	}()
	for id, data := range inputs {
		pool.Submit(id, bytes.NewReader(data))
	}
	pool.SubmitFile(filepath.Join(t.TempDir(), "missing.bin"))
	pool.Close()
	wg.Wait()

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for id, want := range map[string]int{"none": 0, "one": 1, "three": 3} {
		if r := results[id]; r.Err != nil || len(r.Matches) != want {
			t.Errorf("%s: %d matches (err %v), want %d", id, len(r.Matches), r.Err, want)
		}
	}
	for id, r := range results {
		if filepath.Base(id) == "missing.bin" && !errors.Is(r.Err, os.ErrNotExist) {
			t.Errorf("missing file error = %v", r.Err)
		}
	}
}

type mockLoader struct {
	mu    sync.Mutex
	rules []Rule
	err   error
}

func (m *mockLoader) Load() ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]Rule(nil), m.rules...), nil
}

func (m *mockLoader) set(rules []Rule, err error) {
	m.mu.Lock()
	m.rules, m.err = rules, err
	m.mu.Unlock()
}

func TestHotReloadRuleSet(t *testing.T) {
	loader := &mockLoader{rules: []Rule{
		{ID: "ret", Pattern: "C3", Enabled: true},
		{ID: "nop", Pattern: "90 90", Enabled: true},
	}}
	hr, err := NewHotReloadRuleSet(loader)
	if err != nil {
		t.Fatalf("NewHotReloadRuleSet: %v", err)
	}
	defer hr.Close()

	data := []byte{0x90, 0x90, 0xc3, 0xcc}
	ms, err := hr.Scan(context.Background(), data)
	if err != nil || len(ms) != 2 {
		t.Fatalf("expected 2 matches, got %v (err %v)", ms, err)
	}
	meta := hr.Metadata()
	if meta.RuleCount != 2 || meta.ReloadCount != 1 {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	// unchanged rules: no rebuild
	if err := hr.ForceReload(); err != nil {
		t.Fatal(err)
	}
	if hr.Metadata().ReloadCount != 1 {
		t.Errorf("reload count changed without rule change")
	}

	loader.set(append(loader.rules, Rule{ID: "int3", Pattern: "CC", Enabled: true}), nil)
	var seen []ReloadMetadata
	hr.OnReload(func(m ReloadMetadata, err error) {
		if err == nil {
			seen = append(seen, m)
		}
	})
	if err := hr.ForceReload(); err != nil {
		t.Fatal(err)
	}
	if ms, _ := hr.Scan(context.Background(), data); len(ms) != 3 {
		t.Errorf("expected 3 matches after reload, got %d", len(ms))
	}
	if len(seen) != 1 || seen[0].RuleCount != 3 {
		t.Errorf("callback not invoked with new metadata: %+v", seen)
	}

	// a broken rule keeps the previous set
	loader.set([]Rule{{ID: "bad", Pattern: "ZZ", Enabled: true}}, nil)
	if err := hr.ForceReload(); !errors.Is(err, pattern.ErrMalformedPattern) {
		t.Fatalf("err = %v, want ErrMalformedPattern", err)
	}
	if hr.Current().Len() != 3 {
		t.Errorf("previous rule set should stay active")
	}
	if hr.Metadata().LastError == "" {
		t.Errorf("last error not recorded")
	}
}

func TestDirectoryRuleLoader(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewDirectoryRuleLoader(dir).Load(); !errors.Is(err, ErrNoRules) {
		t.Fatalf("err = %v, want ErrNoRules", err)
	}
	writeRules(t, filepath.Join(dir, "b.json"), `{"rules":[{"id":"b","pattern":"02","enabled":true}]}`)
	writeRules(t, filepath.Join(dir, "a.json"), `{"rules":[{"id":"a","pattern":"01","enabled":true}]}`)
	writeRules(t, filepath.Join(dir, "notes.txt"), `ignored`)
	rules, err := NewDirectoryRuleLoader(dir).Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 || rules[0].ID != "a" || rules[1].ID != "b" {
		t.Errorf("unexpected rules: %+v", rules)
	}
	writeRules(t, filepath.Join(dir, "c.json"), `{not json`)
	if _, err := NewDirectoryRuleLoader(dir).Load(); err == nil {
		t.Errorf("expected parse error")
	}
}

func TestHotReloadWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	writeRules(t, path, `{"rules":[{"id":"a","pattern":"01","enabled":true}]}`)

	hr, err := NewHotReloadRuleSet(NewDirectoryRuleLoader(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := hr.Watch(dir); err != nil {
		t.Fatal(err)
	}
	defer hr.Close()

	writeRules(t, path, `{"rules":[{"id":"a","pattern":"01","enabled":true},{"id":"b","pattern":"02","enabled":true}]}`)
	deadline := time.Now().Add(5 * time.Second)
	for hr.Current().Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not reload rules")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func writeRules(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}
