package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoRules is returned by a loader that found no rule files.
var ErrNoRules = errors.New("no rules loaded")

// RuleLoader loads rules from a source (file, directory).
type RuleLoader interface {
	Load() ([]Rule, error)
}

// FileRuleLoader loads rules from one JSON file of the form {"rules": [...]}.
type FileRuleLoader struct {
	path string
}

func NewFileRuleLoader(path string) *FileRuleLoader {
	return &FileRuleLoader{path: path}
}

func (f *FileRuleLoader) Load() ([]Rule, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Rules []Rule `json:"rules"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return wrapper.Rules, nil
}

// DirectoryRuleLoader loads every *.json file of a directory, in name order.
type DirectoryRuleLoader struct {
	dirPath string
}

func NewDirectoryRuleLoader(dirPath string) *DirectoryRuleLoader {
	return &DirectoryRuleLoader{dirPath: dirPath}
}

func (d *DirectoryRuleLoader) Load() ([]Rule, error) {
	entries, err := os.ReadDir(d.dirPath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var all []Rule
	for _, name := range names {
		rules, err := NewFileRuleLoader(filepath.Join(d.dirPath, name)).Load()
		if err != nil {
			return nil, err
		}
		all = append(all, rules...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%s: %w", d.dirPath, ErrNoRules)
	}
	return all, nil
}

// ReloadMetadata tracks reload statistics.
type ReloadMetadata struct {
	Version         string    `json:"version"`
	LoadedAt        time.Time `json:"loaded_at"`
	RuleCount       int       `json:"rule_count"`
	BuildDurationMs int64     `json:"build_duration_ms"`
	LastReloadAt    time.Time `json:"last_reload_at,omitempty"`
	ReloadCount     int       `json:"reload_count"`
	LastError       string    `json:"last_error,omitempty"`
}

// HotReloadRuleSet serves scans from the latest successfully built RuleSet and
// rebuilds it when the rule files change. A failed reload keeps the previous set.
type HotReloadRuleSet struct {
	loader RuleLoader
	opts   []Option
	active atomic.Pointer[RuleSet]

	reloadMu sync.Mutex
	lastHash string

	mu       sync.RWMutex
	metadata ReloadMetadata
	onReload func(ReloadMetadata, error)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHotReloadRuleSet performs the initial load; it fails if that load fails.
func NewHotReloadRuleSet(loader RuleLoader, opts ...Option) (*HotReloadRuleSet, error) {
	h := &HotReloadRuleSet{
		loader: loader,
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := h.reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// OnReload registers a callback invoked after every reload attempt that changed
// something or failed.
func (h *HotReloadRuleSet) OnReload(fn func(ReloadMetadata, error)) {
	h.mu.Lock()
	h.onReload = fn
	h.mu.Unlock()
}

func (h *HotReloadRuleSet) reload() error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	rules, err := h.loader.Load()
	if err != nil {
		return h.fail(err)
	}
	hash := ruleHash(rules)
	if hash == h.lastHash {
		return nil
	}

	start := time.Now()
	rs, err := BuildRuleSet(rules, h.opts...)
	if err != nil {
		return h.fail(err)
	}
	h.active.Store(rs)
	h.lastHash = hash

	h.mu.Lock()
	h.metadata = ReloadMetadata{
		Version:         hash[:12],
		LoadedAt:        start,
		RuleCount:       rs.Len(),
		BuildDurationMs: time.Since(start).Milliseconds(),
		LastReloadAt:    time.Now(),
		ReloadCount:     h.metadata.ReloadCount + 1,
	}
	meta, cb := h.metadata, h.onReload
	h.mu.Unlock()
	if cb != nil {
		cb(meta, nil)
	}
	return nil
}

func (h *HotReloadRuleSet) fail(err error) error {
	h.mu.Lock()
	h.metadata.LastError = err.Error()
	meta, cb := h.metadata, h.onReload
	h.mu.Unlock()
	if cb != nil {
		cb(meta, err)
	}
	return err
}

// Watch starts an fsnotify watcher on paths (rule files or directories) and reloads on
// every change until Close.
func (h *HotReloadRuleSet) Watch(paths ...string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			_ = w.Close()
			return fmt.Errorf("watch %s: %w", p, err)
		}
	}
	h.watcher = w
	go h.watchLoop()
	return nil
}

func (h *HotReloadRuleSet) watchLoop() {
	defer close(h.doneCh)
	for {
		select {
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := h.reload(); err != nil {
				slog.Warn("rule reload failed", "event", ev.String(), "error", err)
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("rule watcher error", "error", err)
		case <-h.stopCh:
			return
		}
	}
}

// Scan delegates to the active rule set.
func (h *HotReloadRuleSet) Scan(ctx context.Context, data []byte) ([]RuleMatch, error) {
	return h.Current().Scan(ctx, data)
}

// Current returns the active rule set.
func (h *HotReloadRuleSet) Current() *RuleSet {
	return h.active.Load()
}

// Metadata returns current reload statistics.
func (h *HotReloadRuleSet) Metadata() ReloadMetadata {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.metadata
}

// ForceReload triggers an immediate reload check.
func (h *HotReloadRuleSet) ForceReload() error {
	return h.reload()
}

// Close stops the watcher, if any.
func (h *HotReloadRuleSet) Close() error {
	if h.watcher == nil {
		return nil
	}
	close(h.stopCh)
	<-h.doneCh
	return h.watcher.Close()
}
