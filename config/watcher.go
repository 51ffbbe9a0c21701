package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/pipeline-engine/tree"
	"github.com/GoCodeAlone/pipeline-engine/tree/yml"
)

// DefinitionEvent reports a changed pipeline definition. Exactly one of Flow
// and Err is set unless Removed is true.
type DefinitionEvent struct {
	Path    string
	Name    string
	Flow    *tree.FlowNode
	Err     error
	Removed bool
	Time    time.Time
}

// WatcherOption configures a DefinitionWatcher.
type WatcherOption func(*DefinitionWatcher)

// WithWatchDebounce sets the debounce duration for file change events.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *DefinitionWatcher) { w.debounce = d }
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *DefinitionWatcher) { w.logger = l }
}

// DefinitionWatcher monitors a directory of pipeline definitions and
// recompiles each definition that changes.
type DefinitionWatcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(DefinitionEvent)

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	hashes  map[string]string    // path -> content hash
	pending map[string]time.Time // path -> last event time
}

// NewDefinitionWatcher creates a watcher for dir. onChange is called from the
// watcher goroutine.
func NewDefinitionWatcher(dir string, onChange func(DefinitionEvent), opts ...WatcherOption) *DefinitionWatcher {
	w := &DefinitionWatcher{
		dir:      dir,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default(),
		onChange: onChange,
		done:     make(chan struct{}),
		hashes:   make(map[string]string),
		pending:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start records the current definitions and begins watching the directory.
// Definitions already present are not reported; use LoadDefinitions for them.
func (w *DefinitionWatcher) Start() error {
	paths, err := definitionFiles(w.dir)
	if err != nil {
		return fmt.Errorf("definition watcher: %w", err)
	}
	for _, path := range paths {
		if h, err := hashFile(path); err == nil {
			w.hashes[path] = h
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("definition watcher: create fsnotify: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("definition watcher: watch %s: %w", w.dir, err)
	}
	w.fsWatcher = fsw

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher and waits for the background goroutine to exit.
// It is safe to call Stop multiple times.
func (w *DefinitionWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *DefinitionWatcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !isYAMLFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.mu.Lock()
				w.pending[filepath.Clean(event.Name)] = time.Now()
				w.mu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Definition watcher error", "error", err)

		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *DefinitionWatcher) processPending() {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			ready = append(ready, path)
		}
	}
	for _, path := range ready {
		delete(w.pending, path)
	}
	w.mu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		w.processChange(path)
	}
}

// processChange recompiles path and reports it when its content differs from
// the last known hash.
func (w *DefinitionWatcher) processChange(path string) {
	name := FlowName(path)

	hash, err := hashFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if _, known := w.hashes[path]; !known {
			return
		}
		delete(w.hashes, path)
		w.logger.Info("Definition removed", "path", path, "flow", name)
		w.onChange(DefinitionEvent{Path: path, Name: name, Removed: true, Time: time.Now()})
		return
	}
	if err != nil {
		w.logger.Error("Failed to read definition", "path", path, "error", err)
		return
	}
	if hash == w.hashes[path] {
		w.logger.Debug("Definition unchanged, skipping", "path", path)
		return
	}
	w.hashes[path] = hash

	flow, err := LoadDefinition(path)
	evt := DefinitionEvent{Path: path, Name: name, Flow: flow, Err: err, Time: time.Now()}
	if err != nil {
		w.logger.Warn("Definition failed to compile", "path", path, "flow", name, "error", err)
	} else {
		w.logger.Info("Definition changed", "path", path, "flow", name, "hash", hash[:8])
	}
	w.onChange(evt)
}

// LoadDefinition compiles the definition file at path. The flow is named
// after the file.
func LoadDefinition(path string) (*tree.FlowNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	flow, err := yml.Load(FlowName(path), string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return flow, nil
}

// LoadDefinitions compiles every definition in dir. Definitions that fail to
// compile are skipped and reported in the joined error.
func LoadDefinitions(dir string) ([]*tree.FlowNode, error) {
	paths, err := definitionFiles(dir)
	if err != nil {
		return nil, err
	}
	var (
		flows []*tree.FlowNode
		errs  []error
	)
	for _, path := range paths {
		flow, err := LoadDefinition(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		flows = append(flows, flow)
	}
	return flows, errors.Join(errs...)
}

// FlowName returns the flow name for a definition file: its base name
// without extension.
func FlowName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func definitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isYAMLFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func isYAMLFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
