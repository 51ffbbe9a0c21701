package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const buildYAML = `
steps:
  - name: build
    script: make build
`

const buildYAMLv2 = `
cron: "0 2 * * *"
steps:
  - name: build
    script: make build
  - name: test
    script: make test
`

type eventLog struct {
	mu     sync.Mutex
	events []DefinitionEvent
}

func (l *eventLog) add(evt DefinitionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) waitFor(t *testing.T, n int) []DefinitionEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		if len(l.events) >= n {
			out := append([]DefinitionEvent(nil), l.events...)
			l.mu.Unlock()
			return out
		}
		l.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func startWatcher(t *testing.T, dir string) *eventLog {
	t.Helper()
	log := &eventLog{}
	w := NewDefinitionWatcher(dir, log.add, WithWatchDebounce(50*time.Millisecond))
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return log
}

func TestDefinitionWatcher_DetectsChange(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "build.yml")
	if err := os.WriteFile(fp, []byte(buildYAML), 0644); err != nil {
		t.Fatal(err)
	}

	log := startWatcher(t, dir)

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(fp, []byte(buildYAMLv2), 0644); err != nil {
		t.Fatal(err)
	}

	evt := log.waitFor(t, 1)[0]
	if evt.Err != nil {
		t.Fatalf("unexpected compile error: %v", evt.Err)
	}
	if evt.Name != "build" || evt.Flow == nil {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.Flow.Cron != "0 2 * * *" {
		t.Errorf("expected recompiled cron, got %q", evt.Flow.Cron)
	}
	if n := len(evt.Flow.Children()); n != 2 {
		t.Errorf("expected 2 steps, got %d", n)
	}
}

func TestDefinitionWatcher_NewFileAndCompileError(t *testing.T) {
	dir := t.TempDir()
	log := startWatcher(t, dir)

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("steps: [{unknown: 1}]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	evt := log.waitFor(t, 1)[0]
	if evt.Name != "broken" {
		t.Fatalf("expected broken, got %q", evt.Name)
	}
	if evt.Err == nil || evt.Flow != nil {
		t.Fatalf("expected compile error only, got flow=%v err=%v", evt.Flow, evt.Err)
	}
}

func TestDefinitionWatcher_Removed(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "build.yml")
	if err := os.WriteFile(fp, []byte(buildYAML), 0644); err != nil {
		t.Fatal(err)
	}
	log := startWatcher(t, dir)

	time.Sleep(50 * time.Millisecond)
	if err := os.Remove(fp); err != nil {
		t.Fatal(err)
	}

	evt := log.waitFor(t, 1)[0]
	if !evt.Removed || evt.Name != "build" {
		t.Fatalf("expected removal of build, got %+v", evt)
	}
}

func TestDefinitionWatcher_NoChangeNoCallback(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "build.yml")
	if err := os.WriteFile(fp, []byte(buildYAML), 0644); err != nil {
		t.Fatal(err)
	}
	log := startWatcher(t, dir)

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(fp, []byte(buildYAML), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.events) != 0 {
		t.Errorf("expected no events for identical content, got %d", len(log.events))
	}
}

func TestDefinitionWatcher_StopIdempotent(t *testing.T) {
	w := NewDefinitionWatcher(t.TempDir(), func(DefinitionEvent) {})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	// fsnotify reports a second Close as success.
	_ = w.Stop()
}

func TestDefinitionWatcher_StartMissingDir(t *testing.T) {
	w := NewDefinitionWatcher(filepath.Join(t.TempDir(), "missing"), func(DefinitionEvent) {})
	if err := w.Start(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"build.yml":   buildYAML,
		"deploy.yaml": buildYAMLv2,
		"bad.yml":     "steps: [{unknown: 1}]\n",
		"README.md":   "# flows",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	flows, err := LoadDefinitions(dir)
	if err == nil {
		t.Fatal("expected error for bad.yml")
	}
	if len(flows) != 2 {
		t.Fatalf("expected 2 flows, got %d", len(flows))
	}
	if flows[0].Name() != "build" || flows[1].Name() != "deploy" {
		t.Errorf("unexpected flows %s, %s", flows[0].Name(), flows[1].Name())
	}
}

func TestFlowName(t *testing.T) {
	if got := FlowName("/flows/nightly-build.yml"); got != "nightly-build" {
		t.Errorf("expected nightly-build, got %q", got)
	}
}
