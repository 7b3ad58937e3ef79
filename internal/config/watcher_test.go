package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherEmitsEventOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	configPath := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(configPath, []byte("bind_addr: \"127.0.0.1:8080\"\n"), 0o644); err != nil {
		t.Fatalf("seed config.yaml: %v", err)
	}

	w := NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(configPath, []byte("bind_addr: \"127.0.0.1:9090\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite config.yaml: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != configPath {
			t.Fatalf("expected event for %s, got %s", configPath, ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for config change event")
	}
}
