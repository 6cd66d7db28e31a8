package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/rtcbridge/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
credentials:
  app_id: app
  room_id: room
  user_id: user
engine:
  name: loopback
audio:
  capture:
    path: in.wav
`

const watcherUpdatedYAML = `
server:
  log_level: debug
credentials:
  app_id: app
  room_id: room-2
  user_id: user
engine:
  name: loopback
audio:
  capture:
    path: in.wav
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	for _, notify := range []bool{true, false} {
		name := "polling"
		if notify {
			name = "notify"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			cfgPath := filepath.Join(dir, "config.yaml")
			writeFile(t, cfgPath, watcherValidYAML)

			var mu sync.Mutex
			var callbackOld, callbackNew *config.Config
			called := make(chan struct{}, 1)

			w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
				mu.Lock()
				callbackOld = old
				callbackNew = new
				mu.Unlock()
				select {
				case called <- struct{}{}:
				default:
				}
			}, config.WithInterval(50*time.Millisecond), config.WithNotify(notify))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer w.Stop()

			// Let the mtime move past the initial load, then update the file.
			time.Sleep(100 * time.Millisecond)
			writeFile(t, cfgPath, watcherUpdatedYAML)

			select {
			case <-called:
			case <-time.After(2 * time.Second):
				t.Fatal("callback was not invoked within timeout")
			}

			mu.Lock()
			defer mu.Unlock()

			if callbackOld == nil || callbackNew == nil {
				t.Fatal("callback received nil configs")
			}
			if callbackOld.Credentials.RoomID != "room" {
				t.Errorf("old room_id: got %q, want room", callbackOld.Credentials.RoomID)
			}
			if callbackNew.Credentials.RoomID != "room-2" {
				t.Errorf("new room_id: got %q, want room-2", callbackNew.Credentials.RoomID)
			}
			if d := config.Diff(callbackOld, callbackNew); !d.LogLevelChanged || !d.CredentialsChanged {
				t.Errorf("diff: got %+v", d)
			}

			if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
				t.Errorf("Current() log_level: got %q, want %q", cur.Server.LogLevel, config.LogDebug)
			}
		})
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	callCount := 0
	var mu sync.Mutex

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherInvalidYAML)

	// Wait enough polls for it to notice the change.
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()

	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}

	cur := w.Current()
	if cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher("/nonexistent/path.yaml", nil)
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w.Stop()
	w.Stop()
	w.Stop()
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	callCount := 0
	var mu sync.Mutex

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()

	if calls != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", calls)
	}
}
