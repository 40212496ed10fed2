package watch

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/linework/internal/querycache"
)

type recordingInvalidator struct {
	mu       sync.Mutex
	prefixes []querycache.Key
}

func (r *recordingInvalidator) InvalidatePrefix(prefix querycache.Key) {
	r.mu.Lock()
	r.prefixes = append(r.prefixes, prefix)
	r.mu.Unlock()
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prefixes)
}

func testConfig() *Config {
	return &Config{
		DebounceInterval: 20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func startWatcher(t *testing.T, target Invalidator) (*Watcher, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "linework.db")
	if err := os.WriteFile(dbPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to create db file: %v", err)
	}

	w, err := NewWithConfig(dbPath, target, testConfig())
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w, dbPath
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewWithConfig_Validation(t *testing.T) {
	if _, err := NewWithConfig("", &recordingInvalidator{}, nil); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := NewWithConfig("x.db", nil, nil); err == nil {
		t.Error("expected error for nil target")
	}
}

// TestWatcher_InvalidatesOnWrite tests that a burst of writes to the
// database and its WAL produces one debounced flush.
func TestWatcher_InvalidatesOnWrite(t *testing.T) {
	target := &recordingInvalidator{}
	w, dbPath := startWatcher(t, target)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(dbPath+"-wal", []byte{byte(i)}, 0o644); err != nil {
			t.Fatalf("Failed to write wal: %v", err)
		}
	}

	waitFor(t, func() bool { return w.Flushes() >= 1 })
	time.Sleep(100 * time.Millisecond)

	if got := w.Flushes(); got != 1 {
		t.Errorf("Flushes = %d, want 1", got)
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	want := []querycache.Key{querycache.Prefix("issues"), querycache.Prefix("issue")}
	if len(target.prefixes) != len(want) {
		t.Fatalf("prefixes = %v, want %v", target.prefixes, want)
	}
	for i := range want {
		if target.prefixes[i] != want[i] {
			t.Errorf("prefix[%d] = %v, want %v", i, target.prefixes[i], want[i])
		}
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	target := &recordingInvalidator{}
	w, dbPath := startWatcher(t, target)

	other := filepath.Join(filepath.Dir(dbPath), "notes.txt")
	if err := os.WriteFile(other, []byte("hello"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := w.Flushes(); got != 0 {
		t.Errorf("Flushes = %d, want 0", got)
	}
	if target.count() != 0 {
		t.Errorf("unexpected invalidations: %d", target.count())
	}
}

func TestWatcher_Suppress(t *testing.T) {
	target := &recordingInvalidator{}
	w, dbPath := startWatcher(t, target)

	w.Suppress(time.Hour)
	if err := os.WriteFile(dbPath, []byte("y"), 0o644); err != nil {
		t.Fatalf("Failed to write db: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := w.Flushes(); got != 0 {
		t.Errorf("Flushes = %d, want 0 while suppressed", got)
	}
}

// TestWatcher_RefetchesSubscribedList tests the watcher against a real cache:
// a subscribed list is refetched after an external write.
func TestWatcher_RefetchesSubscribedList(t *testing.T) {
	cache := querycache.NewWithConfig(&querycache.Config{Logger: log.New(io.Discard, "", 0)})
	defer cache.Close()

	var mu sync.Mutex
	fetches := 0
	cache.RegisterFetcher("issues", func(ctx context.Context, key querycache.Key) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		fetches++
		return fetches, nil
	})
	key := querycache.Key{Kind: "issues", Param: "team"}
	cache.Write(key, 0)

	events := make(chan querycache.Event, 8)
	cancel := cache.Subscribe(key, func(ev querycache.Event) { events <- ev })
	defer cancel()

	_, dbPath := startWatcher(t, cache)
	if err := os.WriteFile(dbPath, []byte("z"), 0o644); err != nil {
		t.Fatalf("Failed to write db: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == querycache.EventWritten {
				if v, _ := cache.Read(key); v != 1 {
					t.Errorf("value = %v, want 1", v)
				}
				return
			}
		case <-deadline:
			t.Fatal("list was not refetched")
		}
	}
}
