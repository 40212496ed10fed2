// Package watch invalidates cached issue queries when the store file
// changes underneath the process.
//
// Another process writing the same SQLite database (a second `lw` invocation,
// an import, a seed) never goes through this process's mutation
// coordinator, so its cache would keep serving old lists until their stale
// time ran out. The watcher observes the database directory with fsnotify
// and, once writes have quieted for the debounce interval, invalidates every
// issue list and detail key. Subscribed keys refetch immediately.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mschirtzinger/linework/internal/querycache"
)

// Invalidator is the part of the cache the watcher drives.
type Invalidator interface {
	InvalidatePrefix(prefix querycache.Key)
}

// Config holds watcher configuration
type Config struct {
	// DebounceInterval is how long the store must be quiet before the
	// cache is invalidated (default: 250ms)
	DebounceInterval time.Duration

	// Prefixes are the cache key prefixes invalidated on change
	Prefixes []querycache.Key

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 250 * time.Millisecond,
		Prefixes: []querycache.Key{
			querycache.Prefix("issues"),
			querycache.Prefix("issue"),
		},
		Logger: log.New(os.Stderr, "[watch] ", log.LstdFlags),
	}
}

// Watcher invalidates cache prefixes when a database file changes.
type Watcher struct {
	dbPath string
	target Invalidator
	config *Config

	watcher *fsnotify.Watcher

	mu        sync.Mutex
	pending   bool
	lastEvent time.Time
	flushes   int

	// events before suppressUntil come from this process's own writes
	suppressUntil time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher with default configuration.
func New(dbPath string, target Invalidator) (*Watcher, error) {
	return NewWithConfig(dbPath, target, nil)
}

// NewWithConfig creates a watcher for the database at dbPath.
func NewWithConfig(dbPath string, target Invalidator, config *Config) (*Watcher, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if target == nil {
		return nil, fmt.Errorf("target cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if len(config.Prefixes) == 0 {
		config.Prefixes = defaults.Prefixes
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dbPath, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		dbPath:  abs,
		target:  target,
		config:  config,
		watcher: fw,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins watching the database directory. It returns once the watch
// is installed; events are processed in the background until Stop.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.dbPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.config.Logger.Printf("Watching: %s", w.dbPath)

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChanges()
	return nil
}

// Run starts the watcher and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-w.ctx.Done():
	}
	return w.Stop()
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) Stop() error {
	w.cancel()

	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}

	w.wg.Wait()
	return nil
}

// Suppress ignores changes for d. Call it before this process writes the
// store itself, where the mutation coordinator already invalidates.
func (w *Watcher) Suppress(d time.Duration) {
	w.mu.Lock()
	until := time.Now().Add(d)
	if until.After(w.suppressUntil) {
		w.suppressUntil = until
	}
	w.mu.Unlock()
}

// Flushes reports how many times the cache was invalidated.
func (w *Watcher) Flushes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushes
}

// watchFileEvents records relevant filesystem events.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.isStoreFile(event.Name) {
				continue
			}
			w.queueChange()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// isStoreFile matches the database and its -wal/-journal siblings.
func (w *Watcher) isStoreFile(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	switch abs {
	case w.dbPath, w.dbPath + "-wal", w.dbPath + "-journal":
		return true
	}
	return false
}

func (w *Watcher) queueChange() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Before(w.suppressUntil) {
		return
	}
	w.pending = true
	w.lastEvent = now
}

// processChanges flushes once the store has been quiet long enough.
func (w *Watcher) processChanges() {
	defer w.wg.Done()

	tick := w.config.DebounceInterval / 2
	if tick <= 0 {
		tick = w.config.DebounceInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushIfQuiet()
		}
	}
}

func (w *Watcher) flushIfQuiet() {
	w.mu.Lock()
	if !w.pending || time.Since(w.lastEvent) < w.config.DebounceInterval {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.flushes++
	w.mu.Unlock()

	w.config.Logger.Printf("Store changed, invalidating %d prefixes", len(w.config.Prefixes))
	for _, prefix := range w.config.Prefixes {
		w.target.InvalidatePrefix(prefix)
	}
}
