// Package querycache provides the client-side query cache.
//
// Entries are keyed by (kind, param). Every write bumps a per-key version
// that survives removal, so callers can detect whether anyone touched a key
// since they last looked and write conditionally (WriteIfVersion). Fetches
// are deduplicated per key and their result is dropped if the key was
// written or the fetch was cancelled while it ran.
//
// Cached values are shared between readers and must be treated as
// immutable; replace them with Write or Update instead of mutating.
package querycache

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

var (
	// ErrCancelled is returned by Fetch when CancelPending cancelled the
	// in-flight call it was waiting on.
	ErrCancelled = errors.New("query cancelled")

	// ErrNoFetcher is returned by Fetch for kinds without a registered
	// fetcher.
	ErrNoFetcher = errors.New("no fetcher registered")
)

// EventType describes what happened to a key.
type EventType int

const (
	EventWritten EventType = iota
	EventInvalidated
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventWritten:
		return "written"
	case EventInvalidated:
		return "invalidated"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Key     Key
	Type    EventType
	Version uint64
}

// Entry is a snapshot of a cache entry.
type Entry struct {
	Key       Key
	Value     any
	Version   uint64
	Stale     bool
	Pending   bool
	UpdatedAt time.Time
}

// Fetcher loads the value for a key from the source of truth.
type Fetcher func(ctx context.Context, key Key) (any, error)

// Config holds configuration for the cache.
type Config struct {
	// StaleTimes maps a kind to how long a fetched value stays fresh.
	// Kinds without an entry use DefaultStaleTime.
	StaleTimes map[string]time.Duration

	// DefaultStaleTime of zero means every Fetch goes to the fetcher.
	DefaultStaleTime time.Duration

	// Logger for cache activity
	Logger *log.Logger

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the stale times used for issue queries.
func DefaultConfig() *Config {
	return &Config{
		StaleTimes: map[string]time.Duration{
			"issues": 30 * time.Second,
			"issue":  60 * time.Second,
		},
		Logger: log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

type entry struct {
	value     any
	stale     bool
	updatedAt time.Time
}

type subscription struct {
	prefix Key
	fn     func(Event)
}

// Cache is a keyed query cache. It is safe for concurrent use.
type Cache struct {
	config *Config
	now    func() time.Time

	mu       sync.Mutex
	entries  map[Key]*entry
	versions map[Key]uint64
	seq      uint64
	fetchers map[string]Fetcher
	inflight map[Key]*call
	subs     map[int]*subscription
	nextSub  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache with the default configuration.
func New() *Cache {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a cache with custom configuration.
func NewWithConfig(config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		config:   config,
		now:      now,
		entries:  make(map[Key]*entry),
		versions: make(map[Key]uint64),
		fetchers: make(map[string]Fetcher),
		inflight: make(map[Key]*call),
		subs:     make(map[int]*subscription),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels background refetches and waits for them to exit.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

// RegisterFetcher sets the fetcher used for every key of kind.
func (c *Cache) RegisterFetcher(kind string, fn Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers[kind] = fn
}

// Read returns the cached value for key.
func (c *Cache) Read(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Entry returns a snapshot of the entry for key.
func (c *Cache) Entry(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	_, pending := c.inflight[key]
	return Entry{
		Key:       key,
		Value:     e.value,
		Version:   c.versions[key],
		Stale:     e.stale,
		Pending:   pending,
		UpdatedAt: e.updatedAt,
	}, true
}

// Version returns the current version of key. Keys never written are at 0.
func (c *Cache) Version(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[key]
}

// Keys returns every cached key under prefix, sorted.
func (c *Cache) Keys(prefix Key) []Key {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		if prefix.Matches(k) {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Write replaces the value for key and returns its new version.
func (c *Cache) Write(key Key, value any) uint64 {
	c.mu.Lock()
	ev := c.writeLocked(key, value)
	c.mu.Unlock()

	c.dispatch(ev)
	return ev.Version
}

// Update atomically replaces the value for key with fn's result. fn sees the
// current value and whether one exists; returning false leaves the entry
// untouched. The returned version is the key's version after the call.
func (c *Cache) Update(key Key, fn func(old any, ok bool) (any, bool)) (uint64, bool) {
	c.mu.Lock()
	var old any
	e, ok := c.entries[key]
	if ok {
		old = e.value
	}
	value, keep := fn(old, ok)
	if !keep {
		v := c.versions[key]
		c.mu.Unlock()
		return v, false
	}
	ev := c.writeLocked(key, value)
	c.mu.Unlock()

	c.dispatch(ev)
	return ev.Version, true
}

// WriteIfVersion writes value only if key is still at version.
func (c *Cache) WriteIfVersion(key Key, value any, version uint64) bool {
	c.mu.Lock()
	if c.versions[key] != version {
		c.mu.Unlock()
		return false
	}
	ev := c.writeLocked(key, value)
	c.mu.Unlock()

	c.dispatch(ev)
	return true
}

// Remove drops key from the cache.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	ev, ok := c.removeLocked(key)
	c.mu.Unlock()

	if ok {
		c.dispatch(ev)
	}
}

// RemoveIfVersion drops key only if it is still at version.
func (c *Cache) RemoveIfVersion(key Key, version uint64) bool {
	c.mu.Lock()
	if c.versions[key] != version {
		c.mu.Unlock()
		return false
	}
	ev, ok := c.removeLocked(key)
	c.mu.Unlock()

	if ok {
		c.dispatch(ev)
	}
	return true
}

// Invalidate marks key stale. If anyone is subscribed to the key a
// background refetch starts right away; otherwise the next Fetch refetches.
// Never blocks on the fetcher.
func (c *Cache) Invalidate(key Key) {
	c.invalidate(func(k Key) bool { return k == key }, []Key{key})
}

// InvalidatePrefix invalidates every cached key under prefix.
func (c *Cache) InvalidatePrefix(prefix Key) {
	c.invalidate(prefix.Matches, nil)
}

func (c *Cache) invalidate(match func(Key) bool, extra []Key) {
	c.mu.Lock()
	targets := make(map[Key]bool)
	for k := range c.entries {
		if match(k) {
			targets[k] = true
		}
	}
	for _, k := range extra {
		targets[k] = true
	}

	var events []Event
	var refetch []Key
	for k := range targets {
		if e, ok := c.entries[k]; ok {
			e.stale = true
		}
		events = append(events, Event{Key: k, Type: EventInvalidated, Version: c.versions[k]})
		if c.hasSubscribersLocked(k) {
			if cl, ok := c.inflight[k]; ok {
				cl.abort(errSuperseded)
				delete(c.inflight, k)
			}
			refetch = append(refetch, k)
		}
	}
	c.mu.Unlock()

	c.dispatch(events...)

	if len(refetch) == 0 {
		return
	}
	c.mu.Lock()
	for _, k := range refetch {
		if _, ok := c.inflight[k]; ok {
			continue
		}
		if cl := c.startLocked(k); cl != nil {
			c.config.Logger.Printf("Refetching %s", k)
		}
	}
	c.mu.Unlock()
}

// CancelPending cancels every in-flight fetch under prefix. When it returns
// none of their results will reach the cache. Idempotent.
func (c *Cache) CancelPending(prefix Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, cl := range c.inflight {
		if prefix.Matches(k) {
			cl.abort(ErrCancelled)
			delete(c.inflight, k)
		}
	}
}

// Subscribe registers fn for events on keys under prefix. fn runs on the
// goroutine that caused the event, after the cache lock is released.
func (c *Cache) Subscribe(prefix Key, fn func(Event)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = &subscription{prefix: prefix, fn: fn}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Cache) writeLocked(key Key, value any) Event {
	c.seq++
	c.versions[key] = c.seq
	c.entries[key] = &entry{value: value, updatedAt: c.now()}
	return Event{Key: key, Type: EventWritten, Version: c.seq}
}

func (c *Cache) removeLocked(key Key) (Event, bool) {
	if _, ok := c.entries[key]; !ok {
		return Event{}, false
	}
	c.seq++
	c.versions[key] = c.seq
	delete(c.entries, key)
	return Event{Key: key, Type: EventRemoved, Version: c.seq}, true
}

func (c *Cache) hasSubscribersLocked(key Key) bool {
	for _, s := range c.subs {
		if s.prefix.Matches(key) {
			return true
		}
	}
	return false
}

func (c *Cache) dispatch(events ...Event) {
	if len(events) == 0 {
		return
	}

	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, ev := range events {
		for _, s := range subs {
			if s.prefix.Matches(ev.Key) {
				s.fn(ev)
			}
		}
	}
}

func (c *Cache) staleTime(kind string) time.Duration {
	if d, ok := c.config.StaleTimes[kind]; ok {
		return d
	}
	return c.config.DefaultStaleTime
}
