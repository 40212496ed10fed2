// Package mutation applies issue mutations optimistically against the query
// cache.
//
// Every attempt moves through Idle → Speculating → {Committing | RollingBack}
// → Settled:
//
//   - Speculating: a Loading notification goes out, in-flight fetches of the
//     touched keys are cancelled, each touched key is snapshotted and the
//     speculative value is written. Attempts speculate one at a time so a
//     later snapshot always sees the earlier speculative write.
//   - The remote call runs to completion even if the caller's context is
//     cancelled; its result can be ignored but not aborted.
//   - Committing: Success notification. The speculative value stays until
//     the settle invalidation refetches the authoritative one.
//   - RollingBack: every snapshotted key is restored exactly, unless a later
//     write has already replaced the speculative value. Error notification
//     with the failure message verbatim.
//   - Settled: every touched key is invalidated once, on every exit path.
//
// Overlapping failures on one key restore in order of speculation only as
// far as the version check allows. When A and then B speculate on the same
// list and both fail, A's restore is skipped because B wrote after it, and
// B restores a snapshot that still holds A's placeholder. The entry is
// stale from the settle invalidation on, but Read returns the placeholder
// until the next fetch replaces it.
package mutation

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mschirtzinger/linework/internal/notify"
	"github.com/mschirtzinger/linework/internal/querycache"
	"github.com/mschirtzinger/linework/internal/service"
)

// State is the phase of a mutation attempt.
type State int

const (
	StateIdle State = iota
	StateSpeculating
	StateCommitting
	StateRollingBack
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeculating:
		return "speculating"
	case StateCommitting:
		return "committing"
	case StateRollingBack:
		return "rolling_back"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Context is the bookkeeping of one attempt. It lives from the start of
// speculation until settle.
type Context struct {
	Token string
	Kind  string

	state     State
	keys      []querycache.Key
	snapshots []snapshot
}

// State returns the attempt's current phase.
func (mc *Context) State() State {
	return mc.state
}

// Keys returns the keys the attempt touches. They are known from the
// first transition on.
func (mc *Context) Keys() []querycache.Key {
	return append([]querycache.Key(nil), mc.keys...)
}

type snapshot struct {
	key     querycache.Key
	value   any
	existed bool

	// version after the speculative write; only meaningful when written.
	version uint64
	written bool
}

// Transition describes a state change, reported to Config.OnTransition.
type Transition struct {
	Token string
	Kind  string
	From  State
	To    State
	Keys  []querycache.Key
}

// Config holds configuration for the coordinator.
type Config struct {
	// Notifier receives loading, success and error notifications
	Notifier notify.Notifier

	// Logger for mutation activity
	Logger *log.Logger

	// Now is the clock used for speculative ids and notifications
	Now func() time.Time

	// OnTransition, if set, is called on every state change
	OnTransition func(Transition)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Notifier: notify.Discard,
		Logger:   log.New(os.Stderr, "[mutation] ", log.LstdFlags),
		Now:      time.Now,
	}
}

// Coordinator runs mutations against an issue service and keeps the cache
// in step. It registers the issue fetchers on the cache, so the service
// must already carry the caller's identity (see service.AsUser, or a
// service.Client with a token).
type Coordinator struct {
	cache    *querycache.Cache
	svc      service.IssueService
	notifier notify.Notifier
	logger   *log.Logger
	now      func() time.Time
	onTrans  func(Transition)

	// speculateMu serializes the speculate phase across attempts.
	speculateMu sync.Mutex
}

// New creates a coordinator with the default configuration.
func New(cache *querycache.Cache, svc service.IssueService) *Coordinator {
	return NewWithConfig(cache, svc, DefaultConfig())
}

// NewWithConfig creates a coordinator with custom configuration.
func NewWithConfig(cache *querycache.Cache, svc service.IssueService, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Coordinator{
		cache:    cache,
		svc:      svc,
		notifier: config.Notifier,
		logger:   config.Logger,
		now:      config.Now,
		onTrans:  config.OnTransition,
	}
	if c.notifier == nil {
		c.notifier = notify.Discard
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "[mutation] ", log.LstdFlags)
	}
	if c.now == nil {
		c.now = time.Now
	}

	c.registerFetchers()
	return c
}

// Cache returns the cache the coordinator writes to.
func (c *Coordinator) Cache() *querycache.Cache {
	return c.cache
}

// touch is one key an attempt writes speculatively. apply receives the
// current value and returns the speculative one; returning false leaves
// the key as is (it is still invalidated at settle).
type touch struct {
	key   querycache.Key
	apply func(old any, ok bool) (any, bool)
}

type messages struct {
	loading string
	success string
	failure string
}

type attempt struct {
	kind     string
	messages messages
	cancel   []querycache.Key
	touches  []touch
	call     func(ctx context.Context) error
}

// run executes one attempt through all phases.
func (c *Coordinator) run(ctx context.Context, a attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mc := &Context{Token: uuid.NewString(), Kind: a.kind}
	for _, t := range a.touches {
		mc.keys = append(mc.keys, t.key)
	}
	c.speculate(mc, a)
	defer c.settle(mc)

	if err := c.invoke(ctx, a.call); err != nil {
		c.transition(mc, StateRollingBack)
		c.rollback(mc)
		c.notify(mc, notify.LevelError, fmt.Sprintf("%s: %s", a.messages.failure, err.Error()))
		c.logger.Printf("%s %s failed: %v", a.kind, mc.Token, err)
		return err
	}

	c.transition(mc, StateCommitting)
	c.notify(mc, notify.LevelSuccess, a.messages.success)
	return nil
}

func (c *Coordinator) speculate(mc *Context, a attempt) {
	c.speculateMu.Lock()
	defer c.speculateMu.Unlock()

	c.transition(mc, StateSpeculating)
	c.notify(mc, notify.LevelLoading, a.messages.loading)

	for _, prefix := range a.cancel {
		c.cache.CancelPending(prefix)
	}

	for _, t := range a.touches {
		snap := snapshot{key: t.key}
		version, written := c.cache.Update(t.key, func(old any, ok bool) (any, bool) {
			snap.value, snap.existed = old, ok
			return t.apply(old, ok)
		})
		snap.version, snap.written = version, written
		mc.snapshots = append(mc.snapshots, snap)
	}
}

// invoke runs the remote call detached from the caller's cancellation.
// A panic in the call fails the attempt like any other error.
func (c *Coordinator) invoke(ctx context.Context, call func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected panic: %v", r)
		}
	}()
	return call(context.WithoutCancel(ctx))
}

func (c *Coordinator) rollback(mc *Context) {
	for _, s := range mc.snapshots {
		if !s.written {
			continue
		}

		var restored bool
		if s.existed {
			restored = c.cache.WriteIfVersion(s.key, s.value, s.version)
		} else {
			restored = c.cache.RemoveIfVersion(s.key, s.version)
		}
		if !restored {
			c.logger.Printf("Not restoring %s for %s: replaced by a later write", s.key, mc.Token)
		}
	}
}

func (c *Coordinator) settle(mc *Context) {
	for _, key := range mc.keys {
		c.cache.Invalidate(key)
	}
	c.transition(mc, StateSettled)
	mc.snapshots = nil
}

func (c *Coordinator) transition(mc *Context, to State) {
	from := mc.state
	mc.state = to
	if c.onTrans != nil {
		c.onTrans(Transition{Token: mc.Token, Kind: mc.Kind, From: from, To: to, Keys: mc.Keys()})
	}
}

func (c *Coordinator) notify(mc *Context, level notify.Level, message string) {
	c.notifier.Notify(notify.Notification{
		Token:   mc.Token,
		Level:   level,
		Message: message,
		Time:    c.now(),
	})
}
