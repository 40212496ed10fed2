package querycache

import (
	"context"
	"errors"
	"fmt"
)

// errSuperseded marks a call replaced by an invalidation-triggered refetch.
// Waiters on it move to the replacement.
var errSuperseded = errors.New("fetch superseded")

// call is one in-flight fetcher invocation shared by every waiter on a key.
type call struct {
	done         chan struct{}
	cancel       context.CancelFunc
	startVersion uint64

	// Guarded by Cache.mu until done is closed.
	aborted error
	value   any
	err     error
}

func (cl *call) abort(reason error) {
	if cl.aborted == nil {
		cl.aborted = reason
		cl.cancel()
	}
}

// Fetch returns the value for key, loading it with the kind's fetcher when
// the cached value is missing, stale or older than the kind's stale time.
// Concurrent fetches of one key share a single fetcher call. Cancelling ctx
// stops the wait but not the shared call.
func (c *Cache) Fetch(ctx context.Context, key Key) (any, error) {
	for {
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && !e.stale && c.now().Sub(e.updatedAt) < c.staleTime(key.Kind) {
			value := e.value
			c.mu.Unlock()
			return value, nil
		}

		cl, ok := c.inflight[key]
		if !ok {
			cl = c.startLocked(key)
			if cl == nil {
				c.mu.Unlock()
				return nil, fmt.Errorf("%w for %q", ErrNoFetcher, key.Kind)
			}
		}
		c.mu.Unlock()

		select {
		case <-cl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if errors.Is(cl.err, errSuperseded) {
			continue
		}
		return cl.value, cl.err
	}
}

// startLocked launches the fetcher for key. Returns nil when the kind has no
// fetcher.
func (c *Cache) startLocked(key Key) *call {
	fetcher, ok := c.fetchers[key.Kind]
	if !ok {
		return nil
	}

	ctx, cancel := context.WithCancel(c.ctx)
	cl := &call{
		done:         make(chan struct{}),
		cancel:       cancel,
		startVersion: c.versions[key],
	}
	c.inflight[key] = cl

	c.wg.Add(1)
	go c.run(ctx, key, fetcher, cl)
	return cl
}

func (c *Cache) run(ctx context.Context, key Key, fetcher Fetcher, cl *call) {
	defer c.wg.Done()
	defer cl.cancel()

	value, err := safeFetch(ctx, fetcher, key)

	c.mu.Lock()
	if c.inflight[key] == cl {
		delete(c.inflight, key)
	}

	var written *Event
	switch {
	case cl.aborted != nil:
		cl.err = cl.aborted
	case err != nil:
		cl.err = err
		c.config.Logger.Printf("Fetch %s failed: %v", key, err)
	case c.versions[key] != cl.startVersion:
		// The key was written while we were fetching; the newer value wins.
		c.config.Logger.Printf("Discarding fetch of %s: version %d -> %d", key, cl.startVersion, c.versions[key])
		cl.value = value
		if e, ok := c.entries[key]; ok {
			cl.value = e.value
		}
	default:
		ev := c.writeLocked(key, value)
		written = &ev
		cl.value = value
	}
	c.mu.Unlock()

	close(cl.done)
	if written != nil {
		c.dispatch(*written)
	}
}

func safeFetch(ctx context.Context, fetcher Fetcher, key Key) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher for %s panicked: %v", key, r)
		}
	}()
	return fetcher(ctx, key)
}
