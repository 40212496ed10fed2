// Package loadtest drives concurrent issue mutations through the mutation
// coordinator against a real store.
//
// Each worker creates issues and moves them through statuses while a
// subscriber keeps the team list live, the way an open view would. Failures
// can be injected into a fraction of remote calls to exercise rollback.
// After the run the cached list must match the store exactly: same issues,
// same statuses, no speculative leftovers.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/linework/internal/mutation"
	"github.com/mschirtzinger/linework/internal/querycache"
	"github.com/mschirtzinger/linework/internal/service"
	"github.com/mschirtzinger/linework/internal/store"
	"github.com/mschirtzinger/linework/internal/types"
	"golang.org/x/sync/errgroup"
)

// ErrInjected is returned by calls the harness chose to fail.
var ErrInjected = errors.New("injected failure")

const (
	benchTeamID = "5b0e6c1a-2f3d-4e8b-9a7c-6d5e4f3a2b1c"
	benchUserID = "u-bench"
)

// LatencyStats captures performance metrics from a run.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Total int
}

// Options configures a run.
type Options struct {
	Workers            int
	MutationsPerWorker int     // creates per worker; each is followed by one update
	FailureRate        float64 // fraction of remote mutations to fail, 0..1
	Seed               int64
}

// Report summarizes a run.
type Report struct {
	Create   *LatencyStats
	Update   *LatencyStats
	Failed   int // attempts that failed by injection and rolled back
	Issues   int // issues in the store afterwards
	Duration time.Duration
}

// Harness owns a store, cache and coordinator wired the way the CLI wires
// them for a local database.
type Harness struct {
	DB          *store.DB
	Cache       *querycache.Cache
	Coordinator *mutation.Coordinator
	TeamID      string

	flaky *flakyService
}

// NewHarness opens (or creates) the database at dbPath and seeds the bench
// team and user.
func NewHarness(ctx context.Context, dbPath string, logger *log.Logger) (*Harness, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.RawDB().SetMaxOpenConns(32)
	db.RawDB().SetMaxIdleConns(16)
	db.RawDB().SetConnMaxLifetime(10 * time.Minute)

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	_, err = db.LoadSeed(ctx, &store.Seed{
		Teams: []types.Team{{ID: benchTeamID, Name: "Bench", Slug: "bench"}},
		Users: []store.SeedUser{{ID: benchUserID, Email: "bench@example.com", FullName: "Bench"}},
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to seed database: %w", err)
	}

	local, err := service.NewLocal(db, &service.Config{Logger: logger})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	user, err := db.GetProfileContext(ctx, benchUserID)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load bench user: %w", err)
	}

	flaky := &flakyService{IssueService: service.AsUser(local, user), rng: rand.New(rand.NewSource(1))}

	cacheCfg := querycache.DefaultConfig()
	cacheCfg.Logger = logger
	cache := querycache.NewWithConfig(cacheCfg)

	coordCfg := mutation.DefaultConfig()
	coordCfg.Logger = logger

	return &Harness{
		DB:          db,
		Cache:       cache,
		Coordinator: mutation.NewWithConfig(cache, flaky, coordCfg),
		TeamID:      benchTeamID,
		flaky:       flaky,
	}, nil
}

// Close releases the cache and the database.
func (h *Harness) Close() error {
	h.Cache.Close()
	return h.DB.Close()
}

// Run executes opts.Workers concurrent workers and then verifies that the
// cache converged to the store.
func (h *Harness) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Workers <= 0 || opts.MutationsPerWorker <= 0 {
		return nil, fmt.Errorf("workers and mutations per worker must be positive")
	}
	h.flaky.configure(opts.FailureRate, opts.Seed)

	listKey := mutation.IssuesKey(h.TeamID)
	if _, err := h.Coordinator.Issues(ctx, h.TeamID); err != nil {
		return nil, fmt.Errorf("failed to load initial list: %w", err)
	}
	unsubscribe := h.Cache.Subscribe(listKey, func(querycache.Event) {})
	defer unsubscribe()

	var (
		mu       sync.Mutex
		creates  []time.Duration
		updates  []time.Duration
		failures int
	)
	record := func(into *[]time.Duration, d time.Duration, err error) error {
		mu.Lock()
		defer mu.Unlock()
		*into = append(*into, d)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInjected) {
			failures++
			return nil
		}
		return err
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		g.Go(func() error {
			statuses := []types.Status{types.StatusTodo, types.StatusInProgress, types.StatusDone}
			for i := 0; i < opts.MutationsPerWorker; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}

				t0 := time.Now()
				issue, err := h.Coordinator.CreateIssue(gctx, types.CreateIssueInput{
					Title:  fmt.Sprintf("Worker %d issue %d", w, i),
					TeamID: h.TeamID,
				})
				if err := record(&creates, time.Since(t0), err); err != nil {
					return fmt.Errorf("worker %d create %d failed: %w", w, i, err)
				}
				if issue == nil {
					continue
				}

				t0 = time.Now()
				_, err = h.Coordinator.UpdateIssue(gctx, issue.ID, h.TeamID, types.UpdateIssueInput{
					Status: types.Ptr(statuses[(w+i)%len(statuses)]),
				})
				if err := record(&updates, time.Since(t0), err); err != nil {
					return fmt.Errorf("worker %d update %d failed: %w", w, i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Create:   computeLatencyStats(creates),
		Update:   computeLatencyStats(updates),
		Failed:   failures,
		Duration: time.Since(start),
	}

	n, err := h.VerifyConvergence(ctx)
	if err != nil {
		return report, err
	}
	report.Issues = n
	return report, nil
}

// VerifyConvergence refreshes the cached team list and compares it with the
// store. It returns the number of issues on success.
func (h *Harness) VerifyConvergence(ctx context.Context) (int, error) {
	h.Cache.Invalidate(mutation.IssuesKey(h.TeamID))
	cached, err := h.Coordinator.Issues(ctx, h.TeamID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch cached list: %w", err)
	}
	stored, err := h.DB.GetIssues(ctx, h.TeamID)
	if err != nil {
		return 0, fmt.Errorf("failed to read store: %w", err)
	}

	if len(cached) != len(stored) {
		return 0, fmt.Errorf("cache has %d issues, store has %d", len(cached), len(stored))
	}
	want := make(map[string]types.Status, len(stored))
	for _, issue := range stored {
		want[issue.ID] = issue.Status
	}
	for _, issue := range cached {
		if issue.IsTemporary() {
			return 0, fmt.Errorf("speculative issue %s left in cache", issue.ID)
		}
		status, ok := want[issue.ID]
		if !ok {
			return 0, fmt.Errorf("cached issue %s not in store", issue.Identifier)
		}
		if status != issue.Status {
			return 0, fmt.Errorf("issue %s: cached status %s, stored %s", issue.Identifier, issue.Status, status)
		}
	}
	return len(stored), nil
}

// flakyService fails a random fraction of mutations before they reach the
// wrapped service. Reads always pass through.
type flakyService struct {
	service.IssueService

	mu   sync.Mutex
	rate float64
	rng  *rand.Rand
}

func (f *flakyService) configure(rate float64, seed int64) {
	f.mu.Lock()
	f.rate = rate
	f.rng = rand.New(rand.NewSource(seed))
	f.mu.Unlock()
}

func (f *flakyService) fail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate > 0 && f.rng.Float64() < f.rate
}

func (f *flakyService) CreateIssue(ctx context.Context, input types.CreateIssueInput) (*types.Issue, error) {
	if f.fail() {
		return nil, ErrInjected
	}
	return f.IssueService.CreateIssue(ctx, input)
}

func (f *flakyService) UpdateIssue(ctx context.Context, id string, input types.UpdateIssueInput) (*types.Issue, error) {
	if f.fail() {
		return nil, ErrInjected
	}
	return f.IssueService.UpdateIssue(ctx, id, input)
}

func (f *flakyService) DeleteIssue(ctx context.Context, id string) error {
	if f.fail() {
		return ErrInjected
	}
	return f.IssueService.DeleteIssue(ctx, id)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Total: len(durations),
	}
}

// Fprint writes the statistics in a fixed-width table.
func (s *LatencyStats) Fprint(w io.Writer, title string) {
	fmt.Fprintf(w, "%s latency:\n", title)
	fmt.Fprintf(w, "  Total:         %d\n", s.Total)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
