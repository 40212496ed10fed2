package mutation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mschirtzinger/linework/internal/notify"
	"github.com/mschirtzinger/linework/internal/querycache"
	"github.com/mschirtzinger/linework/internal/types"
)

const testTeam = "3f1c2a9e-8d4b-4c6a-9f0e-1b2c3d4e5f60"

var testCreator = types.Profile{ID: "u-ada", Email: "ada@example.com", FullName: "Ada Lovelace"}

// fakeService is an in-memory IssueService. hook runs at the start of
// every mutation and can block or fail it.
type fakeService struct {
	mu      sync.Mutex
	issues  map[string]*types.Issue
	counter int

	hook     func(ctx context.Context, op string) error
	listHook func(ctx context.Context)
}

func newFakeService(seed ...*types.Issue) *fakeService {
	f := &fakeService{issues: make(map[string]*types.Issue)}
	for _, issue := range seed {
		f.issues[issue.ID] = issue.Clone()
		if _, n, ok := types.ParseIdentifier(issue.Identifier); ok && n > f.counter {
			f.counter = n
		}
	}
	return f
}

func (f *fakeService) before(ctx context.Context, op string) error {
	if f.hook == nil {
		return nil
	}
	return f.hook(ctx, op)
}

func (f *fakeService) CreateIssue(ctx context.Context, input types.CreateIssueInput) (*types.Issue, error) {
	if err := f.before(ctx, "create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.counter++
	now := time.Now()
	creator := testCreator
	issue := &types.Issue{
		ID:          uuid.NewString(),
		Identifier:  types.FormatIdentifier("eng", f.counter),
		Title:       input.Title,
		Description: input.Description,
		Status:      input.Status,
		Priority:    input.Priority,
		SortOrder:   float64(now.UnixMilli()),
		TeamID:      input.TeamID,
		CreatorID:   creator.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Creator:     &creator,
		Assignees:   []types.Profile{},
	}
	f.issues[issue.ID] = issue
	return issue.Clone(), nil
}

func (f *fakeService) UpdateIssue(ctx context.Context, id string, input types.UpdateIssueInput) (*types.Issue, error) {
	if err := f.before(ctx, "update"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	issue, ok := f.issues[id]
	if !ok {
		return nil, errors.New("Issue not found")
	}
	issue.Apply(input)
	return issue.Clone(), nil
}

func (f *fakeService) GetIssues(ctx context.Context, teamID string) ([]*types.Issue, error) {
	if f.listHook != nil {
		f.listHook(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	issues := []*types.Issue{}
	for _, issue := range f.issues {
		if issue.TeamID == teamID {
			issues = append(issues, issue.Clone())
		}
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].SortOrder > issues[j].SortOrder })
	return issues, nil
}

func (f *fakeService) GetIssueByID(ctx context.Context, id string) (*types.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	issue, ok := f.issues[id]
	if !ok {
		return nil, errors.New("Issue not found")
	}
	return issue.Clone(), nil
}

func (f *fakeService) DeleteIssue(ctx context.Context, id string) error {
	if err := f.before(ctx, "delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.issues, id)
	return nil
}

// gate blocks every mutation hook until the test releases that call.
type gate struct {
	entered chan *pendingCall
}

type pendingCall struct {
	op      string
	release chan error
}

func newGate() *gate {
	return &gate{entered: make(chan *pendingCall, 8)}
}

func (g *gate) hook(ctx context.Context, op string) error {
	p := &pendingCall{op: op, release: make(chan error, 1)}
	g.entered <- p
	return <-p.release
}

func (g *gate) waitEntered(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case p := <-g.entered:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remote call")
		return nil
	}
}

type harness struct {
	cache       *querycache.Cache
	svc         *fakeService
	coord       *Coordinator
	notes       *notify.Recorder
	mu          sync.Mutex
	transitions []Transition
}

func newHarness(t *testing.T, svc *fakeService) *harness {
	t.Helper()

	cacheCfg := querycache.DefaultConfig()
	cacheCfg.Logger = log.New(io.Discard, "", 0)
	cache := querycache.NewWithConfig(cacheCfg)
	t.Cleanup(cache.Close)

	h := &harness{cache: cache, svc: svc, notes: &notify.Recorder{}}
	h.coord = NewWithConfig(cache, svc, &Config{
		Notifier: h.notes,
		Logger:   log.New(io.Discard, "", 0),
		Now:      func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		OnTransition: func(tr Transition) {
			h.mu.Lock()
			h.transitions = append(h.transitions, tr)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) states(token string) []State {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []State
	for _, tr := range h.transitions {
		if tr.Token == token {
			out = append(out, tr.To)
		}
	}
	return out
}

// countInvalidations subscribes to every issue key and counts invalidation
// events per key.
func (h *harness) countInvalidations(t *testing.T) func() map[querycache.Key]int {
	t.Helper()
	var mu sync.Mutex
	counts := make(map[querycache.Key]int)
	record := func(ev querycache.Event) {
		if ev.Type == querycache.EventInvalidated {
			mu.Lock()
			counts[ev.Key]++
			mu.Unlock()
		}
	}
	cancel1 := h.cache.Subscribe(querycache.Prefix(KindIssues), record)
	cancel2 := h.cache.Subscribe(querycache.Prefix(KindIssue), record)
	t.Cleanup(cancel1)
	t.Cleanup(cancel2)

	return func() map[querycache.Key]int {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[querycache.Key]int, len(counts))
		for k, v := range counts {
			out[k] = v
		}
		return out
	}
}

func seedIssue(n int, status types.Status) *types.Issue {
	now := time.Date(2024, 4, 1, 0, 0, n, 0, time.UTC)
	creator := testCreator
	return &types.Issue{
		ID:         fmt.Sprintf("00000000-0000-4000-8000-%012d", n),
		Identifier: types.FormatIdentifier("eng", n),
		Title:      fmt.Sprintf("Seeded issue %d", n),
		Status:     status,
		Priority:   types.PriorityMedium,
		SortOrder:  float64(now.UnixMilli()),
		TeamID:     testTeam,
		CreatorID:  creator.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Creator:    &creator,
		Assignees:  []types.Profile{},
	}
}
