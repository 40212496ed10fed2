package mutation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mschirtzinger/linework/internal/notify"
	"github.com/mschirtzinger/linework/internal/querycache"
	"github.com/mschirtzinger/linework/internal/types"
	"github.com/stretchr/testify/require"
)

type result struct {
	issue *types.Issue
	err   error
}

// TestCreateIssue_SpeculativeVisibility tests that the speculative issue is
// in the list while the remote call is in flight.
func TestCreateIssue_SpeculativeVisibility(t *testing.T) {
	svc := newFakeService(seedIssue(1, types.StatusTodo), seedIssue(2, types.StatusDone))
	h := newHarness(t, svc)
	ctx := context.Background()

	before, err := h.coord.Issues(ctx, testTeam)
	require.NoError(t, err)
	require.Len(t, before, 2)

	g := newGate()
	svc.hook = g.hook

	done := make(chan result, 1)
	go func() {
		issue, err := h.coord.CreateIssue(ctx, types.CreateIssueInput{Title: "Fix login bug", TeamID: testTeam})
		done <- result{issue, err}
	}()
	call := g.waitEntered(t)

	v, ok := h.cache.Read(IssuesKey(testTeam))
	require.True(t, ok)
	during := v.([]*types.Issue)
	require.Len(t, during, len(before)+1)

	pending := during[len(during)-1]
	require.Equal(t, types.TempIdentifier, pending.Identifier)
	require.True(t, pending.IsTemporary())
	require.Nil(t, pending.Creator)
	require.Empty(t, pending.Assignees)
	require.Equal(t, types.StatusBacklog, pending.Status)
	require.Equal(t, types.PriorityNone, pending.Priority)

	call.release <- nil
	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "ENG-3", res.issue.Identifier)

	// The speculative value stays until the invalidation refetches.
	entry, ok := h.cache.Entry(IssuesKey(testTeam))
	require.True(t, ok)
	require.True(t, entry.Stale)
	require.Len(t, entry.Value.([]*types.Issue), 3)

	after, err := h.coord.Issues(ctx, testTeam)
	require.NoError(t, err)
	require.Len(t, after, 3)
	for _, issue := range after {
		require.False(t, issue.IsTemporary(), "refetched list still has %s", issue.Identifier)
	}
}

// TestCreateIssue_RemoteFailureRollsBack tests that a failed create leaves
// the list exactly as it was and reports the server's message.
func TestCreateIssue_RemoteFailureRollsBack(t *testing.T) {
	svc := newFakeService(seedIssue(1, types.StatusTodo))
	h := newHarness(t, svc)
	ctx := context.Background()

	before, err := h.coord.Issues(ctx, testTeam)
	require.NoError(t, err)

	svc.hook = func(ctx context.Context, op string) error {
		return errors.New("database unavailable")
	}

	_, err = h.coord.CreateIssue(ctx, types.CreateIssueInput{Title: "Fix login bug", TeamID: testTeam})
	require.EqualError(t, err, "database unavailable")

	v, ok := h.cache.Read(IssuesKey(testTeam))
	require.True(t, ok)
	if diff := cmp.Diff(before, v.([]*types.Issue)); diff != "" {
		t.Errorf("list after rollback mismatch (-before +after):\n%s", diff)
	}

	notes := h.notes.All()
	require.Len(t, notes, 2)
	require.Equal(t, notes[0].Token, notes[1].Token)
	require.Equal(t, notify.LevelLoading, notes[0].Level)
	require.Equal(t, "Creating issue...", notes[0].Message)
	require.Equal(t, notify.LevelError, notes[1].Level)
	require.Equal(t, "Failed to create issue: database unavailable", notes[1].Message)

	require.Equal(t, []State{StateSpeculating, StateRollingBack, StateSettled}, h.states(notes[0].Token))
}

// TestCreateIssue_InvalidTeamScenario tests the create-while-failing
// scenario: the speculative issue shows up, then the list returns to its
// prior length with the failure message shown.
func TestCreateIssue_InvalidTeamScenario(t *testing.T) {
	svc := newFakeService()
	h := newHarness(t, svc)
	key := IssuesKey("T1")
	prior := []*types.Issue{}
	h.cache.Write(key, prior)

	var duringLen int
	h.coord.onTrans = func(tr Transition) {
		if tr.To == StateRollingBack {
			v, _ := h.cache.Read(key)
			duringLen = len(v.([]*types.Issue))
		}
	}

	_, err := h.coord.CreateIssue(context.Background(), types.CreateIssueInput{Title: "Fix login bug", TeamID: "T1"})
	require.Error(t, err)
	require.Equal(t, 1, duringLen, "speculative issue visible before rollback")

	v, ok := h.cache.Read(key)
	require.True(t, ok)
	require.Len(t, v.([]*types.Issue), 0)

	notes := h.notes.All()
	require.Equal(t, "Failed to create issue: Team ID must be a valid UUID", notes[len(notes)-1].Message)
	require.Zero(t, svc.counter, "invalid input never reaches the service")
}

// TestCreateIssue_AbsentListRemovedOnRollback tests that a list the cache
// never held is removed again, not left as a one-element list.
func TestCreateIssue_AbsentListRemovedOnRollback(t *testing.T) {
	svc := newFakeService()
	svc.hook = func(ctx context.Context, op string) error { return errors.New("Unauthorized") }
	h := newHarness(t, svc)

	_, err := h.coord.CreateIssue(context.Background(), types.CreateIssueInput{Title: "Fix login bug", TeamID: testTeam})
	require.EqualError(t, err, "Unauthorized")

	_, ok := h.cache.Read(IssuesKey(testTeam))
	require.False(t, ok)
}

// TestSettle_InvalidatesEachKeyOnce tests that success and failure both
// invalidate every touched key exactly once.
func TestSettle_InvalidatesEachKeyOnce(t *testing.T) {
	tests := []struct {
		name    string
		hookErr error
		state   State
	}{
		{"success", nil, StateCommitting},
		{"failure", errors.New("boom"), StateRollingBack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := seedIssue(1, types.StatusTodo)
			svc := newFakeService(seed)
			h := newHarness(t, svc)
			ctx := context.Background()

			_, err := h.coord.Issues(ctx, testTeam)
			require.NoError(t, err)
			_, err = h.coord.Issue(ctx, seed.ID)
			require.NoError(t, err)

			counts := h.countInvalidations(t)
			svc.hook = func(ctx context.Context, op string) error { return tt.hookErr }

			_, err = h.coord.UpdateIssue(ctx, seed.ID, testTeam, types.UpdateIssueInput{Status: types.Ptr(types.StatusInProgress)})
			require.Equal(t, tt.hookErr, err)

			want := map[querycache.Key]int{IssueKey(seed.ID): 1, IssuesKey(testTeam): 1}
			if diff := cmp.Diff(want, counts()); diff != "" {
				t.Errorf("invalidations mismatch (-want +got):\n%s", diff)
			}

			token := h.notes.All()[0].Token
			require.Equal(t, []State{StateSpeculating, tt.state, StateSettled}, h.states(token))
		})
	}
}

// TestUpdateIssue_StatusScenario tests the todo -> in_progress scenario:
// speculative before confirmation, authoritative after the refetch.
func TestUpdateIssue_StatusScenario(t *testing.T) {
	seed := seedIssue(1, types.StatusTodo)
	svc := newFakeService(seed)
	h := newHarness(t, svc)
	ctx := context.Background()

	cached, err := h.coord.Issue(ctx, seed.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusTodo, cached.Status)

	g := newGate()
	svc.hook = g.hook

	done := make(chan result, 1)
	go func() {
		issue, err := h.coord.UpdateIssue(ctx, seed.ID, "", types.UpdateIssueInput{Status: types.Ptr(types.StatusInProgress)})
		done <- result{issue, err}
	}()
	call := g.waitEntered(t)
	require.Equal(t, "update", call.op)

	v, _ := h.cache.Read(IssueKey(seed.ID))
	require.Equal(t, types.StatusInProgress, v.(*types.Issue).Status)
	require.Equal(t, types.StatusTodo, cached.Status, "cached values are never mutated in place")

	call.release <- nil
	res := <-done
	require.NoError(t, res.err)

	entry, _ := h.cache.Entry(IssueKey(seed.ID))
	require.True(t, entry.Stale)

	refreshed, err := h.coord.Issue(ctx, seed.ID)
	require.NoError(t, err)
	authoritative, _ := svc.GetIssueByID(ctx, seed.ID)
	if diff := cmp.Diff(authoritative, refreshed); diff != "" {
		t.Errorf("refetched issue mismatch (-server +cache):\n%s", diff)
	}

	notes := h.notes.All()
	require.Equal(t, "Issue updated successfully", notes[len(notes)-1].Message)
}

// TestUpdateIssue_MergesIntoList tests that the list entry gets the same
// speculative merge as the single issue.
func TestUpdateIssue_MergesIntoList(t *testing.T) {
	a, b := seedIssue(1, types.StatusTodo), seedIssue(2, types.StatusTodo)
	svc := newFakeService(a, b)
	h := newHarness(t, svc)
	ctx := context.Background()

	_, err := h.coord.Issues(ctx, testTeam)
	require.NoError(t, err)

	g := newGate()
	svc.hook = g.hook
	done := make(chan result, 1)
	go func() {
		issue, err := h.coord.UpdateIssue(ctx, a.ID, testTeam, types.UpdateIssueInput{Title: types.Ptr("Renamed")})
		done <- result{issue, err}
	}()
	call := g.waitEntered(t)

	v, _ := h.cache.Read(IssuesKey(testTeam))
	for _, issue := range v.([]*types.Issue) {
		switch issue.ID {
		case a.ID:
			require.Equal(t, "Renamed", issue.Title)
		case b.ID:
			require.Equal(t, b.Title, issue.Title)
		}
	}
	_, ok := h.cache.Read(IssueKey(a.ID))
	require.False(t, ok, "uncached detail entry is not synthesized")

	call.release <- nil
	require.NoError(t, (<-done).err)
}

// TestUpdateIssue_InvalidInput tests that client-side validation fails the
// attempt through rollback without calling the service.
func TestUpdateIssue_InvalidInput(t *testing.T) {
	seed := seedIssue(1, types.StatusTodo)
	svc := newFakeService(seed)
	called := false
	svc.hook = func(ctx context.Context, op string) error {
		called = true
		return nil
	}
	h := newHarness(t, svc)
	ctx := context.Background()

	before, err := h.coord.Issue(ctx, seed.ID)
	require.NoError(t, err)

	_, err = h.coord.UpdateIssue(ctx, seed.ID, "", types.UpdateIssueInput{Title: types.Ptr("no")})
	require.EqualError(t, err, "Title must be at least 3 characters long")
	require.False(t, called)

	v, _ := h.cache.Read(IssueKey(seed.ID))
	if diff := cmp.Diff(before, v); diff != "" {
		t.Errorf("issue after rollback mismatch (-before +after):\n%s", diff)
	}
}

// TestCreateIssue_CancelsInFlightFetch tests that a slow list fetch started
// before the mutation cannot overwrite the speculative list.
func TestCreateIssue_CancelsInFlightFetch(t *testing.T) {
	svc := newFakeService(seedIssue(1, types.StatusTodo))
	h := newHarness(t, svc)
	ctx := context.Background()

	fetchEntered := make(chan struct{})
	fetchRelease := make(chan struct{})
	svc.listHook = func(ctx context.Context) {
		close(fetchEntered)
		<-fetchRelease
	}

	fetchErr := make(chan error, 1)
	go func() {
		_, err := h.coord.Issues(ctx, testTeam)
		fetchErr <- err
	}()
	<-fetchEntered

	g := newGate()
	svc.hook = g.hook
	done := make(chan result, 1)
	go func() {
		issue, err := h.coord.CreateIssue(ctx, types.CreateIssueInput{Title: "Fix login bug", TeamID: testTeam})
		done <- result{issue, err}
	}()
	call := g.waitEntered(t)

	close(fetchRelease)
	require.ErrorIs(t, <-fetchErr, querycache.ErrCancelled)

	v, _ := h.cache.Read(IssuesKey(testTeam))
	list := v.([]*types.Issue)
	require.Len(t, list, 1)
	require.True(t, list[0].IsTemporary(), "stale fetch clobbered the speculation")

	svc.listHook = nil
	call.release <- nil
	require.NoError(t, (<-done).err)
}

// TestRollback_KeepsNewerSpeculation tests that a failing attempt does not
// restore over a later attempt's speculative write to the same key.
func TestRollback_KeepsNewerSpeculation(t *testing.T) {
	seed := seedIssue(1, types.StatusTodo)
	svc := newFakeService(seed)
	h := newHarness(t, svc)
	ctx := context.Background()

	_, err := h.coord.Issue(ctx, seed.ID)
	require.NoError(t, err)

	g := newGate()
	svc.hook = g.hook

	first := make(chan result, 1)
	go func() {
		issue, err := h.coord.UpdateIssue(ctx, seed.ID, "", types.UpdateIssueInput{Status: types.Ptr(types.StatusInProgress)})
		first <- result{issue, err}
	}()
	firstCall := g.waitEntered(t)

	second := make(chan result, 1)
	go func() {
		issue, err := h.coord.UpdateIssue(ctx, seed.ID, "", types.UpdateIssueInput{Priority: types.Ptr(types.PriorityUrgent)})
		second <- result{issue, err}
	}()
	secondCall := g.waitEntered(t)

	firstCall.release <- errors.New("conflict")
	require.Error(t, (<-first).err)

	v, _ := h.cache.Read(IssueKey(seed.ID))
	issue := v.(*types.Issue)
	require.Equal(t, types.PriorityUrgent, issue.Priority, "newer speculation survived")
	require.Equal(t, types.StatusInProgress, issue.Status, "second snapshot saw the first speculation")

	secondCall.release <- nil
	require.NoError(t, (<-second).err)
}

// TestRun_CallerCancelDoesNotAbortRemoteCall tests that the remote call
// finishes after the caller's context is cancelled.
func TestRun_CallerCancelDoesNotAbortRemoteCall(t *testing.T) {
	svc := newFakeService()
	h := newHarness(t, svc)

	var callCtxErr error
	entered := make(chan struct{})
	release := make(chan struct{})
	svc.hook = func(ctx context.Context, op string) error {
		close(entered)
		<-release
		callCtxErr = ctx.Err()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan result, 1)
	go func() {
		issue, err := h.coord.CreateIssue(ctx, types.CreateIssueInput{Title: "Fix login bug", TeamID: testTeam})
		done <- result{issue, err}
	}()
	<-entered
	cancel()
	close(release)

	res := <-done
	require.NoError(t, res.err)
	require.NoError(t, callCtxErr)
	require.NotNil(t, res.issue)
}

// TestRun_CancelledBeforeStart tests that nothing happens for a context that
// is already done.
func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, newFakeService())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.coord.CreateIssue(ctx, types.CreateIssueInput{Title: "Fix login bug", TeamID: testTeam})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.notes.All())
	_, ok := h.cache.Read(IssuesKey(testTeam))
	require.False(t, ok)
}

// TestRun_PanicSettles tests that a panicking call still rolls back and
// settles.
func TestRun_PanicSettles(t *testing.T) {
	svc := newFakeService()
	svc.hook = func(ctx context.Context, op string) error { panic("remote exploded") }
	h := newHarness(t, svc)

	_, err := h.coord.CreateIssue(context.Background(), types.CreateIssueInput{Title: "Fix login bug", TeamID: testTeam})
	require.ErrorContains(t, err, "remote exploded")

	_, ok := h.cache.Read(IssuesKey(testTeam))
	require.False(t, ok)

	token := h.notes.All()[0].Token
	require.Equal(t, []State{StateSpeculating, StateRollingBack, StateSettled}, h.states(token))
}

// TestTransition_KeysFromSpeculation tests that every transition, the first
// one included, names the keys the attempt touches.
func TestTransition_KeysFromSpeculation(t *testing.T) {
	svc := newFakeService()
	h := newHarness(t, svc)

	var first Transition
	var seen bool
	svc.hook = func(ctx context.Context, op string) error {
		h.mu.Lock()
		first, seen = h.transitions[0], true
		h.mu.Unlock()
		return nil
	}

	_, err := h.coord.CreateIssue(context.Background(), types.CreateIssueInput{Title: "Fix login bug", TeamID: testTeam})
	require.NoError(t, err)
	require.True(t, seen)
	require.Equal(t, StateSpeculating, first.To)
	require.Equal(t, []querycache.Key{IssuesKey(testTeam)}, first.Keys)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, tr := range h.transitions {
		require.Equal(t, []querycache.Key{IssuesKey(testTeam)}, tr.Keys, "keys at %s", tr.To)
	}
}

// TestRollback_OverlappingFailuresLeavePlaceholder tests that when two
// creates on one list fail in speculation order, the earlier placeholder
// survives the later restore until the next fetch.
func TestRollback_OverlappingFailuresLeavePlaceholder(t *testing.T) {
	svc := newFakeService()
	h := newHarness(t, svc)
	h.cache.Write(IssuesKey(testTeam), []*types.Issue{})

	g := newGate()
	svc.hook = g.hook
	ctx := context.Background()
	create := func(done chan<- error) {
		_, err := h.coord.CreateIssue(ctx, types.CreateIssueInput{Title: "Fix login bug", TeamID: testTeam})
		done <- err
	}

	doneA, doneB := make(chan error, 1), make(chan error, 1)
	go create(doneA)
	callA := g.waitEntered(t)
	go create(doneB)
	callB := g.waitEntered(t)

	callA.release <- errors.New("Failed A")
	require.EqualError(t, <-doneA, "Failed A")
	callB.release <- errors.New("Failed B")
	require.EqualError(t, <-doneB, "Failed B")

	entry, ok := h.cache.Entry(IssuesKey(testTeam))
	require.True(t, ok)
	require.True(t, entry.Stale)
	list := entry.Value.([]*types.Issue)
	require.Len(t, list, 1)
	require.True(t, list[0].IsTemporary())

	svc.hook = nil
	after, err := h.coord.Issues(ctx, testTeam)
	require.NoError(t, err)
	require.Empty(t, after)
}

// TestDeleteIssue tests speculative removal and its rollback.
func TestDeleteIssue(t *testing.T) {
	a, b := seedIssue(1, types.StatusTodo), seedIssue(2, types.StatusTodo)
	svc := newFakeService(a, b)
	h := newHarness(t, svc)
	ctx := context.Background()

	before, err := h.coord.Issues(ctx, testTeam)
	require.NoError(t, err)

	g := newGate()
	svc.hook = g.hook
	done := make(chan error, 1)
	go func() { done <- h.coord.DeleteIssue(ctx, a.ID, testTeam) }()
	call := g.waitEntered(t)

	v, _ := h.cache.Read(IssuesKey(testTeam))
	require.Len(t, v.([]*types.Issue), 1)

	call.release <- errors.New("Issue is locked")
	require.EqualError(t, <-done, "Issue is locked")

	v, _ = h.cache.Read(IssuesKey(testTeam))
	if diff := cmp.Diff(before, v.([]*types.Issue)); diff != "" {
		t.Errorf("list after rollback mismatch (-before +after):\n%s", diff)
	}

	svc.hook = nil
	require.NoError(t, h.coord.DeleteIssue(ctx, a.ID, testTeam))
	after, err := h.coord.Issues(ctx, testTeam)
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, b.ID, after[0].ID)

	notes := h.notes.All()
	require.Equal(t, "Issue deleted successfully", notes[len(notes)-1].Message)
}

// TestSpeculation_Serialized tests that concurrent creates on one team each
// add exactly one speculative element.
func TestSpeculation_Serialized(t *testing.T) {
	svc := newFakeService()
	h := newHarness(t, svc)
	h.cache.Write(IssuesKey(testTeam), []*types.Issue{})

	g := newGate()
	svc.hook = g.hook

	const n = 5
	done := make(chan result, n)
	for i := 0; i < n; i++ {
		go func() {
			issue, err := h.coord.CreateIssue(context.Background(), types.CreateIssueInput{Title: "Parallel create", TeamID: testTeam})
			done <- result{issue, err}
		}()
	}
	calls := make([]*pendingCall, 0, n)
	for i := 0; i < n; i++ {
		calls = append(calls, g.waitEntered(t))
	}

	v, _ := h.cache.Read(IssuesKey(testTeam))
	require.Len(t, v.([]*types.Issue), n)

	for _, call := range calls {
		call.release <- nil
	}
	for i := 0; i < n; i++ {
		select {
		case res := <-done:
			require.NoError(t, res.err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for creates")
		}
	}
}
