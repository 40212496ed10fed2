package mutation

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/linework/internal/querycache"
	"github.com/mschirtzinger/linework/internal/types"
)

// Query kinds.
const (
	KindIssues = "issues"
	KindIssue  = "issue"
)

// IssuesKey addresses the issue list of a team.
func IssuesKey(teamID string) querycache.Key {
	return querycache.Key{Kind: KindIssues, Param: teamID}
}

// IssueKey addresses a single issue.
func IssueKey(id string) querycache.Key {
	return querycache.Key{Kind: KindIssue, Param: id}
}

var (
	createMessages = messages{
		loading: "Creating issue...",
		success: "Issue created successfully",
		failure: "Failed to create issue",
	}
	updateMessages = messages{
		loading: "Updating issue...",
		success: "Issue updated successfully",
		failure: "Failed to update issue",
	}
	deleteMessages = messages{
		loading: "Deleting issue...",
		success: "Issue deleted successfully",
		failure: "Failed to delete issue",
	}
)

func (c *Coordinator) registerFetchers() {
	c.cache.RegisterFetcher(KindIssues, func(ctx context.Context, key querycache.Key) (any, error) {
		issues, err := c.svc.GetIssues(ctx, key.Param)
		if err != nil {
			return nil, err
		}
		return issues, nil
	})
	c.cache.RegisterFetcher(KindIssue, func(ctx context.Context, key querycache.Key) (any, error) {
		issue, err := c.svc.GetIssueByID(ctx, key.Param)
		if err != nil {
			return nil, err
		}
		return issue, nil
	})
}

// Issues returns the team's issue list through the cache. The slice and its
// issues are shared with the cache; clone before modifying.
func (c *Coordinator) Issues(ctx context.Context, teamID string) ([]*types.Issue, error) {
	v, err := c.cache.Fetch(ctx, IssuesKey(teamID))
	if err != nil {
		return nil, err
	}
	issues, ok := v.([]*types.Issue)
	if !ok {
		return nil, fmt.Errorf("unexpected cache value %T for %s", v, IssuesKey(teamID))
	}
	return issues, nil
}

// Issue returns one issue through the cache.
func (c *Coordinator) Issue(ctx context.Context, id string) (*types.Issue, error) {
	v, err := c.cache.Fetch(ctx, IssueKey(id))
	if err != nil {
		return nil, err
	}
	issue, ok := v.(*types.Issue)
	if !ok {
		return nil, fmt.Errorf("unexpected cache value %T for %s", v, IssueKey(id))
	}
	return issue, nil
}

// CreateIssue appends a speculative issue (identifier TEMP-0, no creator, no
// assignees) to the team's cached list and asks the service to create the
// real one. Invalid input fails the attempt before any remote call, through
// the same rollback path as a remote failure.
func (c *Coordinator) CreateIssue(ctx context.Context, input types.CreateIssueInput) (*types.Issue, error) {
	speculative := types.NewSpeculativeIssue(input, c.now())

	var created *types.Issue
	err := c.run(ctx, attempt{
		kind:     "create",
		messages: createMessages,
		cancel:   []querycache.Key{querycache.Prefix(KindIssues)},
		touches: []touch{{
			key: IssuesKey(input.TeamID),
			apply: func(old any, ok bool) (any, bool) {
				list, _ := old.([]*types.Issue)
				next := make([]*types.Issue, 0, len(list)+1)
				next = append(next, list...)
				return append(next, speculative), true
			},
		}},
		call: func(ctx context.Context) error {
			in := input
			in.SetDefaults()
			if err := in.Validate(); err != nil {
				return err
			}
			issue, err := c.svc.CreateIssue(ctx, in)
			if err != nil {
				return err
			}
			created = issue
			return nil
		},
	})
	return created, err
}

// UpdateIssue merges input into the cached issue and, when teamID is given,
// into the issue's entry in the team list. Keys that are not cached are
// left alone but still refreshed when the attempt settles.
func (c *Coordinator) UpdateIssue(ctx context.Context, id, teamID string, input types.UpdateIssueInput) (*types.Issue, error) {
	touches := []touch{{
		key: IssueKey(id),
		apply: func(old any, ok bool) (any, bool) {
			issue, isIssue := old.(*types.Issue)
			if !ok || !isIssue || issue == nil {
				return old, false
			}
			next := issue.Clone()
			next.Apply(input)
			return next, true
		},
	}}
	if teamID != "" {
		touches = append(touches, touch{
			key: IssuesKey(teamID),
			apply: func(old any, ok bool) (any, bool) {
				list, isList := old.([]*types.Issue)
				if !ok || !isList {
					return old, false
				}
				next := make([]*types.Issue, len(list))
				for i, issue := range list {
					next[i] = issue
					if issue.ID == id {
						merged := issue.Clone()
						merged.Apply(input)
						next[i] = merged
					}
				}
				return next, true
			},
		})
	}

	var updated *types.Issue
	err := c.run(ctx, attempt{
		kind:     "update",
		messages: updateMessages,
		cancel:   []querycache.Key{querycache.Prefix(KindIssues), IssueKey(id)},
		touches:  touches,
		call: func(ctx context.Context) error {
			if err := input.Validate(); err != nil {
				return err
			}
			issue, err := c.svc.UpdateIssue(ctx, id, input)
			if err != nil {
				return err
			}
			updated = issue
			return nil
		},
	})
	return updated, err
}

// DeleteIssue drops the issue from the team's cached list and asks the
// service to delete it. The single-issue entry is not touched speculatively;
// the settle refresh resolves it.
func (c *Coordinator) DeleteIssue(ctx context.Context, id, teamID string) error {
	touches := []touch{{
		key: IssueKey(id),
		apply: func(old any, ok bool) (any, bool) {
			return old, false
		},
	}}
	if teamID != "" {
		touches = append(touches, touch{
			key: IssuesKey(teamID),
			apply: func(old any, ok bool) (any, bool) {
				list, isList := old.([]*types.Issue)
				if !ok || !isList {
					return old, false
				}
				next := make([]*types.Issue, 0, len(list))
				for _, issue := range list {
					if issue.ID != id {
						next = append(next, issue)
					}
				}
				return next, len(next) != len(list)
			},
		})
	}

	return c.run(ctx, attempt{
		kind:     "delete",
		messages: deleteMessages,
		cancel:   []querycache.Key{querycache.Prefix(KindIssues), IssueKey(id)},
		touches:  touches,
		call: func(ctx context.Context) error {
			return c.svc.DeleteIssue(ctx, id)
		},
	})
}
