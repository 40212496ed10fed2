// Package service provides the remote issue service: the authoritative
// create, update, read and delete operations behind the client cache.
//
// Local runs the operations against the store for an authenticated user.
// Handler exposes any IssueService over HTTP and Client consumes it, so a
// client process sees the same interface whether the service runs in
// process or behind the network.
package service

import (
	"context"
	"errors"

	"github.com/mschirtzinger/linework/internal/types"
)

// ErrUnauthorized is returned when no user is attached to the request.
var ErrUnauthorized = errors.New("Unauthorized")

// IssueService is the set of operations the client calls on the server.
// Errors carry user-facing messages.
type IssueService interface {
	CreateIssue(ctx context.Context, input types.CreateIssueInput) (*types.Issue, error)
	UpdateIssue(ctx context.Context, id string, input types.UpdateIssueInput) (*types.Issue, error)
	GetIssues(ctx context.Context, teamID string) ([]*types.Issue, error)
	GetIssueByID(ctx context.Context, id string) (*types.Issue, error)
	DeleteIssue(ctx context.Context, id string) error
}

type userKey struct{}

// WithUser attaches the authenticated user to ctx.
func WithUser(ctx context.Context, user *types.Profile) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user attached by WithUser.
func UserFromContext(ctx context.Context) (*types.Profile, bool) {
	user, ok := ctx.Value(userKey{}).(*types.Profile)
	return user, ok && user != nil
}
