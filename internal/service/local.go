package service

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/mschirtzinger/linework/internal/store"
	"github.com/mschirtzinger/linework/internal/types"
)

// Config holds configuration for the local service.
type Config struct {
	// Logger for service activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[service] ", log.LstdFlags),
	}
}

// Local implements IssueService on top of the store. Every call requires a
// user in the context (see WithUser).
type Local struct {
	db     *store.DB
	logger *log.Logger
}

// NewLocal creates a store-backed service.
func NewLocal(db *store.DB, config *Config) (*Local, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[service] ", log.LstdFlags)
	}
	return &Local{db: db, logger: config.Logger}, nil
}

// CreateIssue validates input, assigns the team's next identifier and
// stores the issue with the caller as creator.
func (s *Local) CreateIssue(ctx context.Context, input types.CreateIssueInput) (*types.Issue, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return nil, ErrUnauthorized
	}

	issue, err := s.db.CreateIssue(ctx, input, user.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("Created %s (%s) by %s", issue.Identifier, issue.ID, user.Email)
	return issue, nil
}

// UpdateIssue applies a partial update.
func (s *Local) UpdateIssue(ctx context.Context, id string, input types.UpdateIssueInput) (*types.Issue, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return nil, ErrUnauthorized
	}

	issue, err := s.db.UpdateIssue(ctx, id, input)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("Updated %s by %s", issue.Identifier, user.Email)
	return issue, nil
}

// GetIssues lists a team's issues, highest sort order first.
func (s *Local) GetIssues(ctx context.Context, teamID string) ([]*types.Issue, error) {
	if _, ok := UserFromContext(ctx); !ok {
		return nil, ErrUnauthorized
	}
	return s.db.GetIssues(ctx, teamID)
}

// GetIssueByID returns one issue with its relations and comments.
func (s *Local) GetIssueByID(ctx context.Context, id string) (*types.Issue, error) {
	if _, ok := UserFromContext(ctx); !ok {
		return nil, ErrUnauthorized
	}
	return s.db.GetIssueByID(ctx, id)
}

// DeleteIssue removes an issue. Deleting a missing issue succeeds.
func (s *Local) DeleteIssue(ctx context.Context, id string) error {
	user, ok := UserFromContext(ctx)
	if !ok {
		return ErrUnauthorized
	}

	if err := s.db.DeleteIssue(ctx, id); err != nil {
		return err
	}
	s.logger.Printf("Deleted %s by %s", id, user.Email)
	return nil
}

// AsUser binds a user to every call of svc. Used where the caller is
// already authenticated, such as the CLI running against a local database.
func AsUser(svc IssueService, user *types.Profile) IssueService {
	return &boundService{svc: svc, user: user}
}

type boundService struct {
	svc  IssueService
	user *types.Profile
}

func (b *boundService) CreateIssue(ctx context.Context, input types.CreateIssueInput) (*types.Issue, error) {
	return b.svc.CreateIssue(WithUser(ctx, b.user), input)
}

func (b *boundService) UpdateIssue(ctx context.Context, id string, input types.UpdateIssueInput) (*types.Issue, error) {
	return b.svc.UpdateIssue(WithUser(ctx, b.user), id, input)
}

func (b *boundService) GetIssues(ctx context.Context, teamID string) ([]*types.Issue, error) {
	return b.svc.GetIssues(WithUser(ctx, b.user), teamID)
}

func (b *boundService) GetIssueByID(ctx context.Context, id string) (*types.Issue, error) {
	return b.svc.GetIssueByID(WithUser(ctx, b.user), id)
}

func (b *boundService) DeleteIssue(ctx context.Context, id string) error {
	return b.svc.DeleteIssue(WithUser(ctx, b.user), id)
}
