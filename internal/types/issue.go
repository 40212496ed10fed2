// Package types provides the issue tracker's core data structures.
package types

import (
	"fmt"
	"slices"
	"time"
)

// Status is the workflow state of an issue.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCanceled   Status = "canceled"
)

// Statuses lists every valid status in workflow order.
var Statuses = []Status{StatusBacklog, StatusTodo, StatusInProgress, StatusDone, StatusCanceled}

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	return slices.Contains(Statuses, s)
}

// Priority is the urgency of an issue.
type Priority string

const (
	PriorityNone   Priority = "no_priority"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every valid priority from least to most urgent.
var Priorities = []Priority{PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// IsValid reports whether p is one of the known priorities.
func (p Priority) IsValid() bool {
	return slices.Contains(Priorities, p)
}

// Profile is a user as shown next to issues and comments.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Team owns issues and provides the identifier prefix.
type Team struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Comment is a note left on an issue.
type Comment struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	UserID    string    `json:"user_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	User      *Profile  `json:"user,omitempty"`
}

// Issue is a tracked unit of work together with its loaded relations.
type Issue struct {
	// ===== Identity =====
	ID         string `json:"id"`
	Identifier string `json:"identifier"` // TEAM-42, unique and increasing per team

	// ===== Content =====
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	SortOrder   float64  `json:"sort_order"`

	// ===== Ownership =====
	TeamID    string `json:"team_id"`
	CreatorID string `json:"creator_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ===== Relations =====
	Creator   *Profile  `json:"creator"`
	Assignees []Profile `json:"assignees"`
	Comments  []Comment `json:"comments,omitempty"`
}

// Clone returns a deep copy so cached values can be modified without
// touching the original.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	c := *i
	if i.Creator != nil {
		creator := *i.Creator
		c.Creator = &creator
	}
	if i.Assignees != nil {
		c.Assignees = slices.Clone(i.Assignees)
	}
	if i.Comments != nil {
		c.Comments = make([]Comment, len(i.Comments))
		for n, comment := range i.Comments {
			c.Comments[n] = comment
			if comment.User != nil {
				user := *comment.User
				c.Comments[n].User = &user
			}
		}
	}
	return &c
}

// Apply merges the fields set in input into the issue. UpdatedAt is left
// alone; the server owns it.
func (i *Issue) Apply(input UpdateIssueInput) {
	if input.Title != nil {
		i.Title = *input.Title
	}
	if input.Description != nil {
		i.Description = *input.Description
	}
	if input.Status != nil {
		i.Status = *input.Status
	}
	if input.Priority != nil {
		i.Priority = *input.Priority
	}
	if input.SortOrder != nil {
		i.SortOrder = *input.SortOrder
	}
}

// Validate checks the stored shape of an issue.
func (i *Issue) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if i.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if i.TeamID == "" {
		return fmt.Errorf("team_id is required")
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status %q", i.Status)
	}
	if !i.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", i.Priority)
	}
	return nil
}

// CloneIssues deep-copies a list of issues.
func CloneIssues(issues []*Issue) []*Issue {
	if issues == nil {
		return nil
	}
	out := make([]*Issue, len(issues))
	for n, issue := range issues {
		out[n] = issue.Clone()
	}
	return out
}
