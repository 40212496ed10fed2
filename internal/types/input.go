package types

import (
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MinTitleLength is the shortest title the tracker accepts.
const MinTitleLength = 3

// ValidationError reports an input field that failed validation. The
// message is meant to be shown to users as-is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// CreateIssueInput is the payload for creating an issue.
type CreateIssueInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	TeamID      string   `json:"team_id"`
	Priority    Priority `json:"priority,omitempty"`
	Status      Status   `json:"status,omitempty"`
}

// SetDefaults fills in the optional fields.
func (in *CreateIssueInput) SetDefaults() {
	if in.Priority == "" {
		in.Priority = PriorityNone
	}
	if in.Status == "" {
		in.Status = StatusBacklog
	}
}

// Validate checks the input after defaults have been applied.
func (in *CreateIssueInput) Validate() error {
	if err := validateTitle(in.Title); err != nil {
		return err
	}
	if err := ValidateTeamID(in.TeamID); err != nil {
		return err
	}
	if !in.Priority.IsValid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("Invalid priority %q", in.Priority)}
	}
	if !in.Status.IsValid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("Invalid status %q", in.Status)}
	}
	return nil
}

// UpdateIssueInput is a partial update; nil fields are left unchanged.
type UpdateIssueInput struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	SortOrder   *float64  `json:"sort_order,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (in *UpdateIssueInput) IsEmpty() bool {
	return in.Title == nil && in.Description == nil && in.Status == nil &&
		in.Priority == nil && in.SortOrder == nil
}

// Validate checks the fields that are set.
func (in *UpdateIssueInput) Validate() error {
	if in.Title != nil {
		if err := validateTitle(*in.Title); err != nil {
			return err
		}
	}
	if in.Status != nil && !in.Status.IsValid() {
		return &ValidationError{Field: "status", Message: fmt.Sprintf("Invalid status %q", *in.Status)}
	}
	if in.Priority != nil && !in.Priority.IsValid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("Invalid priority %q", *in.Priority)}
	}
	return nil
}

// ValidateTeamID checks that id is a UUID in the hyphenated 36-character
// form. Braced, urn:uuid: and unhyphenated forms are rejected.
func ValidateTeamID(id string) error {
	if len(id) != 36 || uuid.Validate(id) != nil {
		return &ValidationError{Field: "team_id", Message: "Team ID must be a valid UUID"}
	}
	return nil
}

func validateTitle(title string) error {
	if utf8.RuneCountInString(title) < MinTitleLength {
		return &ValidationError{Field: "title", Message: "Title must be at least 3 characters long"}
	}
	return nil
}

// Ptr returns a pointer to v. Handy for building UpdateIssueInput.
func Ptr[T any](v T) *T {
	return &v
}
