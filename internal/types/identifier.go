package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TempIdentifier marks an issue that only exists in the local cache.
// Server numbering starts at 1, so "-0" never names a real issue.
const TempIdentifier = "TEMP-0"

// TempIDPrefix prefixes ids of speculative issues.
const TempIDPrefix = "temp-"

// FormatIdentifier builds the human-readable identifier for the n-th
// issue of the team with the given slug.
func FormatIdentifier(slug string, n int) string {
	return fmt.Sprintf("%s-%d", strings.ToUpper(slug), n)
}

// ParseIdentifier splits "ENG-17" into ("ENG", 17). ok is false when the
// identifier has no numeric suffix.
func ParseIdentifier(identifier string) (prefix string, n int, ok bool) {
	lastDash := strings.LastIndex(identifier, "-")
	if lastDash <= 0 || lastDash == len(identifier)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(identifier[lastDash+1:])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return identifier[:lastDash], n, true
}

// NextIdentifier returns the identifier following last, or slug-1 when the
// team has no issues yet.
func NextIdentifier(slug, last string) string {
	next := 1
	if _, n, ok := ParseIdentifier(last); ok {
		next = n + 1
	}
	return FormatIdentifier(slug, next)
}

// NewTempID returns an id for a speculative issue.
func NewTempID(now time.Time) string {
	return fmt.Sprintf("%s%d", TempIDPrefix, now.UnixNano())
}

// IsTemporary reports whether the issue was synthesized locally and has
// not been confirmed by the server.
func (i *Issue) IsTemporary() bool {
	return i.Identifier == TempIdentifier || strings.HasPrefix(i.ID, TempIDPrefix)
}

// NewSpeculativeIssue builds the stand-in shown while a create is in
// flight. Relations are empty until the server answers.
func NewSpeculativeIssue(input CreateIssueInput, now time.Time) *Issue {
	input.SetDefaults()
	return &Issue{
		ID:          NewTempID(now),
		Identifier:  TempIdentifier,
		Title:       input.Title,
		Description: input.Description,
		Status:      input.Status,
		Priority:    input.Priority,
		SortOrder:   float64(now.UnixMilli()),
		TeamID:      input.TeamID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Creator:     nil,
		Assignees:   []Profile{},
	}
}
