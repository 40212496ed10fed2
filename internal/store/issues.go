package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mschirtzinger/linework/internal/types"
)

const issueColumns = `
	i.id, i.identifier, i.title, i.description, i.status, i.priority,
	i.sort_order, i.team_id, i.creator_id, i.created_at, i.updated_at,
	p.id, p.email, p.full_name, p.avatar_url`

const issueFrom = `
	FROM issues i
	LEFT JOIN profiles p ON p.id = i.creator_id`

// CreateIssue inserts a new issue and assigns the next identifier of its
// team. Identifiers come from a per-team counter, so they keep increasing
// even after issues are deleted.
func (db *DB) CreateIssue(ctx context.Context, input types.CreateIssueInput, creatorID string) (*types.Issue, error) {
	input.SetDefaults()
	if err := input.Validate(); err != nil {
		return nil, err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var counter int
	var slug string
	err = tx.QueryRowContext(ctx, `
	UPDATE teams SET issue_counter = issue_counter + 1
	WHERE id = ?
	RETURNING issue_counter, slug
	`, input.TeamID).Scan(&counter, &slug)
	if err != nil {
		return nil, notFound(err, "Team not found")
	}

	now := time.Now()
	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
	INSERT INTO issues (
		id, identifier, title, description, status, priority,
		sort_order, team_id, creator_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		types.FormatIdentifier(slug, counter),
		input.Title,
		nullString(input.Description),
		string(input.Status),
		string(input.Priority),
		float64(now.UnixMilli()),
		input.TeamID,
		nullString(creatorID),
		timeToString(now),
		timeToString(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert issue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return db.getIssue(ctx, id, false)
}

// ImportIssue stores an issue that already carries its identifier, such as
// one read from an export. The team counter is raised to cover the
// identifier's number.
func (db *DB) ImportIssue(ctx context.Context, issue *types.Issue) error {
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("invalid issue: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	created, updated := issue.CreatedAt, issue.UpdatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if updated.IsZero() {
		updated = created
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO issues (
		id, identifier, title, description, status, priority,
		sort_order, team_id, creator_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		priority = excluded.priority,
		sort_order = excluded.sort_order,
		updated_at = excluded.updated_at
	`,
		issue.ID,
		issue.Identifier,
		issue.Title,
		nullString(issue.Description),
		string(issue.Status),
		string(issue.Priority),
		issue.SortOrder,
		issue.TeamID,
		nullString(issue.CreatorID),
		timeToString(created),
		timeToString(updated),
	)
	if err != nil {
		return fmt.Errorf("failed to import issue %s: %w", issue.Identifier, err)
	}

	if _, n, ok := types.ParseIdentifier(issue.Identifier); ok {
		_, err = tx.ExecContext(ctx,
			`UPDATE teams SET issue_counter = MAX(issue_counter, ?) WHERE id = ?`, n, issue.TeamID)
		if err != nil {
			return fmt.Errorf("failed to advance issue counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateIssue applies a partial update and returns the stored issue.
func (db *DB) UpdateIssue(ctx context.Context, id string, input types.UpdateIssueInput) (*types.Issue, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	var sets []string
	var args []any

	if input.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *input.Title)
	}
	if input.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullString(*input.Description))
	}
	if input.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*input.Status))
	}
	if input.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*input.Priority))
	}
	if input.SortOrder != nil {
		sets = append(sets, "sort_order = ?")
		args = append(args, *input.SortOrder)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, timeToString(time.Now()), id)

	query := `UPDATE issues SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update issue %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, &notFoundError{msg: "Issue not found"}
	}

	return db.getIssue(ctx, id, false)
}

// DeleteIssue removes an issue together with its assignees and comments.
// Returns nil if the issue doesn't exist (idempotent).
func (db *DB) DeleteIssue(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete issue %s: %w", id, err)
	}
	return nil
}

// GetIssues returns the issues of a team, highest sort_order first, with
// creators and assignees loaded.
func (db *DB) GetIssues(ctx context.Context, teamID string) ([]*types.Issue, error) {
	query := `SELECT` + issueColumns + issueFrom + `
	WHERE i.team_id = ?
	ORDER BY i.sort_order DESC, i.created_at DESC`

	rows, err := db.conn.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	issues := []*types.Issue{}
	byID := make(map[string]*types.Issue)
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
		byID[issue.ID] = issue
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issues: %w", err)
	}

	if err := db.loadAssignees(ctx, `i.team_id = ?`, teamID, byID); err != nil {
		return nil, err
	}
	return issues, nil
}

// GetIssueByID returns one issue with creator, assignees and comments.
func (db *DB) GetIssueByID(ctx context.Context, id string) (*types.Issue, error) {
	return db.getIssue(ctx, id, true)
}

func (db *DB) getIssue(ctx context.Context, id string, withComments bool) (*types.Issue, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT`+issueColumns+issueFrom+` WHERE i.id = ?`, id)
	issue, err := scanIssue(row)
	if err != nil {
		return nil, notFound(err, "Issue not found")
	}

	if err := db.loadAssignees(ctx, `i.id = ?`, id, map[string]*types.Issue{id: issue}); err != nil {
		return nil, err
	}

	if withComments {
		comments, err := db.GetComments(ctx, id)
		if err != nil {
			return nil, err
		}
		issue.Comments = comments
	}
	return issue, nil
}

// loadAssignees fills Assignees for every issue in byID matching where.
func (db *DB) loadAssignees(ctx context.Context, where string, arg any, byID map[string]*types.Issue) error {
	query := `
	SELECT a.issue_id, p.id, p.email, p.full_name, p.avatar_url
	FROM issue_assignees a
	JOIN issues i ON i.id = a.issue_id
	JOIN profiles p ON p.id = a.assignee_id
	WHERE ` + where + `
	ORDER BY p.email ASC`

	rows, err := db.conn.QueryContext(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("failed to query assignees: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var issueID string
		var p types.Profile
		var fullName, avatarURL sql.NullString
		if err := rows.Scan(&issueID, &p.ID, &p.Email, &fullName, &avatarURL); err != nil {
			return fmt.Errorf("failed to scan assignee: %w", err)
		}
		p.FullName = fullName.String
		p.AvatarURL = avatarURL.String
		if issue, ok := byID[issueID]; ok {
			issue.Assignees = append(issue.Assignees, p)
		}
	}
	return rows.Err()
}

// AssignIssue adds a profile to the issue's assignees. Idempotent.
func (db *DB) AssignIssue(ctx context.Context, issueID, profileID string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO issue_assignees (issue_id, assignee_id) VALUES (?, ?)`, issueID, profileID)
	if err != nil {
		return fmt.Errorf("failed to assign %s to %s: %w", profileID, issueID, err)
	}
	return nil
}

// UnassignIssue removes a profile from the issue's assignees. Idempotent.
func (db *DB) UnassignIssue(ctx context.Context, issueID, profileID string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM issue_assignees WHERE issue_id = ? AND assignee_id = ?`, issueID, profileID)
	if err != nil {
		return fmt.Errorf("failed to unassign %s from %s: %w", profileID, issueID, err)
	}
	return nil
}

// AddComment stores a comment on an issue.
func (db *DB) AddComment(ctx context.Context, issueID, userID, body string) (*types.Comment, error) {
	comment := &types.Comment{
		ID:        uuid.NewString(),
		IssueID:   issueID,
		UserID:    userID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO comments (id, issue_id, user_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		comment.ID, comment.IssueID, comment.UserID, comment.Body, timeToString(comment.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}
	return comment, nil
}

// GetComments returns an issue's comments, oldest first, with authors.
func (db *DB) GetComments(ctx context.Context, issueID string) ([]types.Comment, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT c.id, c.issue_id, c.user_id, c.body, c.created_at,
	       p.id, p.email, p.full_name, p.avatar_url
	FROM comments c
	LEFT JOIN profiles p ON p.id = c.user_id
	WHERE c.issue_id = ?
	ORDER BY c.created_at ASC
	`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments: %w", err)
	}
	defer rows.Close()

	comments := []types.Comment{}
	for rows.Next() {
		var c types.Comment
		var createdAt string
		var pID, pEmail, pName, pAvatar sql.NullString
		if err := rows.Scan(&c.ID, &c.IssueID, &c.UserID, &c.Body, &createdAt,
			&pID, &pEmail, &pName, &pAvatar); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		c.CreatedAt = stringToTime(createdAt)
		if pID.Valid {
			c.User = &types.Profile{ID: pID.String, Email: pEmail.String, FullName: pName.String, AvatarURL: pAvatar.String}
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating comments: %w", err)
	}
	return comments, nil
}

// GetIssueCount returns the number of issues, optionally limited to a team.
func (db *DB) GetIssueCount(ctx context.Context, teamID string) (int, error) {
	query := `SELECT COUNT(*) FROM issues`
	var args []any
	if teamID != "" {
		query += ` WHERE team_id = ?`
		args = append(args, teamID)
	}
	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get issue count: %w", err)
	}
	return count, nil
}

// scanIssue reads one row selected with issueColumns.
func scanIssue(row rowScanner) (*types.Issue, error) {
	var issue types.Issue
	var description, creatorID sql.NullString
	var status, priority, createdAt, updatedAt string
	var pID, pEmail, pName, pAvatar sql.NullString

	err := row.Scan(
		&issue.ID,
		&issue.Identifier,
		&issue.Title,
		&description,
		&status,
		&priority,
		&issue.SortOrder,
		&issue.TeamID,
		&creatorID,
		&createdAt,
		&updatedAt,
		&pID,
		&pEmail,
		&pName,
		&pAvatar,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan issue: %w", err)
	}

	issue.Description = description.String
	issue.Status = types.Status(status)
	issue.Priority = types.Priority(priority)
	issue.CreatorID = creatorID.String
	issue.CreatedAt = stringToTime(createdAt)
	issue.UpdatedAt = stringToTime(updatedAt)
	issue.Assignees = []types.Profile{}
	if pID.Valid {
		issue.Creator = &types.Profile{
			ID:        pID.String,
			Email:     pEmail.String,
			FullName:  pName.String,
			AvatarURL: pAvatar.String,
		}
	}
	return &issue, nil
}
