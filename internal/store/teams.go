package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mschirtzinger/linework/internal/types"
)

// UpsertTeam inserts or renames a team. The issue counter is preserved.
func (db *DB) UpsertTeam(team *types.Team) error {
	return db.UpsertTeamContext(context.Background(), team)
}

// UpsertTeamContext inserts or renames a team with context support.
func (db *DB) UpsertTeamContext(ctx context.Context, team *types.Team) error {
	if err := types.ValidateTeamID(team.ID); err != nil {
		return fmt.Errorf("invalid team: %w", err)
	}
	if team.Slug == "" {
		return fmt.Errorf("invalid team %s: slug is required", team.ID)
	}

	query := `
	INSERT INTO teams (id, name, slug) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		slug = excluded.slug
	`
	if _, err := db.conn.ExecContext(ctx, query, team.ID, team.Name, team.Slug); err != nil {
		return fmt.Errorf("failed to upsert team %s: %w", team.ID, err)
	}
	return nil
}

// GetTeam retrieves a team by ID.
func (db *DB) GetTeam(id string) (*types.Team, error) {
	return db.GetTeamContext(context.Background(), id)
}

// GetTeamContext retrieves a team by ID with context support.
func (db *DB) GetTeamContext(ctx context.Context, id string) (*types.Team, error) {
	var team types.Team
	err := db.conn.QueryRowContext(ctx, `SELECT id, name, slug FROM teams WHERE id = ?`, id).
		Scan(&team.ID, &team.Name, &team.Slug)
	if err != nil {
		return nil, notFound(err, "Team not found")
	}
	return &team, nil
}

// ListTeams returns all teams ordered by name.
func (db *DB) ListTeams(ctx context.Context) ([]*types.Team, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, slug FROM teams ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var teams []*types.Team
	for rows.Next() {
		var team types.Team
		if err := rows.Scan(&team.ID, &team.Name, &team.Slug); err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, &team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating teams: %w", err)
	}
	return teams, nil
}

// UpsertProfile inserts or updates a user profile.
func (db *DB) UpsertProfile(profile *types.Profile) error {
	return db.UpsertProfileContext(context.Background(), profile)
}

// UpsertProfileContext inserts or updates a user profile with context support.
func (db *DB) UpsertProfileContext(ctx context.Context, profile *types.Profile) error {
	if profile.ID == "" || profile.Email == "" {
		return fmt.Errorf("invalid profile: id and email are required")
	}

	query := `
	INSERT INTO profiles (id, email, full_name, avatar_url) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		email = excluded.email,
		full_name = excluded.full_name,
		avatar_url = excluded.avatar_url
	`
	_, err := db.conn.ExecContext(ctx, query,
		profile.ID, profile.Email, nullString(profile.FullName), nullString(profile.AvatarURL))
	if err != nil {
		return fmt.Errorf("failed to upsert profile %s: %w", profile.ID, err)
	}
	return nil
}

// GetProfileContext retrieves a profile by ID.
func (db *DB) GetProfileContext(ctx context.Context, id string) (*types.Profile, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, email, full_name, avatar_url FROM profiles WHERE id = ?`, id)
	profile, err := scanProfile(row)
	if err != nil {
		return nil, notFound(err, "Profile not found")
	}
	return profile, nil
}

// CreateSession binds a bearer token to a user.
func (db *DB) CreateSession(ctx context.Context, token, userID string) error {
	query := `
	INSERT INTO sessions (token, user_id, created_at) VALUES (?, ?, ?)
	ON CONFLICT(token) DO UPDATE SET user_id = excluded.user_id
	`
	if _, err := db.conn.ExecContext(ctx, query, token, userID, timeToString(time.Now())); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UserForToken resolves a bearer token to its profile.
func (db *DB) UserForToken(ctx context.Context, token string) (*types.Profile, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT p.id, p.email, p.full_name, p.avatar_url
	FROM sessions s JOIN profiles p ON p.id = s.user_id
	WHERE s.token = ?
	`, token)
	profile, err := scanProfile(row)
	if err != nil {
		return nil, notFound(err, "Session not found")
	}
	return profile, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*types.Profile, error) {
	var profile types.Profile
	var fullName, avatarURL sql.NullString
	if err := row.Scan(&profile.ID, &profile.Email, &fullName, &avatarURL); err != nil {
		return nil, err
	}
	profile.FullName = fullName.String
	profile.AvatarURL = avatarURL.String
	return &profile, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
