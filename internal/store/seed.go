package store

import (
	"context"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/mschirtzinger/linework/internal/types"
)

// Seed describes teams and users to load into a fresh database.
//
// Example:
//
//	[[teams]]
//	id = "3f1c2a9e-8d4b-4c6a-9f0e-1b2c3d4e5f60"
//	name = "Engineering"
//	slug = "eng"
//
//	[[users]]
//	id = "u-ada"
//	email = "ada@example.com"
//	full_name = "Ada Lovelace"
//	token = "dev-token-ada"
type Seed struct {
	Teams []types.Team `toml:"teams"`
	Users []SeedUser   `toml:"users"`
}

// SeedUser is a profile plus an optional session token.
type SeedUser struct {
	ID        string `toml:"id"`
	Email     string `toml:"email"`
	FullName  string `toml:"full_name"`
	AvatarURL string `toml:"avatar_url"`
	Token     string `toml:"token"`
}

// SeedResult counts what LoadSeed wrote.
type SeedResult struct {
	Teams    int
	Users    int
	Sessions int
}

// ReadSeedFile parses a TOML seed file.
func ReadSeedFile(path string) (*Seed, error) {
	var seed Seed
	meta, err := toml.DecodeFile(path, &seed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("seed file %s: unknown keys %v", path, undecoded)
	}
	return &seed, nil
}

// LoadSeed upserts the seed's teams, users and sessions. Re-running it is
// safe; existing rows are updated in place.
func (db *DB) LoadSeed(ctx context.Context, seed *Seed) (SeedResult, error) {
	var result SeedResult

	for i := range seed.Teams {
		if err := db.UpsertTeamContext(ctx, &seed.Teams[i]); err != nil {
			return result, err
		}
		result.Teams++
	}

	for _, user := range seed.Users {
		profile := &types.Profile{
			ID:        user.ID,
			Email:     user.Email,
			FullName:  user.FullName,
			AvatarURL: user.AvatarURL,
		}
		if err := db.UpsertProfileContext(ctx, profile); err != nil {
			return result, err
		}
		result.Users++

		if user.Token != "" {
			if err := db.CreateSession(ctx, user.Token, user.ID); err != nil {
				return result, err
			}
			result.Sessions++
		}
	}

	return result, nil
}
