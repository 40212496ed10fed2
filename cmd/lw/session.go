package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/linework/internal/mutation"
	"github.com/mschirtzinger/linework/internal/notify"
	"github.com/mschirtzinger/linework/internal/querycache"
	"github.com/mschirtzinger/linework/internal/service"
	"github.com/mschirtzinger/linework/internal/store"
)

// session is the client side of one command: an issue service (remote or
// local), the query cache and the mutation coordinator on top of them.
type session struct {
	svc   service.IssueService
	cache *querycache.Cache
	coord *mutation.Coordinator

	// db is set in local mode only
	db *store.DB
}

// openStore opens the configured database, creating its directory and
// schema when needed.
func openStore(ctx context.Context) (*store.DB, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// newSession connects to the server when server.url is set and to the
// local database otherwise. In both cases the configured token
// identifies the user.
func newSession(ctx context.Context, notifier notify.Notifier) (*session, error) {
	s := &session{}

	if cfg.Remote() {
		s.svc = service.NewClient(cfg.ServerURL, cfg.AuthToken, &http.Client{Timeout: 30 * time.Second})
	} else {
		db, err := openStore(ctx)
		if err != nil {
			return nil, err
		}
		s.db = db

		if cfg.AuthToken == "" {
			_ = db.Close()
			return nil, fmt.Errorf("%w: set auth.token (or LW_AUTH_TOKEN, --token)", service.ErrUnauthorized)
		}
		user, err := db.UserForToken(ctx, cfg.AuthToken)
		if err != nil {
			_ = db.Close()
			if errors.Is(err, store.ErrNotFound) {
				return nil, service.ErrUnauthorized
			}
			return nil, err
		}

		local, err := service.NewLocal(db, &service.Config{Logger: newLogger("service")})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.svc = service.AsUser(local, user)
	}

	cacheCfg := querycache.DefaultConfig()
	cacheCfg.Logger = newLogger("cache")
	cacheCfg.StaleTimes[mutation.KindIssues] = cfg.IssuesStale
	cacheCfg.StaleTimes[mutation.KindIssue] = cfg.IssueStale
	s.cache = querycache.NewWithConfig(cacheCfg)

	coordCfg := mutation.DefaultConfig()
	coordCfg.Logger = newLogger("mutation")
	if notifier != nil {
		coordCfg.Notifier = notifier
	}
	s.coord = mutation.NewWithConfig(s.cache, s.svc, coordCfg)

	return s, nil
}

func (s *session) Close() error {
	s.cache.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// requireTeam returns the team from --team or config.
func requireTeam() (string, error) {
	if cfg.Team == "" {
		return "", fmt.Errorf("no team given: pass --team or set team in config")
	}
	return cfg.Team, nil
}
