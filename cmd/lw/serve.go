package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mschirtzinger/linework/internal/dashboard"
	"github.com/mschirtzinger/linework/internal/mutation"
	"github.com/mschirtzinger/linework/internal/notify"
	"github.com/mschirtzinger/linework/internal/querycache"
	"github.com/mschirtzinger/linework/internal/service"
	"github.com/mschirtzinger/linework/internal/store"
	"github.com/mschirtzinger/linework/internal/types"
	"github.com/mschirtzinger/linework/internal/watch"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// systemUser reads on behalf of the server's own dashboard feed.
var systemUser = &types.Profile{ID: "system", Email: "system@linework.local", FullName: "Linework"}

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the issue service and the live dashboard",
	Long: `Serve the issue API over HTTP and push changes to dashboard clients.

The API listens on server.addr (default 127.0.0.1:8080) and the dashboard
websocket feed on dashboard.port (default 8081). Clients point server.url
at the API and authenticate with a session token created by "lw seed".

Changes made through the API reach dashboard views as they happen, with
their progress notifications. Writes to the database from any other
process show up once the file settles.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "API listen address (default 127.0.0.1:8080)")
	serveCmd.Flags().Int("port", 0, "Dashboard port (default 8081)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg.Remote() {
		return fmt.Errorf("serve uses the local database; unset server.url")
	}

	ctx, cancel := signalContext()
	defer cancel()

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	local, err := service.NewLocal(db, &service.Config{Logger: newLogger("service")})
	if err != nil {
		return err
	}

	f, err := startFeed(ctx, db, local)
	if err != nil {
		return err
	}
	defer f.Close()

	watcherCfg := watch.DefaultConfig()
	watcherCfg.DebounceInterval = cfg.WatchDebounce
	watcherCfg.Logger = newLogger("watch")
	watcher, err := watch.NewWithConfig(db.Path(), f.cache, watcherCfg)
	if err != nil {
		return err
	}

	api := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           service.NewHandler(&apiService{IssueService: local, feed: f, watcher: watcher}, db, newLogger("service")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger := newLogger("serve")
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Printf("API listening on %s", cfg.ServerAddr)
		fmt.Fprintf(cmd.OutOrStdout(), "API on http://%s, dashboard on %s\n", cfg.ServerAddr, f.server.GetAddr())
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return api.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})

	return g.Wait()
}

// feed is the server's own cache of every team's list, published to the
// dashboard. API mutations run through its coordinator.
type feed struct {
	cache   *querycache.Cache
	coord   *mutation.Coordinator
	server  *dashboard.Server
	handler *dashboard.Handler

	unsubscribe []func()
	detach      func()
}

// startFeed starts the dashboard server and loads every team's list into
// the feed cache.
func startFeed(ctx context.Context, db *store.DB, local *service.Local) (*feed, error) {
	cacheCfg := querycache.DefaultConfig()
	cacheCfg.Logger = newLogger("cache")
	cacheCfg.StaleTimes[mutation.KindIssues] = cfg.IssuesStale
	cacheCfg.StaleTimes[mutation.KindIssue] = cfg.IssueStale

	f := &feed{cache: querycache.NewWithConfig(cacheCfg)}
	f.server = dashboard.NewServer(&dashboard.Config{
		Port:   cfg.DashboardPort,
		Logger: newLogger("dashboard"),
	})
	f.handler = dashboard.NewHandler(f.server, f.cache, newLogger("dashboard"))
	f.detach = f.handler.Attach()

	notifier := notify.Multi{f.handler, notify.Log{Logger: newLogger("notify")}}
	f.coord = mutation.NewWithConfig(f.cache, feedService{IssueService: local, system: service.AsUser(local, systemUser)}, &mutation.Config{
		Notifier:     notifier,
		Logger:       newLogger("mutation"),
		OnTransition: f.handler.OnTransition,
	})

	if err := f.server.Start(); err != nil {
		f.detach()
		f.cache.Close()
		return nil, err
	}

	teams, err := db.ListTeams(ctx)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	// Keep every team list subscribed so invalidation refetches it.
	for _, team := range teams {
		f.unsubscribe = append(f.unsubscribe, f.cache.Subscribe(mutation.IssuesKey(team.ID), func(querycache.Event) {}))
		if _, err := f.coord.Issues(ctx, team.ID); err != nil {
			newLogger("serve").Printf("Initial load of team %s failed: %v", team.Slug, err)
		}
	}
	return f, nil
}

// teamOf finds the team whose cached list holds the issue.
func (f *feed) teamOf(id string) string {
	for _, key := range f.cache.Keys(querycache.Prefix(mutation.KindIssues)) {
		v, _ := f.cache.Read(key)
		issues, _ := v.([]*types.Issue)
		for _, issue := range issues {
			if issue.ID == id {
				return key.Param
			}
		}
	}
	return ""
}

func (f *feed) Close() error {
	for _, fn := range f.unsubscribe {
		fn()
	}
	f.detach()
	err := f.server.Stop()
	f.cache.Close()
	return err
}

// feedService reads as the system user, so the feed can refetch on its
// own, and mutates as the user the API request authenticated.
type feedService struct {
	service.IssueService
	system service.IssueService
}

func (s feedService) GetIssues(ctx context.Context, teamID string) ([]*types.Issue, error) {
	return s.system.GetIssues(ctx, teamID)
}

func (s feedService) GetIssueByID(ctx context.Context, id string) (*types.Issue, error) {
	return s.system.GetIssueByID(ctx, id)
}

// ownWriteWindow is how long the watcher ignores the store after an API
// write; the coordinator invalidates what the write touched.
const ownWriteWindow = time.Second

// apiService serves the HTTP API. Reads go straight to the service;
// mutations go through the feed so dashboard views see them speculatively
// along with their notifications.
type apiService struct {
	service.IssueService
	feed    *feed
	watcher *watch.Watcher
}

func (a *apiService) begin(ctx context.Context) error {
	if _, ok := service.UserFromContext(ctx); !ok {
		return service.ErrUnauthorized
	}
	if a.watcher != nil {
		a.watcher.Suppress(ownWriteWindow)
	}
	return nil
}

func (a *apiService) CreateIssue(ctx context.Context, input types.CreateIssueInput) (*types.Issue, error) {
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	return a.feed.coord.CreateIssue(ctx, input)
}

func (a *apiService) UpdateIssue(ctx context.Context, id string, input types.UpdateIssueInput) (*types.Issue, error) {
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	return a.feed.coord.UpdateIssue(ctx, id, a.feed.teamOf(id), input)
}

func (a *apiService) DeleteIssue(ctx context.Context, id string) error {
	if err := a.begin(ctx); err != nil {
		return err
	}
	return a.feed.coord.DeleteIssue(ctx, id, a.feed.teamOf(id))
}
