package main

import (
	"fmt"
	"time"

	"github.com/mschirtzinger/linework/internal/dashboard"
	"github.com/mschirtzinger/linework/internal/mutation"
	"github.com/mschirtzinger/linework/internal/querycache"
	"github.com/mschirtzinger/linework/internal/watch"
	"github.com/spf13/cobra"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "server",
	Short:   "Serve a live feed of one team's issues",
	Long: `Start a websocket feed of the team's issue list for browser views.

Against a server (server.url) the list is refreshed whenever it goes stale;
against a local database it also refreshes as soon as the file changes.
Use "lw serve" to also follow changes as they are made, with their
progress notifications.`,
	Args: cobra.NoArgs,
	RunE: runDashboard,
}

func init() {
	dashboardCmd.Flags().Int("port", 0, "Dashboard port (default 8081)")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	teamID, err := requireTeam()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	server := dashboard.NewServer(&dashboard.Config{
		Port:   cfg.DashboardPort,
		Logger: newLogger("dashboard"),
	})

	s, err := newSession(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	handler := dashboard.NewHandler(server, s.cache, newLogger("dashboard"))
	detach := handler.Attach()
	defer detach()

	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	key := mutation.IssuesKey(teamID)
	unsubscribe := s.cache.Subscribe(key, func(querycache.Event) {})
	defer unsubscribe()

	if _, err := s.coord.Issues(ctx, teamID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dashboard on http://%s (team %s)\n", server.GetAddr(), teamID)

	if s.db != nil {
		watcherCfg := watch.DefaultConfig()
		watcherCfg.DebounceInterval = cfg.WatchDebounce
		watcherCfg.Logger = newLogger("watch")
		watcher, err := watch.NewWithConfig(s.db.Path(), s.cache, watcherCfg)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	refresh := cfg.IssuesStale
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cache.Invalidate(key)
		}
	}
}
