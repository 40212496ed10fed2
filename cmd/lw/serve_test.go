package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/mschirtzinger/linework/internal/dashboard"
	"github.com/mschirtzinger/linework/internal/service"
	"github.com/mschirtzinger/linework/internal/store"
	"github.com/mschirtzinger/linework/internal/types"
	"github.com/mschirtzinger/linework/internal/watch"
	"github.com/stretchr/testify/require"
)

// readNotifications reads the view until a notification with message
// last arrives and returns the notification levels seen on the way. Every
// mutation and notification message must be scoped to team.
func readNotifications(t *testing.T, ctx context.Context, conn *websocket.Conn, team, last string) (levels []string, mutations int) {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg dashboard.Message
		require.NoError(t, json.Unmarshal(data, &msg))

		switch msg.Type {
		case dashboard.MessageTypeMutation:
			require.Equal(t, team, msg.Team)
			mutations++
		case dashboard.MessageTypeNotification:
			require.Equal(t, team, msg.Team)
			var note struct {
				Level   string `json:"level"`
				Message string `json:"message"`
			}
			require.NoError(t, json.Unmarshal(msg.Data, &note))
			levels = append(levels, note.Level)
			if note.Message == last {
				return levels, mutations
			}
		}
	}
}

func TestServe_APIMutationsReachDashboard(t *testing.T) {
	isolate(t)
	dbPath := seededDB(t)
	cfg.DashboardPort = 0

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	defer db.Close()
	local, err := service.NewLocal(db, &service.Config{Logger: newLogger("service")})
	require.NoError(t, err)

	f, err := startFeed(ctx, db, local)
	require.NoError(t, err)
	defer f.Close()

	watcher, err := watch.NewWithConfig(db.Path(), f.cache, &watch.Config{
		DebounceInterval: 50 * time.Millisecond,
		Logger:           newLogger("watch"),
	})
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	api := httptest.NewServer(service.NewHandler(&apiService{IssueService: local, feed: f, watcher: watcher}, db, newLogger("service")))
	defer api.Close()

	_, port, err := net.SplitHostPort(f.server.GetAddr())
	require.NoError(t, err)
	conn, _, err := websocket.Dial(ctx, "ws://127.0.0.1:"+port+"/ws?team="+testTeamID, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := service.NewClient(api.URL, testToken, api.Client())
	issue, err := client.CreateIssue(ctx, types.CreateIssueInput{Title: "Fix login", TeamID: testTeamID})
	require.NoError(t, err)
	require.Equal(t, "ENG-1", issue.Identifier)

	levels, mutations := readNotifications(t, ctx, conn, testTeamID, "Issue created successfully")
	require.Equal(t, []string{"loading", "success"}, levels)
	require.Equal(t, 2, mutations, "speculating and committing precede the success notification")
	require.Zero(t, f.handler.GetStats(testTeamID).InFlight)

	// The settle refetch puts the created issue in the team list.
	require.Eventually(t, func() bool { return f.teamOf(issue.ID) == testTeamID }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.DeleteIssue(ctx, issue.ID))
	levels, _ = readNotifications(t, ctx, conn, testTeamID, "Issue deleted successfully")
	require.Equal(t, []string{"loading", "success"}, levels)

	anon := service.NewClient(api.URL, "", api.Client())
	_, err = anon.CreateIssue(ctx, types.CreateIssueInput{Title: "Sneaky", TeamID: testTeamID})
	require.ErrorIs(t, err, service.ErrUnauthorized)

	// The API's own writes are already invalidated by the coordinator.
	require.Never(t, func() bool { return watcher.Flushes() > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}
