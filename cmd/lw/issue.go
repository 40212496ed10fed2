package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mschirtzinger/linework/internal/mutation"
	"github.com/mschirtzinger/linework/internal/notify"
	"github.com/mschirtzinger/linework/internal/querycache"
	"github.com/mschirtzinger/linework/internal/types"
	"github.com/mschirtzinger/linework/internal/ui"
	"github.com/mschirtzinger/linework/internal/watch"
	"github.com/spf13/cobra"
)

var issueCmd = &cobra.Command{
	Use:     "issue",
	Aliases: []string{"issues", "i"},
	GroupID: "issues",
	Short:   "Create, update, list and delete issues",
}

var issueCreateCmd = &cobra.Command{
	Use:   "create [title]",
	Short: "Create an issue",
	Long: `Create an issue in the current team.

Without a title on a terminal, an interactive form asks for the fields.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIssueCreate,
}

var issueUpdateCmd = &cobra.Command{
	Use:   "update <id|identifier>",
	Short: "Update an issue's fields",
	Long: `Update an issue. Only the flags you pass are changed.

  lw issue update ENG-12 --status in_progress
  lw issue update ENG-12 --title "Better title" --priority high`,
	Args: cobra.ExactArgs(1),
	RunE: runIssueUpdate,
}

var issueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the team's issues",
	Long: `List the team's issues, most recent first.

With --watch the list stays on screen and redraws whenever it changes,
including changes made by other processes.`,
	Args: cobra.NoArgs,
	RunE: runIssueList,
}

var issueShowCmd = &cobra.Command{
	Use:   "show <id|identifier>",
	Short: "Show an issue with its assignees and comments",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssueShow,
}

var issueDeleteCmd = &cobra.Command{
	Use:   "delete <id|identifier>",
	Short: "Delete an issue",
	Args:  cobra.ExactArgs(1),
	RunE:  runIssueDelete,
}

func init() {
	createFlags := issueCreateCmd.Flags()
	createFlags.String("title", "", "Issue title")
	createFlags.StringP("description", "d", "", "Issue description")
	createFlags.StringP("status", "s", "", "Status: backlog, todo, in_progress, done, canceled")
	createFlags.StringP("priority", "p", "", "Priority: no_priority, low, medium, high, urgent")
	addFormatFlag(createFlags)

	updateFlags := issueUpdateCmd.Flags()
	updateFlags.String("title", "", "New title")
	updateFlags.StringP("description", "d", "", "New description")
	updateFlags.StringP("status", "s", "", "New status")
	updateFlags.StringP("priority", "p", "", "New priority")
	updateFlags.Float64("sort-order", 0, "New sort order")
	addFormatFlag(updateFlags)

	addFormatFlag(issueListCmd.Flags())
	issueListCmd.Flags().BoolP("watch", "w", false, "Keep the list on screen and redraw on changes")

	addFormatFlag(issueShowCmd.Flags())

	issueCmd.AddCommand(issueCreateCmd, issueUpdateCmd, issueListCmd, issueShowCmd, issueDeleteCmd)
	rootCmd.AddCommand(issueCmd)
}

// terminalNotifier prints notifications to stderr.
func terminalNotifier() notify.Notifier {
	return notify.Multi{
		ui.NewNotifier(os.Stderr, ui.NewRenderer(os.Stderr)),
		notify.Log{Logger: newLogger("notify")},
	}
}

func runIssueCreate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := checkFormat(format); err != nil {
		return err
	}
	teamID, err := requireTeam()
	if err != nil {
		return err
	}

	input := types.CreateIssueInput{TeamID: teamID}
	input.Title, _ = cmd.Flags().GetString("title")
	if len(args) == 1 {
		input.Title = args[0]
	}
	input.Description, _ = cmd.Flags().GetString("description")
	status, _ := cmd.Flags().GetString("status")
	priority, _ := cmd.Flags().GetString("priority")
	input.Status = types.Status(status)
	input.Priority = types.Priority(priority)

	ctx, cancel := signalContext()
	defer cancel()

	if input.Title == "" {
		if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
			return fmt.Errorf("a title is required")
		}
		if err := ui.RunCreateForm(ctx, &input); err != nil {
			return err
		}
	}

	s, err := newSession(ctx, terminalNotifier())
	if err != nil {
		return err
	}
	defer s.Close()

	issue, err := s.coord.CreateIssue(ctx, input)
	if err != nil {
		return err
	}
	return printIssue(cmd.OutOrStdout(), format, issue)
}

func runIssueUpdate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := checkFormat(format); err != nil {
		return err
	}

	var input types.UpdateIssueInput
	flags := cmd.Flags()
	if flags.Changed("title") {
		v, _ := flags.GetString("title")
		input.Title = &v
	}
	if flags.Changed("description") {
		v, _ := flags.GetString("description")
		input.Description = &v
	}
	if flags.Changed("status") {
		v, _ := flags.GetString("status")
		input.Status = types.Ptr(types.Status(v))
	}
	if flags.Changed("priority") {
		v, _ := flags.GetString("priority")
		input.Priority = types.Ptr(types.Priority(v))
	}
	if flags.Changed("sort-order") {
		v, _ := flags.GetFloat64("sort-order")
		input.SortOrder = &v
	}
	if input.IsEmpty() {
		return fmt.Errorf("nothing to update: pass at least one of --title, --description, --status, --priority, --sort-order")
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := newSession(ctx, terminalNotifier())
	if err != nil {
		return err
	}
	defer s.Close()

	current, err := resolveIssue(ctx, s, args[0])
	if err != nil {
		return err
	}
	issue, err := s.coord.UpdateIssue(ctx, current.ID, current.TeamID, input)
	if err != nil {
		return err
	}
	return printIssue(cmd.OutOrStdout(), format, issue)
}

func runIssueShow(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := checkFormat(format); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := newSession(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	ref, err := resolveIssue(ctx, s, args[0])
	if err != nil {
		return err
	}
	issue, err := s.coord.Issue(ctx, ref.ID)
	if err != nil {
		return err
	}
	return printIssue(cmd.OutOrStdout(), format, issue)
}

func runIssueDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	s, err := newSession(ctx, terminalNotifier())
	if err != nil {
		return err
	}
	defer s.Close()

	issue, err := resolveIssue(ctx, s, args[0])
	if err != nil {
		return err
	}
	return s.coord.DeleteIssue(ctx, issue.ID, issue.TeamID)
}

func runIssueList(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if err := checkFormat(format); err != nil {
		return err
	}
	watchMode, _ := cmd.Flags().GetBool("watch")
	teamID, err := requireTeam()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, err := newSession(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	issues, err := s.coord.Issues(ctx, teamID)
	if err != nil {
		return err
	}
	if !watchMode {
		return printIssues(cmd.OutOrStdout(), format, issues)
	}
	return watchIssues(ctx, cmd.OutOrStdout(), s, teamID, format, issues)
}

// watchIssues redraws the list on every cache write until ctx ends. The
// list is refreshed when it goes stale and, for a local database, as soon
// as another process writes it.
func watchIssues(ctx context.Context, w io.Writer, s *session, teamID, format string, initial []*types.Issue) error {
	key := mutation.IssuesKey(teamID)
	redraw := make(chan struct{}, 1)
	unsubscribe := s.cache.Subscribe(key, func(ev querycache.Event) {
		if ev.Type != querycache.EventInvalidated {
			select {
			case redraw <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if s.db != nil {
		cfgWatch := watch.DefaultConfig()
		cfgWatch.DebounceInterval = cfg.WatchDebounce
		cfgWatch.Logger = newLogger("watch")
		watcher, err := watch.NewWithConfig(s.db.Path(), s.cache, cfgWatch)
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

	draw := func(issues []*types.Issue) error {
		if format == formatText && isTerminal(os.Stdout) {
			fmt.Fprint(w, "\033[H\033[2J")
		}
		return printIssues(w, format, issues)
	}
	if err := draw(initial); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cache.Invalidate(key)
		case <-redraw:
			v, ok := s.cache.Read(key)
			if !ok {
				continue
			}
			issues, _ := v.([]*types.Issue)
			if err := draw(issues); err != nil {
				return err
			}
		}
	}
}

// resolveIssue accepts an issue id or a SLUG-N identifier. Identifiers are
// looked up in the current team's list.
func resolveIssue(ctx context.Context, s *session, ref string) (*types.Issue, error) {
	if _, _, ok := types.ParseIdentifier(ref); !ok || uuid.Validate(ref) == nil {
		return s.coord.Issue(ctx, ref)
	}

	teamID, err := requireTeam()
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", ref, err)
	}
	issues, err := s.coord.Issues(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for _, issue := range issues {
		if strings.EqualFold(issue.Identifier, ref) {
			return issue, nil
		}
	}
	return nil, errors.New("Issue not found")
}

func printIssue(w io.Writer, format string, issue *types.Issue) error {
	if ok, err := writeStructured(w, format, issue); ok {
		return err
	}
	_, err := fmt.Fprint(w, stdoutRenderer().IssueDetail(issue))
	return err
}

func printIssues(w io.Writer, format string, issues []*types.Issue) error {
	if ok, err := writeStructured(w, format, issues); ok {
		return err
	}
	_, err := fmt.Fprint(w, stdoutRenderer().IssueList(issues))
	return err
}
