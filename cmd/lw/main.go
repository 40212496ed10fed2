// Command lw is the linework issue tracker CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mschirtzinger/linework/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	cfg       *config.Config
	loader    *config.Loader
	logOutput io.Writer = io.Discard

	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "lw",
	Short: "Linework - a fast, keyboard-first issue tracker",
	Long: `Linework tracks issues per team. Changes show up immediately and are
confirmed by the server in the background; a change the server rejects is
rolled back and reported.

Commands work against a local database (db.path) or a running server
(server.url, started with "lw serve").`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader = config.NewLoader("")
		if configFile != "" {
			loader.SetFile(configFile)
		}
		for key, name := range map[string]string{
			config.KeyDBPath:    "db",
			config.KeyServerURL: "server",
			config.KeyAuthToken: "token",
			config.KeyTeam:      "team",
			config.KeyLogFile:   "log-file",

			// serve and dashboard only
			config.KeyServerAddr:    "addr",
			config.KeyDashboardPort: "port",
		} {
			flag := cmd.Flag(name)
			if flag == nil {
				continue
			}
			if err := loader.BindFlag(key, flag); err != nil {
				return err
			}
		}

		loaded, err := loader.Load()
		if err != nil {
			return err
		}
		cfg = loaded

		switch {
		case cfg.LogFile != "":
			logOutput = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}
		case verbose:
			logOutput = os.Stderr
		}
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "issues", Title: "Issues:"},
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: .linework/config.yaml, then ~/.config/lw/config.yaml)")
	flags.String("db", "", "Path to the SQLite database")
	flags.String("server", "", "Server URL; when set, commands go through the server instead of the database")
	flags.String("token", "", "Session token")
	flags.String("team", "", "Team ID")
	flags.String("log-file", "", "Write logs to this file, rotated")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log to stderr")
}

// newLogger returns a component logger writing to the configured output.
func newLogger(component string) *log.Logger {
	return log.New(logOutput, "["+component+"] ", log.LstdFlags)
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if closer, ok := logOutput.(io.Closer); ok {
			_ = closer.Close()
		}
		os.Exit(1)
	}
	if closer, ok := logOutput.(io.Closer); ok {
		_ = closer.Close()
	}
}
