package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/mschirtzinger/linework/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show every setting with its value and where it came from",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format); err != nil {
			return err
		}
		return showConfig(cmd.OutOrStdout(), format, loader, cfg.File)
	},
}

func init() {
	addFormatFlag(configShowCmd.Flags())
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

type setting struct {
	Key    string        `json:"key"`
	Value  any           `json:"value"`
	Source config.Source `json:"source"`
}

func settings(l *config.Loader) []setting {
	keys := config.Keys()
	out := make([]setting, 0, len(keys))
	for _, key := range keys {
		value := l.Get(key)
		if key == config.KeyAuthToken && value != "" && value != nil {
			value = "********"
		}
		out = append(out, setting{Key: key, Value: value, Source: l.Source(key)})
	}
	return out
}

func showConfig(w io.Writer, format string, l *config.Loader, file string) error {
	all := settings(l)
	if ok, err := writeStructured(w, format, all); ok {
		return err
	}

	if file == "" {
		file = "(none)"
	}
	fmt.Fprintf(w, "Config file: %s\n\n", file)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
	for _, s := range all {
		fmt.Fprintf(tw, "%s\t%v\t%s\n", s.Key, s.Value, s.Source)
	}
	return tw.Flush()
}
