package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mschirtzinger/linework/internal/ui"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by --format.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func addFormatFlag(flags interface {
	StringP(name, shorthand, value, usage string) *string
}) {
	flags.StringP("format", "f", formatText, "Output format: text, json or yaml")
}

func checkFormat(format string) error {
	switch format {
	case formatText, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
}

// writeStructured encodes v as JSON or YAML. It reports false for text,
// which the caller renders itself.
func writeStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case formatYAML:
		generic, err := jsonShape(v)
		if err != nil {
			return true, err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(generic)
	}
	return false, nil
}

// jsonShape re-decodes v through its JSON encoding so YAML output uses the
// same field names as the API.
func jsonShape(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	return generic, nil
}

// stdoutRenderer renders to stdout at the terminal's width.
func stdoutRenderer() *ui.Renderer {
	r := ui.NewRenderer(os.Stdout)
	if isTerminal(os.Stdout) {
		if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			r.SetWidth(width)
		}
	}
	return r
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
