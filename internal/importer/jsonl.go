// Package importer moves issues between JSONL exports and the store.
package importer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/linework/internal/store"
	"github.com/mschirtzinger/linework/internal/types"
)

// Options configures an import.
type Options struct {
	FromJSONL string // Input JSONL file path
	TeamID    string // Overrides team_id on every issue when set
	DryRun    bool   // Parse and validate without writing
	Backup    bool   // Copy the input aside before importing
}

// Result contains statistics about an import.
type Result struct {
	Imported      int
	Skipped       int
	Assigned      int
	BackupCreated string
	Errors        []string
}

// ReadJSONL parses one issue per line. Missing status and priority take
// the create defaults.
func ReadJSONL(r io.Reader) ([]*types.Issue, error) {
	var issues []*types.Issue
	decoder := json.NewDecoder(bufio.NewReader(r))
	lineNum := 0

	for {
		var issue types.Issue
		if err := decoder.Decode(&issue); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if issue.Status == "" {
			issue.Status = types.StatusBacklog
		}
		if issue.Priority == "" {
			issue.Priority = types.PriorityNone
		}
		issues = append(issues, &issue)
	}

	return issues, nil
}

// ReadFile parses a JSONL file.
func ReadFile(path string) ([]*types.Issue, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return ReadJSONL(file)
}

// Import loads a JSONL file into db. Speculative issues that leaked into an
// export are skipped. Per-issue failures are collected in the result rather
// than aborting the import.
func Import(ctx context.Context, db *store.DB, opts Options) (*Result, error) {
	result := &Result{}

	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	issues, err := ReadFile(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	for _, issue := range issues {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if issue.IsTemporary() {
			result.Skipped++
			continue
		}
		if opts.TeamID != "" {
			issue.TeamID = opts.TeamID
		}

		if opts.DryRun {
			if err := issue.Validate(); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("invalid issue %s: %v", issue.Identifier, err))
				continue
			}
			result.Imported++
			continue
		}

		if err := db.ImportIssue(ctx, issue); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Imported++

		for _, assignee := range issue.Assignees {
			if err := db.AssignIssue(ctx, issue.ID, assignee.ID); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Assigned++
		}
	}

	return result, nil
}

// WriteJSONL writes issues one per line.
func WriteJSONL(w io.Writer, issues []*types.Issue) error {
	encoder := json.NewEncoder(w)
	for _, issue := range issues {
		if err := encoder.Encode(issue); err != nil {
			return fmt.Errorf("failed to encode issue %s: %w", issue.Identifier, err)
		}
	}
	return nil
}

// Export writes a team's issues to path, atomically via a temp file.
func Export(ctx context.Context, db *store.DB, teamID, path string) (int, error) {
	issues, err := db.GetIssues(ctx, teamID)
	if err != nil {
		return 0, fmt.Errorf("failed to load issues: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := WriteJSONL(file, issues); err != nil {
		file.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return len(issues), nil
}
