package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mschirtzinger/linework/internal/store"
	"github.com/mschirtzinger/linework/internal/types"
)

// RemoteError is an error reported by the server. Error returns the
// server's message unchanged.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Is lets callers match remote failures against the local sentinels.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case store.ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// Client calls a remote IssueService over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL. token is sent as a
// bearer token; httpClient may be nil.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// CreateIssue implements IssueService.
func (c *Client) CreateIssue(ctx context.Context, input types.CreateIssueInput) (*types.Issue, error) {
	var issue types.Issue
	if err := c.call(ctx, PathCreate, input, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// UpdateIssue implements IssueService.
func (c *Client) UpdateIssue(ctx context.Context, id string, input types.UpdateIssueInput) (*types.Issue, error) {
	var issue types.Issue
	if err := c.call(ctx, PathUpdate, updateRequest{ID: id, UpdateIssueInput: input}, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// GetIssues implements IssueService.
func (c *Client) GetIssues(ctx context.Context, teamID string) ([]*types.Issue, error) {
	issues := []*types.Issue{}
	if err := c.call(ctx, PathList, listRequest{TeamID: teamID}, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// GetIssueByID implements IssueService.
func (c *Client) GetIssueByID(ctx context.Context, id string) (*types.Issue, error) {
	var issue types.Issue
	if err := c.call(ctx, PathGet, idRequest{ID: id}, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// DeleteIssue implements IssueService.
func (c *Client) DeleteIssue(ctx context.Context, id string) error {
	return c.call(ctx, PathDelete, idRequest{ID: id}, nil)
}

func (c *Client) call(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode %s response (HTTP %d): %w", path, resp.StatusCode, err)
	}
	if env.Error != "" {
		return &RemoteError{Status: resp.StatusCode, Message: env.Error}
	}
	if resp.StatusCode != http.StatusOK {
		return &RemoteError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if out == nil {
		return nil
	}
	if len(env.Data) == 0 {
		return errors.New("empty response data")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", path, err)
	}
	return nil
}
