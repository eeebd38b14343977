// Package jira is the gateway to the external issue tracker. It wraps the
// Jira REST API with basic auth and an error taxonomy the submission queue
// understands.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// startedFormat is the timestamp layout Jira expects on worklogs.
const startedFormat = "2006-01-02T15:04:05.000-0700"

// Client talks to a Jira instance.
type Client struct {
	baseURL    string
	username   string
	token      string
	httpClient *http.Client
}

// NewClient creates a gateway client. Credentials come from configuration.
func NewClient(baseURL, username, token string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		token:    token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Issue is the subset of issue metadata the daemon cares about.
type Issue struct {
	Key      string
	Summary  string
	Status   string
	Type     string
	Project  string
	Assignee string
}

// Myself verifies the configured credentials against the tracker.
func (c *Client) Myself(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/rest/api/2/myself", nil, nil, "myself")
}

// GetIssue fetches issue metadata, validating that the key exists.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	var raw struct {
		Key    string `json:"key"`
		Fields struct {
			Summary string `json:"summary"`
			Status  struct {
				Name string `json:"name"`
			} `json:"status"`
			IssueType struct {
				Name string `json:"name"`
			} `json:"issuetype"`
			Project struct {
				Key string `json:"key"`
			} `json:"project"`
			Assignee *struct {
				DisplayName string `json:"displayName"`
			} `json:"assignee"`
		} `json:"fields"`
	}

	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+key, nil, &raw, "get issue"); err != nil {
		return nil, err
	}

	issue := &Issue{
		Key:     raw.Key,
		Summary: raw.Fields.Summary,
		Status:  raw.Fields.Status.Name,
		Type:    raw.Fields.IssueType.Name,
		Project: raw.Fields.Project.Key,
	}
	if raw.Fields.Assignee != nil {
		issue.Assignee = raw.Fields.Assignee.DisplayName
	}
	return issue, nil
}

// AddWorklog logs time against an issue and returns the worklog id assigned
// by the tracker.
func (c *Client) AddWorklog(ctx context.Context, key string, started time.Time, d time.Duration, comment string) (string, error) {
	seconds := int64(d.Seconds())
	if seconds < 60 {
		seconds = 60 // Jira rejects worklogs under one minute
	}

	body := map[string]any{
		"timeSpentSeconds": seconds,
		"comment":          comment,
		"started":          started.Format(startedFormat),
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/worklog", body, &resp, "add worklog"); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// AddComment posts a comment on an issue.
func (c *Client) AddComment(ctx context.Context, key, text string) error {
	body := map[string]any{"body": text}
	return c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/comment", body, nil, "add comment")
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any, op string) error {
	var reader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.SetBasicAuth(c.username, c.token)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if respBody == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("%s: decode response: %w", op, err)
		}
		return nil
	}

	return c.classify(resp, op)
}

func (c *Client) classify(resp *http.Response, op string) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	e := &Error{
		StatusCode: resp.StatusCode,
		Op:         op,
		Detail:     strings.TrimSpace(string(detail)),
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Class = ClassUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Class = ClassRateLimited
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode >= 500:
		e.Class = ClassTransient
	default:
		// Remaining 4xx: the request itself was rejected, retrying
		// cannot help; route to manual review.
		e.Class = ClassNotFound
	}

	return e
}
