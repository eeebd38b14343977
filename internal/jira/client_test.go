package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddWorklog_Payload(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, gotAuth, _ = r.BasicAuth()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"10042"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "me@example.com", "token-1")
	started := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	id, err := c.AddWorklog(context.Background(), "ABC-42", started, 90*time.Minute, "add login form")
	require.NoError(t, err)
	assert.Equal(t, "10042", id)

	assert.Equal(t, "/rest/api/2/issue/ABC-42/worklog", gotPath)
	assert.Equal(t, "token-1", gotAuth)
	assert.Equal(t, float64(5400), gotBody["timeSpentSeconds"])
	assert.Equal(t, "add login form", gotBody["comment"])
	assert.Equal(t, "2026-03-10T09:00:00.000+0000", gotBody["started"])
}

func TestAddWorklog_MinimumOneMinute(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"id":"1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "u", "t")
	_, err := c.AddWorklog(context.Background(), "ABC-1", time.Now(), 10*time.Second, "x")
	require.NoError(t, err)
	assert.Equal(t, float64(60), gotBody["timeSpentSeconds"])
}

func TestAddComment(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "u", "t")
	require.NoError(t, c.AddComment(context.Background(), "ABC-42", "wired validation"))
	assert.Equal(t, "/rest/api/2/issue/ABC-42/comment", gotPath)
	assert.Equal(t, "wired validation", gotBody["body"])
}

func TestGetIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/api/2/issue/ABC-42", r.URL.Path)
		w.Write([]byte(`{
			"key": "ABC-42",
			"fields": {
				"summary": "Login page",
				"status": {"name": "In Progress"},
				"issuetype": {"name": "Story"},
				"project": {"key": "ABC"},
				"assignee": {"displayName": "Dana"}
			}
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "u", "t")
	issue, err := c.GetIssue(context.Background(), "ABC-42")
	require.NoError(t, err)

	assert.Equal(t, "ABC-42", issue.Key)
	assert.Equal(t, "Login page", issue.Summary)
	assert.Equal(t, "In Progress", issue.Status)
	assert.Equal(t, "Story", issue.Type)
	assert.Equal(t, "ABC", issue.Project)
	assert.Equal(t, "Dana", issue.Assignee)
}

func TestMyself_VerifiesCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, token, _ := r.BasicAuth(); token != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"name":"me"}`))
	}))
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL, "u", "good").Myself(context.Background()))

	err := NewClient(srv.URL, "u", "bad").Myself(context.Background())
	require.Error(t, err)
	assert.Equal(t, ClassUnauthorized, ClassOf(err))
}

func TestClassify_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantClass  Class
	}{
		{"unauthorized", 401, "", ClassUnauthorized},
		{"forbidden", 403, "", ClassUnauthorized},
		{"not found", 404, "", ClassNotFound},
		{"validation rejected", 400, "", ClassNotFound},
		{"rate limited", 429, "15", ClassRateLimited},
		{"server error", 500, "", ClassTransient},
		{"bad gateway", 502, "", ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "u", "t")
			_, err := c.AddWorklog(context.Background(), "ABC-1", time.Now(), time.Hour, "x")
			require.Error(t, err)
			assert.Equal(t, tt.wantClass, ClassOf(err))

			if tt.retryAfter != "" {
				assert.Equal(t, 15*time.Second, RetryAfterOf(err))
			}
		})
	}
}

func TestClassOf_PlainErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, "u", "t")
	err := c.Myself(context.Background())
	require.Error(t, err)
	assert.Equal(t, ClassTransient, ClassOf(err))
}

func TestFormatTimeSpent(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{90 * time.Minute, "1h 30m"},
		{2 * time.Hour, "2h"},
		{45 * time.Minute, "45m"},
		{30 * time.Second, "1m"},
		{0, "1m"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatTimeSpent(tt.d), "formatting %v", tt.d)
	}
}

func TestParseTimeSpent(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1h 30m", 90 * time.Minute},
		{"2h", 2 * time.Hour},
		{"45m", 45 * time.Minute},
		{"1d", 8 * time.Hour},
		{"1d 2h 15m", 10*time.Hour + 15*time.Minute},
		{"garbage", time.Minute},
		{"", time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseTimeSpent(tt.in), "parsing %q", tt.in)
	}
}
