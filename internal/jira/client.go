// Package jira syncs issues from Jira Cloud into work items.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/skridlevsky/ai-detective/internal/apiclient"
)

// Client wraps the Jira Cloud REST and Agile APIs
type Client struct {
	api         *apiclient.Client
	baseURL     string
	sprintField string
}

// NewClient creates a Jira client authenticating with an API token.
// sprintField is the custom field holding sprints (customfield_10020 on most
// Cloud sites).
func NewClient(baseURL, email, token, sprintField string, budget *apiclient.Budget) *Client {
	if sprintField == "" {
		sprintField = "customfield_10020"
	}
	return &Client{
		api: apiclient.NewClient(apiclient.Options{
			Name:   "jira",
			Budget: budget,
			Authorize: func(req *http.Request) {
				req.SetBasicAuth(email, token)
			},
		}),
		baseURL:     strings.TrimRight(baseURL, "/"),
		sprintField: sprintField,
	}
}

// Time is Jira's timestamp format ("2025-04-01T10:00:00.000+0000")
type Time struct {
	time.Time
}

const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	parsed, err := time.Parse(jiraTimeLayout, s)
	if err != nil {
		if parsed, err = time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("failed to parse jira time %q: %w", s, err)
		}
	}
	t.Time = parsed.UTC()
	return nil
}

// Account is a Jira user reference
type Account struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

// Sprint is an agile sprint
type Sprint struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"` // future, active, closed
	StartDate *Time  `json:"startDate,omitempty"`
	EndDate   *Time  `json:"endDate,omitempty"`
}

// Issue is the subset of issue fields the pipeline reads
type Issue struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Fields IssueFields
}

// IssueFields holds the issue fields. Sprint is filled from either the Agile
// "sprint" field or the site's sprint custom field.
type IssueFields struct {
	Summary     string          `json:"summary"`
	Description json.RawMessage `json:"description"`
	Status      struct {
		Name           string `json:"name"`
		StatusCategory struct {
			Key string `json:"key"` // new, indeterminate, done
		} `json:"statusCategory"`
	} `json:"status"`
	Assignee       *Account `json:"assignee"`
	Reporter       *Account `json:"reporter"`
	Created        Time     `json:"created"`
	Updated        Time     `json:"updated"`
	ResolutionDate *Time    `json:"resolutiondate"`
	Sprint         *Sprint  `json:"-"`
}

type rawIssue struct {
	ID     string                     `json:"id"`
	Key    string                     `json:"key"`
	Fields map[string]json.RawMessage `json:"fields"`
}

func (c *Client) decodeIssue(raw rawIssue) (Issue, error) {
	issue := Issue{ID: raw.ID, Key: raw.Key}
	fieldsJSON, err := json.Marshal(raw.Fields)
	if err != nil {
		return issue, err
	}
	if err := json.Unmarshal(fieldsJSON, &issue.Fields); err != nil {
		return issue, fmt.Errorf("failed to decode fields of %s: %w", raw.Key, err)
	}

	if v, ok := raw.Fields["sprint"]; ok && string(v) != "null" {
		var s Sprint
		if err := json.Unmarshal(v, &s); err == nil && s.Name != "" {
			issue.Fields.Sprint = &s
		}
	}
	if issue.Fields.Sprint == nil {
		if v, ok := raw.Fields[c.sprintField]; ok && string(v) != "null" {
			var sprints []Sprint
			if err := json.Unmarshal(v, &sprints); err == nil && len(sprints) > 0 {
				// The last entry is the most recent sprint the issue was in
				issue.Fields.Sprint = &sprints[len(sprints)-1]
			}
		}
	}
	return issue, nil
}

func (c *Client) fieldList() string {
	return strings.Join([]string{
		"summary", "description", "status", "assignee", "reporter",
		"created", "updated", "resolutiondate", "sprint", c.sprintField,
	}, ",")
}

type searchResponse struct {
	Issues        []rawIssue `json:"issues"`
	NextPageToken string     `json:"nextPageToken"`
	IsLast        bool       `json:"isLast"`
}

// Search runs a JQL query through the enhanced search endpoint, following
// nextPageToken until the last page.
func (c *Client) Search(ctx context.Context, jql string) ([]Issue, error) {
	var out []Issue
	token := ""
	for {
		q := url.Values{}
		q.Set("jql", jql)
		q.Set("maxResults", "100")
		q.Set("fields", c.fieldList())
		if token != "" {
			q.Set("nextPageToken", token)
		}

		var page searchResponse
		if _, err := c.api.GetJSON(ctx, c.baseURL+"/rest/api/3/search/jql?"+q.Encode(), &page); err != nil {
			return nil, fmt.Errorf("failed to search issues: %w", err)
		}
		for _, raw := range page.Issues {
			issue, err := c.decodeIssue(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, issue)
		}
		if page.IsLast || page.NextPageToken == "" || len(page.Issues) == 0 {
			return out, nil
		}
		token = page.NextPageToken
	}
}

type boardIssuesResponse struct {
	StartAt    int        `json:"startAt"`
	MaxResults int        `json:"maxResults"`
	Total      int        `json:"total"`
	Issues     []rawIssue `json:"issues"`
}

// BoardIssues runs jql restricted to a board. The Agile API adds the current
// sprint to every issue.
func (c *Client) BoardIssues(ctx context.Context, boardID int, jql string) ([]Issue, error) {
	var out []Issue
	startAt := 0
	for {
		q := url.Values{}
		q.Set("jql", jql)
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", "100")
		q.Set("fields", c.fieldList())

		var page boardIssuesResponse
		u := fmt.Sprintf("%s/rest/agile/1.0/board/%d/issue?%s", c.baseURL, boardID, q.Encode())
		if _, err := c.api.GetJSON(ctx, u, &page); err != nil {
			return nil, fmt.Errorf("failed to list board issues: %w", err)
		}
		for _, raw := range page.Issues {
			issue, err := c.decodeIssue(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, issue)
		}
		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			return out, nil
		}
	}
}
