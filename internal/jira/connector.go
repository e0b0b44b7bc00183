package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/skridlevsky/ai-detective/internal/orchestrator"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// cursorFormat matches the GitHub connector so cursors compare as bytes.
const cursorFormat = "2006-01-02T15:04:05Z"

// jqlMargin widens the JQL date filter: JQL dates are minute precision in
// the site's time zone, so the exact cut happens client side.
const jqlMargin = 24 * time.Hour

var projectKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)

// Connector syncs the issues of one Jira project scope. The search response
// already carries every field, so List prefetches and Fetch only normalizes.
type Connector struct {
	client  *Client
	boardID int
}

// NewConnector creates an issue connector. With a board ID, issues are listed
// through the board so each carries its sprint.
func NewConnector(client *Client, boardID int) *Connector {
	return &Connector{client: client, boardID: boardID}
}

func (c *Connector) Source() string { return string(workitem.SourceJira) }

func (c *Connector) List(ctx context.Context, scope, cursor string) ([]orchestrator.Unit, error) {
	if !projectKeyPattern.MatchString(scope) {
		return nil, &workitem.ValidationError{Field: "scope", Reason: fmt.Sprintf("is not a project key: %q", scope)}
	}

	var since time.Time
	jql := fmt.Sprintf(`project = "%s"`, scope)
	if cursor != "" {
		t, err := time.Parse(cursorFormat, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cursor %q: %w", cursor, err)
		}
		since = t
		jql += fmt.Sprintf(` AND updated >= "%s"`, t.Add(-jqlMargin).Format("2006-01-02"))
	}
	jql += " ORDER BY updated ASC"

	var (
		issues []Issue
		err    error
	)
	if c.boardID > 0 {
		issues, err = c.client.BoardIssues(ctx, c.boardID, jql)
	} else {
		issues, err = c.client.Search(ctx, jql)
	}
	if err != nil {
		return nil, err
	}

	units := make([]orchestrator.Unit, 0, len(issues))
	for _, is := range issues {
		updated := is.Fields.Updated.Time
		if !since.IsZero() && updated.Before(since) {
			continue
		}
		units = append(units, orchestrator.Unit{
			Key:    is.Key,
			Cursor: updated.UTC().Format(cursorFormat),
			Data:   is,
		})
	}
	return units, nil
}

// Fetch normalizes the prefetched issue
func (c *Connector) Fetch(_ context.Context, scope string, u orchestrator.Unit) (*workitem.Patch, error) {
	is, ok := u.Data.(Issue)
	if !ok {
		return nil, &workitem.ValidationError{Field: "data", Reason: "unit carries no issue"}
	}
	return PatchFromIssue(c.client.baseURL, scope, &is), nil
}

// PatchFromIssue maps an issue onto a work item. Issues are never merged;
// resolved issues are closed.
func PatchFromIssue(baseURL, project string, is *Issue) *workitem.Patch {
	f := &is.Fields
	state := workitem.StateOpen
	if f.Status.StatusCategory.Key == "done" {
		state = workitem.StateClosed
	}

	title := f.Summary
	body := adfText(f.Description)
	p := &workitem.Patch{
		Identity: workitem.Identity{
			Source:     workitem.SourceJira,
			Repo:       project,
			ExternalID: is.Key,
		},
		Title: &title,
		Body:  &body,
		State: &state,
	}

	if baseURL != "" {
		link := baseURL + "/browse/" + is.Key
		p.URL = &link
	}

	switch {
	case f.Assignee != nil:
		p.AuthorRef = &f.Assignee.AccountID
	case f.Reporter != nil:
		p.AuthorRef = &f.Reporter.AccountID
	}
	if !f.Created.IsZero() {
		created := f.Created.Time
		p.OpenedAt = &created
	}
	if !f.Updated.IsZero() {
		updated := f.Updated.Time
		p.SourceUpdatedAt = &updated
	}
	if f.ResolutionDate != nil && !f.ResolutionDate.IsZero() {
		resolved := f.ResolutionDate.Time
		p.ClosedAt = &resolved
	}
	if f.Sprint != nil {
		sprint := f.Sprint.Name
		p.Sprint = &sprint
	}
	return p
}

// adfText flattens an Atlassian Document Format description into plain text.
// Older payloads carry a plain string.
func adfText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var node adfNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return ""
	}
	var b strings.Builder
	node.write(&b)
	return strings.TrimSpace(b.String())
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

func (n *adfNode) write(b *strings.Builder) {
	if n.Text != "" {
		b.WriteString(n.Text)
	}
	if n.Type == "hardBreak" {
		b.WriteString("\n")
	}
	for i := range n.Content {
		n.Content[i].write(b)
	}
	switch n.Type {
	case "paragraph", "heading", "codeBlock", "listItem":
		b.WriteString("\n")
	}
}
