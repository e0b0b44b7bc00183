package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skridlevsky/ai-detective/internal/apiclient"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

const issueA = `{
	"id": "10001", "key": "CORE-1",
	"fields": {
		"summary": "Speed up import",
		"description": {"type": "doc", "content": [
			{"type": "paragraph", "content": [{"type": "text", "text": "Drafted with ChatGPT"}]}
		]},
		"status": {"name": "Done", "statusCategory": {"key": "done"}},
		"assignee": {"accountId": "acc-1", "displayName": "Alice"},
		"created": "2025-04-01T08:00:00.000+0000",
		"updated": "2025-04-02T09:30:00.000+0200",
		"resolutiondate": "2025-04-02T09:30:00.000+0200",
		"customfield_10020": [{"id": 1, "name": "Sprint 1", "state": "closed"}, {"id": 2, "name": "Sprint 2", "state": "active"}]
	}
}`

const issueB = `{
	"id": "10002", "key": "CORE-2",
	"fields": {
		"summary": "Fix flaky test",
		"description": null,
		"status": {"name": "In Progress", "statusCategory": {"key": "indeterminate"}},
		"reporter": {"accountId": "acc-2"},
		"created": "2025-04-01T08:00:00.000+0000",
		"updated": "2025-04-03T10:00:00.000+0000",
		"sprint": {"id": 2, "name": "Sprint 2", "state": "active"}
	}
}`

func newFakeJira(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var queries []string
	mux := http.NewServeMux()
	mux.HandleFunc("/rest/api/3/search/jql", func(w http.ResponseWriter, r *http.Request) {
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "bot@acme.io", user)
		queries = append(queries, r.URL.Query().Get("jql"))

		if r.URL.Query().Get("nextPageToken") == "" {
			w.Write([]byte(`{"issues": [` + issueA + `], "nextPageToken": "p2", "isLast": false}`))
			return
		}
		w.Write([]byte(`{"issues": [` + issueB + `], "isLast": true}`))
	})
	mux.HandleFunc("/rest/agile/1.0/board/7/issue", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"startAt": 0, "maxResults": 100, "total": 1, "issues": [` + issueB + `]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &queries
}

func newTestConnector(srv *httptest.Server, board int) *Connector {
	client := NewClient(srv.URL, "bot@acme.io", "token", "", apiclient.NewBudget(100, time.Hour, 0))
	return NewConnector(client, board)
}

func TestConnector_ListAndFetch(t *testing.T) {
	srv, queries := newFakeJira(t)
	conn := newTestConnector(srv, 0)

	units, err := conn.List(context.Background(), "CORE", "")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "2025-04-02T07:30:00Z", units[0].Cursor)
	assert.Equal(t, `project = "CORE" ORDER BY updated ASC`, (*queries)[0])

	p, err := conn.Fetch(context.Background(), "CORE", units[0])
	require.NoError(t, err)
	assert.Equal(t, workitem.Identity{Source: workitem.SourceJira, Repo: "CORE", ExternalID: "CORE-1"}, p.Identity)
	assert.Equal(t, workitem.StateClosed, *p.State)
	assert.Equal(t, "Drafted with ChatGPT", *p.Body)
	assert.Equal(t, "Sprint 2", *p.Sprint)
	assert.Equal(t, "acc-1", *p.AuthorRef)
	assert.Equal(t, srv.URL+"/browse/CORE-1", *p.URL)
	assert.Nil(t, p.MergedAt)

	p, err = conn.Fetch(context.Background(), "CORE", units[1])
	require.NoError(t, err)
	assert.Equal(t, workitem.StateOpen, *p.State)
	assert.Equal(t, "", *p.Body)
	assert.Equal(t, "acc-2", *p.AuthorRef)
}

func TestConnector_IncrementalFiltersExactly(t *testing.T) {
	srv, queries := newFakeJira(t)
	conn := newTestConnector(srv, 0)

	units, err := conn.List(context.Background(), "CORE", "2025-04-03T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "CORE-2", units[0].Key)
	assert.True(t, strings.Contains((*queries)[0], `updated >= "2025-04-02"`))
}

func TestConnector_BoardCarriesSprint(t *testing.T) {
	srv, _ := newFakeJira(t)
	conn := newTestConnector(srv, 7)

	units, err := conn.List(context.Background(), "CORE", "")
	require.NoError(t, err)
	require.Len(t, units, 1)

	p, err := conn.Fetch(context.Background(), "CORE", units[0])
	require.NoError(t, err)
	assert.Equal(t, "Sprint 2", *p.Sprint)
}

func TestConnector_RejectsBadScope(t *testing.T) {
	srv, _ := newFakeJira(t)
	conn := newTestConnector(srv, 0)

	_, err := conn.List(context.Background(), "acme/api", "")
	var ve *workitem.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestADFText(t *testing.T) {
	raw := json.RawMessage(`{"type":"doc","content":[
		{"type":"paragraph","content":[{"type":"text","text":"one"},{"type":"hardBreak"},{"type":"text","text":"two"}]},
		{"type":"paragraph","content":[{"type":"text","text":"three"}]}
	]}`)
	assert.Equal(t, "one\ntwo\nthree", adfText(raw))
	assert.Equal(t, "plain", adfText(json.RawMessage(`"plain"`)))
	assert.Equal(t, "", adfText(nil))
}
