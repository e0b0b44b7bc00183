// Package usage syncs organization-level AI assistant usage (GitHub Copilot
// metrics) as daily rows.
package usage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skridlevsky/ai-detective/internal/apiclient"
)

// Day is one organization's usage for one UTC day
type Day struct {
	Org             string    `json:"org"`
	Date            time.Time `json:"date"`
	ActiveUsers     int       `json:"activeUsers"`
	EngagedUsers    int       `json:"engagedUsers"`
	CodeSuggestions int       `json:"codeSuggestions"`
	CodeAcceptances int       `json:"codeAcceptances"`
	LinesSuggested  int       `json:"linesSuggested"`
	LinesAccepted   int       `json:"linesAccepted"`
	ChatTurns       int       `json:"chatTurns"`
}

// AcceptanceRate is acceptances / suggestions, 0 with no suggestions.
func (d *Day) AcceptanceRate() float64 {
	if d.CodeSuggestions == 0 {
		return 0
	}
	return float64(d.CodeAcceptances) / float64(d.CodeSuggestions)
}

// Wire shape of GET /orgs/{org}/copilot/metrics

type metricsDay struct {
	Date              string `json:"date"`
	TotalActiveUsers  int    `json:"total_active_users"`
	TotalEngagedUsers int    `json:"total_engaged_users"`
	Completions       struct {
		Editors []struct {
			Models []struct {
				Languages []struct {
					Suggestions    int `json:"total_code_suggestions"`
					Acceptances    int `json:"total_code_acceptances"`
					LinesSuggested int `json:"total_code_lines_suggested"`
					LinesAccepted  int `json:"total_code_lines_accepted"`
				} `json:"languages"`
			} `json:"models"`
		} `json:"editors"`
	} `json:"copilot_ide_code_completions"`
	Chat struct {
		Editors []struct {
			Models []struct {
				TotalChats int `json:"total_chats"`
			} `json:"models"`
		} `json:"editors"`
	} `json:"copilot_ide_chat"`
}

func (m *metricsDay) toDay(org string) (Day, error) {
	date, err := time.Parse("2006-01-02", m.Date)
	if err != nil {
		return Day{}, fmt.Errorf("failed to parse metrics date %q: %w", m.Date, err)
	}
	d := Day{
		Org:          org,
		Date:         date,
		ActiveUsers:  m.TotalActiveUsers,
		EngagedUsers: m.TotalEngagedUsers,
	}
	for _, e := range m.Completions.Editors {
		for _, mod := range e.Models {
			for _, l := range mod.Languages {
				d.CodeSuggestions += l.Suggestions
				d.CodeAcceptances += l.Acceptances
				d.LinesSuggested += l.LinesSuggested
				d.LinesAccepted += l.LinesAccepted
			}
		}
	}
	for _, e := range m.Chat.Editors {
		for _, mod := range e.Models {
			d.ChatTurns += mod.TotalChats
		}
	}
	return d, nil
}

// Client reads the Copilot metrics endpoint
type Client struct {
	api     *apiclient.Client
	baseURL string
}

// NewClient creates a usage metrics client. It shares the GitHub budget.
func NewClient(token, baseURL string, budget *apiclient.Budget) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Client{
		api: apiclient.NewClient(apiclient.Options{
			Name:   "copilot",
			Budget: budget,
			Authorize: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+token)
				req.Header.Set("Accept", "application/vnd.github+json")
				req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
			},
		}),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// OrgMetrics returns daily usage since the given day. The API only reports
// for organizations above its licensed-seat threshold; below it (or with
// metrics disabled) the result is empty and not an error.
func (c *Client) OrgMetrics(ctx context.Context, org string, since time.Time) ([]Day, error) {
	q := url.Values{}
	q.Set("per_page", "100")
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	u := fmt.Sprintf("%s/orgs/%s/copilot/metrics?%s", c.baseURL, url.PathEscape(org), q.Encode())

	var raw []metricsDay
	_, err := c.api.GetJSON(ctx, u, &raw)
	switch {
	case apiclient.HasStatus(err, http.StatusUnprocessableEntity),
		apiclient.HasStatus(err, http.StatusNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to fetch copilot metrics for %s: %w", org, err)
	}

	days := make([]Day, 0, len(raw))
	for i := range raw {
		d, err := raw[i].toDay(org)
		if err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	return days, nil
}
