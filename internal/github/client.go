package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skridlevsky/ai-detective/internal/apiclient"
)

// Client wraps the GitHub REST API on top of the shared rate-limited client
type Client struct {
	api     *apiclient.Client
	baseURL string
}

// NewClient creates a new GitHub API client. budget is shared by every
// client that uses the same token.
func NewClient(token, baseURL string, budget *apiclient.Budget) *Client {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &Client{
		api: apiclient.NewClient(apiclient.Options{
			Name:      "github",
			UserAgent: "AI-Detective",
			Budget:    budget,
			Authorize: func(req *http.Request) {
				if token != "" {
					req.Header.Set("Authorization", "Bearer "+token)
				}
				req.Header.Set("Accept", "application/vnd.github+json")
				req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
			},
		}),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// API returns the underlying rate-limited client.
func (c *Client) API() *apiclient.Client {
	return c.api
}

// User is the minimal GitHub account shape
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Type  string `json:"type"`
}

// Pull represents a pull request from the GitHub API
type Pull struct {
	ID                 int64      `json:"id"`
	Number             int        `json:"number"`
	Title              string     `json:"title"`
	Body               string     `json:"body"`
	State              string     `json:"state"`
	HTMLURL            string     `json:"html_url"`
	User               User       `json:"user"`
	RequestedReviewers []User     `json:"requested_reviewers"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ClosedAt           *time.Time `json:"closed_at"`
	MergedAt           *time.Time `json:"merged_at"`
	Merged             bool       `json:"merged"`
	Additions          int        `json:"additions"`
	Deletions          int        `json:"deletions"`
}

// Commit represents a commit listed on a pull request
type Commit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
	} `json:"commit"`
}

// Review represents a pull request review
type Review struct {
	ID          int64     `json:"id"`
	User        User      `json:"user"`
	State       string    `json:"state"` // APPROVED, CHANGES_REQUESTED, COMMENTED, DISMISSED
	SubmittedAt time.Time `json:"submitted_at"`
}

// ListPullsUpdatedSince returns every pull request updated at or after since,
// oldest update first. A zero since lists the full history.
// Pages are read newest-first so an incremental poll stops at the first page
// that reaches past since.
func (c *Client) ListPullsUpdatedSince(ctx context.Context, owner, repo string, since time.Time) ([]Pull, error) {
	next := fmt.Sprintf("%s/repos/%s/%s/pulls?state=all&sort=updated&direction=desc&per_page=100", c.baseURL, owner, repo)

	var all []Pull
	for next != "" {
		var page []Pull
		headers, err := c.api.GetJSON(ctx, next, &page)
		if err != nil {
			return nil, fmt.Errorf("failed to list pulls for %s/%s: %w", owner, repo, err)
		}

		done := false
		for _, pr := range page {
			if !since.IsZero() && pr.UpdatedAt.Before(since) {
				done = true
				break
			}
			all = append(all, pr)
		}
		if done {
			break
		}
		next = parseLinkNext(headers.Get("Link"))
	}

	// Oldest first, so checkpoints advance in update order
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

// GetPull fetches a single pull request with size metrics
func (c *Client) GetPull(ctx context.Context, owner, repo string, number int) (*Pull, error) {
	var pr Pull
	u := fmt.Sprintf("%s/repos/%s/%s/pulls/%d", c.baseURL, owner, repo, number)
	if _, err := c.api.GetJSON(ctx, u, &pr); err != nil {
		return nil, fmt.Errorf("failed to get pull %s/%s#%d: %w", owner, repo, number, err)
	}
	return &pr, nil
}

// ListCommits fetches the commits of a pull request (GitHub caps this at 250)
func (c *Client) ListCommits(ctx context.Context, owner, repo string, number int) ([]Commit, error) {
	commits, err := listAll[Commit](ctx, c, fmt.Sprintf("%s/repos/%s/%s/pulls/%d/commits?per_page=100", c.baseURL, owner, repo, number))
	if err != nil {
		return nil, fmt.Errorf("failed to list commits for %s/%s#%d: %w", owner, repo, number, err)
	}
	return commits, nil
}

// ListReviews fetches every review of a pull request
func (c *Client) ListReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	reviews, err := listAll[Review](ctx, c, fmt.Sprintf("%s/repos/%s/%s/pulls/%d/reviews?per_page=100", c.baseURL, owner, repo, number))
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews for %s/%s#%d: %w", owner, repo, number, err)
	}
	return reviews, nil
}

// ListOrgMembers fetches all members of an organization
func (c *Client) ListOrgMembers(ctx context.Context, org string) ([]User, error) {
	members, err := listAll[User](ctx, c, fmt.Sprintf("%s/orgs/%s/members?per_page=100", c.baseURL, url.PathEscape(org)))
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", org, err)
	}
	return members, nil
}

// listAll follows Link: rel="next" headers starting at first. Bodies are
// closed page by page.
func listAll[T any](ctx context.Context, c *Client, first string) ([]T, error) {
	all := []T{}
	next := first
	for next != "" {
		var page []T
		headers, err := c.api.GetJSON(ctx, next, &page)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		next = parseLinkNext(headers.Get("Link"))
	}
	return all, nil
}

// parseLinkNext extracts the "next" URL from a GitHub Link header.
// Format: <https://api.github.com/...?page=2>; rel="next", <...>; rel="last"
func parseLinkNext(header string) string {
	if header == "" {
		return ""
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if strings.Contains(part, `rel="next"`) {
			start := strings.Index(part, "<")
			end := strings.Index(part, ">")
			if start >= 0 && end > start {
				return part[start+1 : end]
			}
		}
	}
	return ""
}

// splitRepo splits "owner/repo".
func splitRepo(ownerRepo string) (string, string, error) {
	owner, repo, ok := strings.Cut(ownerRepo, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("invalid repo format: %s (expected owner/repo)", ownerRepo)
	}
	return owner, repo, nil
}
