package github

import (
	"context"
	"fmt"
	"strconv"

	"github.com/skridlevsky/ai-detective/internal/orchestrator"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// Connector syncs pull requests of one owner/repo scope
type Connector struct {
	client *Client
	cache  *PullCache
}

// NewConnector creates a pull request connector. cache may be nil.
func NewConnector(client *Client, cache *PullCache) *Connector {
	return &Connector{client: client, cache: cache}
}

func (c *Connector) Source() string { return string(workitem.SourceGitHub) }

// List returns one unit per pull request updated at or after cursor
func (c *Connector) List(ctx context.Context, scope, cursor string) ([]orchestrator.Unit, error) {
	owner, repo, err := splitRepo(scope)
	if err != nil {
		return nil, &workitem.ValidationError{Field: "scope", Reason: err.Error()}
	}
	since, err := ParseCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cursor %q: %w", cursor, err)
	}

	pulls, err := c.client.ListPullsUpdatedSince(ctx, owner, repo, since)
	if err != nil {
		return nil, err
	}

	units := make([]orchestrator.Unit, len(pulls))
	for i := range pulls {
		units[i] = orchestrator.Unit{
			Key:    strconv.Itoa(pulls[i].Number),
			Cursor: FormatCursor(pulls[i].UpdatedAt),
			Data:   pulls[i],
		}
	}
	return units, nil
}

// Fetch pulls detail, commits and reviews for one pull request
func (c *Connector) Fetch(ctx context.Context, scope string, u orchestrator.Unit) (*workitem.Patch, error) {
	owner, repo, err := splitRepo(scope)
	if err != nil {
		return nil, &workitem.ValidationError{Field: "scope", Reason: err.Error()}
	}
	number, err := strconv.Atoi(u.Key)
	if err != nil {
		return nil, &workitem.ValidationError{Field: "external_id", Reason: fmt.Sprintf("is not a pull number: %q", u.Key)}
	}

	cacheKey := scope + "#" + u.Key
	listed, hasListed := u.Data.(Pull)
	if hasListed && c.cache != nil {
		if p, ok := c.cache.Get(cacheKey, listed.UpdatedAt); ok {
			return p, nil
		}
	}

	pr, err := c.client.GetPull(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	commits, err := c.client.ListCommits(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}
	reviews, err := c.client.ListReviews(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	p := PatchFromPull(scope, pr)
	AddCommits(p, commits)
	AddReviews(p, pr.User.Login, reviews)

	if c.cache != nil {
		c.cache.Put(cacheKey, pr.UpdatedAt, p)
	}
	return p, nil
}
