package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/skridlevsky/ai-detective/internal/orchestrator"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

const dayFormat = "2006-01-02"

// historyDays is how far back the metrics API reports.
const historyDays = 28

// Connector adapts the metrics API to the orchestrator. Each day is a unit;
// Fetch stores the day and returns no patch.
type Connector struct {
	client *Client
	store  Store
	now    func() time.Time
}

func NewConnector(client *Client, store Store) *Connector {
	return &Connector{client: client, store: store, now: time.Now}
}

func (c *Connector) Source() string { return "copilot" }

// List returns one unit per reported day at or after cursor. The cursor day
// is re-listed because its numbers may still have been filling in.
func (c *Connector) List(ctx context.Context, scope, cursor string) ([]orchestrator.Unit, error) {
	since := c.now().UTC().AddDate(0, 0, -historyDays).Truncate(24 * time.Hour)
	if cursor != "" {
		t, err := time.Parse(dayFormat, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cursor %q: %w", cursor, err)
		}
		if t.After(since) {
			since = t
		}
	}

	days, err := c.client.OrgMetrics(ctx, scope, since)
	if err != nil {
		return nil, err
	}

	units := make([]orchestrator.Unit, 0, len(days))
	for _, d := range days {
		key := d.Date.Format(dayFormat)
		units = append(units, orchestrator.Unit{Key: key, Cursor: key, Data: d})
	}
	return units, nil
}

func (c *Connector) Fetch(ctx context.Context, scope string, u orchestrator.Unit) (*workitem.Patch, error) {
	d, ok := u.Data.(Day)
	if !ok {
		return nil, &workitem.ValidationError{Field: "data", Reason: "unit carries no usage day"}
	}
	if d.ActiveUsers < 0 || d.CodeAcceptances > d.CodeSuggestions {
		return nil, &workitem.ValidationError{Field: "usage", Reason: fmt.Sprintf("inconsistent counts for %s", u.Key)}
	}
	if err := c.store.Upsert(ctx, d); err != nil {
		return nil, err
	}
	return nil, nil
}
