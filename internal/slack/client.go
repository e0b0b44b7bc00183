// Package slack delivers survey messages over the Slack Web API and receives
// button presses from Slack's interactivity callback.
package slack

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/skridlevsky/ai-detective/internal/apiclient"
	"github.com/skridlevsky/ai-detective/internal/survey"
)

const defaultBaseURL = "https://slack.com/api"

// Slack returns 200 with ok=false for these; retrying will not help.
var authErrors = map[string]bool{
	"not_authed":       true,
	"invalid_auth":     true,
	"account_inactive": true,
	"token_revoked":    true,
	"token_expired":    true,
}

// Client implements survey.Messenger
type Client struct {
	api     *apiclient.Client
	baseURL string
	users   *UserMap
}

// NewClient creates a Slack client. users maps source logins to Slack user IDs.
func NewClient(token, baseURL string, users *UserMap, budget *apiclient.Budget) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		api: apiclient.NewClient(apiclient.Options{
			Name:   "slack",
			Budget: budget,
			Authorize: func(req *http.Request) {
				req.Header.Set("Authorization", "Bearer "+token)
			},
		}),
		baseURL: strings.TrimRight(baseURL, "/"),
		users:   users,
	}
}

type apiResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	TS string `json:"ts"`
}

func (c *Client) call(ctx context.Context, method string, body interface{}) (*apiResponse, error) {
	var resp apiResponse
	if _, err := c.api.PostJSON(ctx, c.baseURL+"/"+method, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	if !resp.OK {
		if authErrors[resp.Error] {
			return nil, &apiclient.FatalAuthError{StatusCode: http.StatusOK, Message: resp.Error}
		}
		return nil, fmt.Errorf("%s failed: %s", method, resp.Error)
	}
	return &resp, nil
}

// Send posts msg. A single recipient gets a direct message; several share a
// group conversation. Recipients without a Slack mapping are dropped, and if
// none remain the error wraps survey.ErrUnknownRecipient.
func (c *Client) Send(ctx context.Context, msg survey.Message) error {
	var ids, missing []string
	for _, ref := range msg.Recipients {
		if id, ok := c.users.SlackID(ref); ok {
			ids = append(ids, id)
		} else {
			missing = append(missing, ref)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no slack user for %s: %w", strings.Join(missing, ", "), survey.ErrUnknownRecipient)
	}

	channel := ids[0]
	if len(ids) > 1 {
		resp, err := c.call(ctx, "conversations.open", map[string]string{"users": strings.Join(ids, ",")})
		if err != nil {
			return err
		}
		channel = resp.Channel.ID
	}

	text, blocks := render(msg, c.users)
	_, err := c.call(ctx, "chat.postMessage", map[string]interface{}{
		"channel": channel,
		"text":    text,
		"blocks":  blocks,
	})
	return err
}
