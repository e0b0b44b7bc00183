package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/skridlevsky/ai-detective/internal/survey"
)

// maxClockSkew rejects replayed callbacks.
const maxClockSkew = 5 * time.Minute

var ErrInvalidSignature = errors.New("invalid slack signature")

// Recorder accepts survey answers
type Recorder interface {
	RecordAuthorResponse(ctx context.Context, surveyID, responder string, usedAI bool) error
	RecordReviewerResponse(ctx context.Context, surveyID, reviewer string, rating int, aiGuess bool) error
}

// InteractionHandler serves Slack's interactivity callback. Slack wants an
// answer within 3 seconds, so the request is acknowledged once verified and
// answers are recorded in the background.
type InteractionHandler struct {
	signingSecret []byte
	users         *UserMap
	recorder      Recorder
	now           func() time.Time

	wg sync.WaitGroup
}

func NewInteractionHandler(signingSecret string, users *UserMap, recorder Recorder) *InteractionHandler {
	return &InteractionHandler{
		signingSecret: []byte(signingSecret),
		users:         users,
		recorder:      recorder,
		now:           time.Now,
	}
}

// Sign returns the X-Slack-Signature for body sent at ts.
func Sign(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "v0:%s:", ts)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func (h *InteractionHandler) verify(r *http.Request, body []byte) error {
	ts := r.Header.Get("X-Slack-Request-Timestamp")
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(h.signingSecret) == 0 {
		return ErrInvalidSignature
	}
	if d := h.now().Sub(time.Unix(secs, 0)); d > maxClockSkew || d < -maxClockSkew {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(Sign(h.signingSecret, ts, body)), []byte(r.Header.Get("X-Slack-Signature"))) {
		return ErrInvalidSignature
	}
	return nil
}

type interactionPayload struct {
	Type string `json:"type"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// ServeHTTP handles POST /slack/interactions
func (h *InteractionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if err := h.verify(r, body); err != nil {
		slog.Warn("Rejected slack interaction", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	var p interactionPayload
	if err := json.Unmarshal([]byte(form.Get("payload")), &p); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)

	if p.Type != "block_actions" {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.process(ctx, &p)
	}()
}

// Wait blocks until background processing has finished
func (h *InteractionHandler) Wait() {
	h.wg.Wait()
}

func (h *InteractionHandler) process(ctx context.Context, p *interactionPayload) {
	login, ok := h.users.Login(p.User.ID)
	if !ok {
		slog.Warn("Interaction from unmapped slack user", "slack_user", p.User.ID)
		return
	}

	for _, act := range p.Actions {
		a, err := parseValue(act.Value)
		if err != nil {
			slog.Warn("Ignoring slack action", "action", act.ActionID, "error", err)
			continue
		}

		if a.Role == "author" {
			err = h.recorder.RecordAuthorResponse(ctx, a.SurveyID, login, a.UsedAI)
		} else {
			err = h.recorder.RecordReviewerResponse(ctx, a.SurveyID, login, a.Rating, a.UsedAI)
		}

		var ire *survey.InvalidRatingError
		switch {
		case err == nil:
			slog.Info("Survey answer recorded", "survey", a.SurveyID, "role", a.Role, "responder", login)
		case errors.Is(err, survey.ErrNotParticipant), errors.Is(err, survey.ErrSurveyClosed),
			errors.Is(err, survey.ErrNotFound), errors.As(err, &ire):
			slog.Warn("Survey answer rejected", "survey", a.SurveyID, "responder", login, "error", err)
		default:
			slog.Error("Failed to record survey answer", "survey", a.SurveyID, "responder", login, "error", err)
		}
	}
}
