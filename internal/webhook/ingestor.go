// Package webhook ingests GitHub webhook deliveries into the entity store.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/skridlevsky/ai-detective/internal/github"
	"github.com/skridlevsky/ai-detective/internal/metrics"
	"github.com/skridlevsky/ai-detective/internal/workitem"
)

// maxBodyBytes matches GitHub's payload cap.
const maxBodyBytes = 25 << 20

// Upserter is the write side of the entity store
type Upserter interface {
	Upsert(ctx context.Context, p *workitem.Patch) (*workitem.Item, error)
}

// ErrUnsupportedEvent is returned for event types the pipeline does not read.
var ErrUnsupportedEvent = errors.New("unsupported webhook event")

// Ingestor verifies, dedupes and normalizes GitHub webhook deliveries.
type Ingestor struct {
	secret     []byte
	deliveries DeliveryStore
	items      Upserter
}

func NewIngestor(secret string, deliveries DeliveryStore, items Upserter) *Ingestor {
	return &Ingestor{secret: []byte(secret), deliveries: deliveries, items: items}
}

// Ingest processes one verified delivery. A delivery ID that was already
// claimed returns ErrDuplicateDelivery without touching the store. If
// processing fails the claim is released so GitHub's redelivery is accepted.
func (i *Ingestor) Ingest(ctx context.Context, event, deliveryID string, body []byte) error {
	if event == "ping" {
		return nil
	}

	patch, err := normalize(event, body)
	if err != nil {
		return err
	}

	if deliveryID != "" {
		first, err := i.deliveries.MarkProcessed(ctx, deliveryID)
		if err != nil {
			return err
		}
		if !first {
			return ErrDuplicateDelivery
		}
	}

	if _, err := i.items.Upsert(ctx, patch); err != nil {
		if deliveryID != "" {
			if rerr := i.deliveries.Release(ctx, deliveryID); rerr != nil {
				slog.Error("Failed to release webhook delivery", "delivery", deliveryID, "error", rerr)
			}
		}
		return fmt.Errorf("failed to upsert %s: %w", patch.Identity.Key(), err)
	}
	return nil
}

func normalize(event string, body []byte) (*workitem.Patch, error) {
	switch event {
	case "pull_request":
		var ev github.PullRequestEventPayload
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, &workitem.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return github.PatchFromPull(ev.Repository.FullName, &ev.PullRequest), nil
	case "pull_request_review":
		var ev github.PullRequestReviewEventPayload
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, &workitem.ValidationError{Field: "payload", Reason: err.Error()}
		}
		return github.PatchFromReview(&ev), nil
	default:
		return nil, ErrUnsupportedEvent
	}
}

// ServeHTTP handles POST /webhooks/github
func (i *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveWebhook(event, "read_error")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(i.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		slog.Warn("Rejected webhook delivery", "event", event, "delivery", deliveryID, "error", err)
		metrics.ObserveWebhook(event, "bad_signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	err = i.Ingest(r.Context(), event, deliveryID, body)
	var ve *workitem.ValidationError
	switch {
	case err == nil:
		metrics.ObserveWebhook(event, "processed")
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrDuplicateDelivery):
		slog.Info("Ignoring duplicate webhook delivery", "event", event, "delivery", deliveryID)
		metrics.ObserveWebhook(event, "duplicate")
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrUnsupportedEvent):
		metrics.ObserveWebhook(event, "ignored")
		w.WriteHeader(http.StatusAccepted)
	case errors.As(err, &ve):
		slog.Warn("Invalid webhook payload", "event", event, "delivery", deliveryID, "error", err)
		metrics.ObserveWebhook(event, "invalid")
		http.Error(w, ve.Error(), http.StatusUnprocessableEntity)
	default:
		slog.Error("Failed to ingest webhook", "event", event, "delivery", deliveryID, "error", err)
		metrics.ObserveWebhook(event, "error")
		http.Error(w, "failed to process delivery", http.StatusInternalServerError)
	}
}
