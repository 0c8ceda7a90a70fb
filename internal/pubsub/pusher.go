package pubsub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vvidic/simple-lookup-service/internal/record"
)

// pushEnvelope is the wire shape of one delivered batch.
type pushEnvelope struct {
	SubscriptionID string          `json:"subscription-id"`
	Batch          []record.Record `json:"batch"`
}

// HTTPPusher delivers batches with a JSON POST per batch. Any 2xx response
// acknowledges the whole batch.
type HTTPPusher struct {
	client *http.Client
}

// NewHTTPPusher creates a pusher over the given client. A nil client uses
// http.DefaultClient; per-attempt timeouts come from the flush context.
func NewHTTPPusher(client *http.Client) *HTTPPusher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPPusher{client: client}
}

func (p *HTTPPusher) Push(ctx context.Context, endpoint, subscriptionID string, batch []record.Record) error {
	body, err := json.Marshal(pushEnvelope{SubscriptionID: subscriptionID, Batch: batch})
	if err != nil {
		return fmt.Errorf("pubsub: encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pubsub: build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pubsub: push to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pubsub: push to %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	return nil
}
