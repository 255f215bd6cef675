package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/burrowql/burrow/store"
	"github.com/burrowql/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

const maxResponseBytes = 8 * 1024

// RetryPolicy bounds in-process delivery retries for one event
type RetryPolicy struct {
	MaxTries       int
	AttemptTimeout time.Duration
	Initial        time.Duration
	Max            time.Duration
	Multiplier     float64
}

// Outcome is the terminal result of delivering one event. Every claimed
// event ends in exactly one of delivered or failed.
type Outcome struct {
	Delivered bool
	Tries     int
	Detail    string
}

// envelope is the JSON body POSTed to webhooks
type envelope struct {
	ID        int64           `json:"id"`
	Class     string          `json:"class"`
	Name      string          `json:"name"`
	Source    string          `json:"source,omitempty"`
	DueTime   time.Time       `json:"due_time"`
	Tries     int             `json:"tries"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Deliverer POSTs events to their webhooks with bounded retries. Transient
// failures (network errors, 5xx, 408, 429) back off exponentially and retry
// in process until the try budget runs out. Non-retryable responses (other
// 4xx) fail immediately.
type Deliverer struct {
	store  *store.Store
	client *http.Client
	policy RetryPolicy
}

// NewDeliverer creates a webhook deliverer. The invocation log is written to
// st, one row per attempt.
func NewDeliverer(st *store.Store, policy RetryPolicy) *Deliverer {
	if policy.MaxTries < 1 {
		policy.MaxTries = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &Deliverer{
		store:  st,
		client: &http.Client{Timeout: policy.AttemptTimeout},
		policy: policy,
	}
}

// Deliver runs the full retry loop for one event and returns its terminal
// outcome. Tries counts attempts made in this claim on top of any previous
// claims recorded on the row.
func (d *Deliverer) Deliver(ctx context.Context, ev store.Event) Outcome {
	body, err := d.encodeBody(ev)
	if err != nil {
		return Outcome{Delivered: false, Tries: ev.Tries, Detail: err.Error()}
	}

	tries := ev.Tries
	backoff := d.policy.Initial

	for tries < d.policy.MaxTries {
		tries++

		start := time.Now()
		code, response, err := d.attempt(ctx, ev.Webhook, body)
		telemetry.DeliverySeconds.With(string(ev.Class)).Observe(time.Since(start).Seconds())

		detail := response
		if err != nil {
			detail = err.Error()
		}
		if logErr := d.store.RecordInvocation(ev.Class, ev.ID, tries, code, detail); logErr != nil {
			log.Warn().Err(logErr).Str("class", string(ev.Class)).Int64("event", ev.ID).
				Msg("Failed to record invocation")
		}

		if err == nil && code >= 200 && code < 300 {
			return Outcome{Delivered: true, Tries: tries}
		}

		if err == nil && !retryable(code) {
			return Outcome{
				Delivered: false,
				Tries:     tries,
				Detail:    fmt.Sprintf("webhook returned %d", code),
			}
		}

		if tries >= d.policy.MaxTries {
			return Outcome{
				Delivered: false,
				Tries:     tries,
				Detail:    fmt.Sprintf("gave up after %d tries: %s", tries, detail),
			}
		}

		telemetry.EventRetriesTotal.With(string(ev.Class)).Inc()
		log.Debug().Str("class", string(ev.Class)).Int64("event", ev.ID).Int("try", tries).
			Dur("backoff", backoff).Msg("Delivery attempt failed, retrying")

		select {
		case <-ctx.Done():
			return Outcome{Delivered: false, Tries: tries, Detail: ctx.Err().Error()}
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * d.policy.Multiplier)
		if backoff > d.policy.Max {
			backoff = d.policy.Max
		}
	}

	return Outcome{Delivered: false, Tries: tries, Detail: "try budget exhausted"}
}

// attempt performs a single POST and returns the status code and a truncated
// response body
func (d *Deliverer) attempt(ctx context.Context, url string, body []byte) (int, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, string(buf), nil
}

func (d *Deliverer) encodeBody(ev store.Event) ([]byte, error) {
	var payload any
	if err := store.DecodePayload(ev.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for event %d: %w", ev.ID, err)
	}

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload for event %d: %w", ev.ID, err)
		}
		raw = encoded
	}

	body, err := json.Marshal(envelope{
		ID:        ev.ID,
		Class:     string(ev.Class),
		Name:      ev.Name,
		Source:    ev.Source,
		DueTime:   time.Unix(0, ev.DueTime).UTC(),
		Tries:     ev.Tries,
		CreatedAt: time.Now().UTC(),
		Payload:   raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %d: %w", ev.ID, err)
	}
	return body, nil
}

// retryable reports whether an HTTP status is worth another attempt.
// 5xx, request timeout and rate limiting are transient; other 4xx mean the
// request itself is bad and repeating it cannot help.
func retryable(code int) bool {
	if code >= 500 {
		return true
	}
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}
