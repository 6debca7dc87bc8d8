package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/physicsrail/pkg/contracts"
	"github.com/Mindburn-Labs/physicsrail/pkg/util/resiliency"
)

// EventType names a lifecycle event of an approval request.
type EventType string

const (
	EventCreated  EventType = "approval.created"
	EventResolved EventType = "approval.resolved"
	EventExpired  EventType = "approval.expired"
)

// Event is delivered to notifiers after each state change.
type Event struct {
	Type       EventType                  `json:"type"`
	Request    *contracts.ApprovalRequest `json:"request"`
	OccurredAt time.Time                  `json:"occurred_at"`
}

// Notifier delivers approval events to humans or systems. Delivery is
// best effort: the manager logs notifier errors and carries on.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// MultiNotifier fans an event out to every notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, ev Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "approval event",
		"event", string(ev.Type),
		"request_id", ev.Request.ID,
		"state", string(ev.Request.State),
		"approver_role", string(ev.Request.ApproverRole),
		"proposal_id", ev.Request.Proposal.ProposalID,
		"expires_at", ev.Request.ExpiresAt,
	)
	return nil
}

// WebhookNotifier POSTs events as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *resiliency.EnhancedClient
}

// NewWebhookNotifier creates a notifier posting to url with retry and a circuit breaker.
func NewWebhookNotifier(url string, opts ...resiliency.Option) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: resiliency.NewEnhancedClient("approval-webhook", opts...)}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode approval event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rail-Event", string(ev.Type))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver approval webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("approval webhook returned %d", resp.StatusCode)
	}
	return nil
}

// RedisNotifier publishes events on "rail:approvals:<id>" and on the
// firehose channel "rail:approvals".
type RedisNotifier struct {
	client redis.UniversalClient
}

// NewRedisNotifier creates a publisher over client.
func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Channel returns the per-request channel name.
func Channel(requestID string) string { return "rail:approvals:" + requestID }

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode approval event: %w", err)
	}
	pipe := n.client.Pipeline()
	pipe.Publish(ctx, Channel(ev.Request.ID), body)
	pipe.Publish(ctx, "rail:approvals", body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish approval event: %w", err)
	}
	return nil
}
