package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/DaveLoeffel/sage-app-sub001/obligation"
)

const defaultMaxElapsed = 30 * time.Second

// Payload is the body POSTed to the notify collaborator.
type Payload struct {
	DispatchID       string            `json:"dispatch_id"`
	ObligationID     string            `json:"obligation_id"`
	Stage            obligation.Status `json:"stage"`
	Recipient        string            `json:"recipient"`
	EscalationTarget string            `json:"escalation_target,omitempty"`
	Attempt          int               `json:"attempt"`
}

func payloadFor(req obligation.DispatchRequest) Payload {
	return Payload{
		DispatchID:       req.ID,
		ObligationID:     req.ObligationID,
		Stage:            req.Stage,
		Recipient:        req.Recipient,
		EscalationTarget: req.EscalationTarget,
		Attempt:          req.Attempt,
	}
}

// HTTPNotifier POSTs each request as JSON. 5xx responses and transport
// errors are retried with exponential backoff; 4xx responses are not.
type HTTPNotifier struct {
	url        string
	token      string
	client     *http.Client
	maxElapsed time.Duration
}

func NewHTTPNotifier(url, token string, client *http.Client) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPNotifier{url: url, token: token, client: client, maxElapsed: defaultMaxElapsed}
}

// WithMaxElapsed bounds the total time spent retrying one request.
func (n *HTTPNotifier) WithMaxElapsed(d time.Duration) *HTTPNotifier {
	n.maxElapsed = d
	return n
}

func (n *HTTPNotifier) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = n.maxElapsed
	return bo
}

func (n *HTTPNotifier) Notify(ctx context.Context, req obligation.DispatchRequest) error {
	body, err := json.Marshal(payloadFor(req))
	if err != nil {
		return backoff.Permanent(err)
	}

	return backoff.Retry(func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey())
		if n.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+n.token)
		}

		resp, err := n.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("notify: %s: %s", resp.Status, bytes.TrimSpace(msg)))
		default:
			return fmt.Errorf("notify: %s", resp.Status)
		}
	}, backoff.WithContext(n.newBackoff(), ctx))
}

// LogNotifier only logs requests. It is meant for local development.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, req obligation.DispatchRequest) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notify",
		slog.String("obligation_id", req.ObligationID),
		slog.String("stage", string(req.Stage)),
		slog.String("recipient", req.Recipient),
		slog.String("escalation_target", req.EscalationTarget),
		slog.String("idempotency_key", req.IdempotencyKey()),
	)
	return nil
}
