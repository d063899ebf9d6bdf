// Package payments hands settlement instructions to the payment rail. The
// rail moves money; this package only tells it what escrow authorized.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"carflow/escrow"
	"carflow/failure"
)

var ErrRailRejected = failure.New(failure.KindCollaborator, "payments: rail rejected instruction")

// Webhook posts each instruction as JSON to a rail endpoint.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

var _ escrow.PaymentRail = (*Webhook)(nil)

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
}

func (w *Webhook) WithHTTPClient(c *http.Client) *Webhook {
	if c != nil {
		w.client = c
	}
	return w
}

func (w *Webhook) WithLogger(l *slog.Logger) *Webhook {
	if l != nil {
		w.logger = l
	}
	return w
}

// Notify implements escrow.PaymentRail. The escrow id and instruction kind
// are sent as an idempotency key so the rail can drop repeats.
func (w *Webhook) Notify(ctx context.Context, in escrow.Instruction) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("payments: marshal instruction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", in.EscrowID+":"+string(in.Kind))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("payments: post instruction: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s for %s %s", ErrRailRejected, resp.Status, in.Kind, in.EscrowID)
	}

	w.logger.Debug("instruction delivered",
		slog.String("escrow_id", in.EscrowID),
		slog.String("kind", string(in.Kind)),
	)
	return nil
}

// Nop logs instructions and drops them. It stands in for the rail when no
// endpoint is configured.
type Nop struct {
	logger *slog.Logger
}

var _ escrow.PaymentRail = (*Nop)(nil)

func NewNop(logger *slog.Logger) *Nop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Nop{logger: logger}
}

func (n *Nop) Notify(_ context.Context, in escrow.Instruction) error {
	n.logger.Debug("payment rail disabled; instruction dropped",
		slog.String("escrow_id", in.EscrowID),
		slog.String("kind", string(in.Kind)),
		slog.String("amount", in.Amount.String()),
	)
	return nil
}
