package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"dealdesk/internal/config"
)

const defaultTimeout = 5 * time.Second

// AdminAudience is the broadcast recipient id for notifications addressed
// to every admin account rather than a single participant.
const AdminAudience = "admins"

// Notification is a message for one marketplace participant.
type Notification struct {
	RecipientID string `json:"recipient_id"`
	ProjectID   string `json:"project_id"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Message     string `json:"message"`
	TS          string `json:"ts"`
}

// Notifier delivers notifications. Delivery failures are not surfaced to
// callers; lifecycle transitions must not fail because a sink is down.
type Notifier interface {
	Send(ctx context.Context, n Notification)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) Send(context.Context, Notification) {}

// Webhook posts notifications as JSON to the configured targets, filtered by
// each target's event kinds.
type Webhook struct {
	targets map[string]config.WebhookTarget
	client  *http.Client
}

// NewWebhook builds a notifier from config. Returns Nop when no targets are
// configured.
func NewWebhook(cfg *config.Config) Notifier {
	if cfg == nil || len(cfg.Notifications.Webhooks) == 0 {
		return Nop{}
	}
	return &Webhook{
		targets: cfg.Notifications.Webhooks,
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

func (w *Webhook) Send(ctx context.Context, n Notification) {
	for name, target := range w.targets {
		if strings.TrimSpace(target.URL) == "" {
			continue
		}
		if !matchKind(target.Events, n.Kind) {
			continue
		}
		if err := w.post(ctx, target.URL, n); err != nil {
			log.Printf("notify: deliver to %s failed: %v", name, err)
		}
	}
}

func (w *Webhook) post(ctx context.Context, url string, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// matchKind supports exact kinds and trailing-star prefixes ("escrow.*").
// An empty filter matches everything.
func matchKind(filters []string, kind string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == "*" || f == kind {
			return true
		}
		if strings.HasSuffix(f, ".*") && strings.HasPrefix(kind, strings.TrimSuffix(f, "*")) {
			return true
		}
	}
	return false
}
