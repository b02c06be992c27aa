package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rickgao/ovh-sniper/internal/model"
)

// Webhook request headers.
const (
	HeaderEvent  = "X-Sniper-Event"
	HeaderSecret = "X-Sniper-Secret"
)

// WebhookConfig configures one webhook endpoint.
type WebhookConfig struct {
	URL    string
	Secret string   // sent verbatim in X-Sniper-Secret when set
	Events []string // notification kinds to deliver; empty = all
}

// WebhookSink POSTs notifications as JSON.
type WebhookSink struct {
	cfg        WebhookConfig
	events     map[string]struct{}
	httpClient *http.Client
}

// NewWebhookSink creates a webhook sink. hc may be nil.
func NewWebhookSink(cfg WebhookConfig, hc *http.Client) *WebhookSink {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	events := make(map[string]struct{}, len(cfg.Events))
	for _, e := range cfg.Events {
		events[e] = struct{}{}
	}
	return &WebhookSink{cfg: cfg, events: events, httpClient: hc}
}

// WebhookPayload is the JSON body of a webhook call.
type WebhookPayload struct {
	Kind      string         `json:"kind"`
	WatchID   string         `json:"watch_id,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Raw       string         `json:"raw,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Target    *WebhookTarget `json:"target,omitempty"`
	Message   string         `json:"message"`
}

// WebhookTarget is the target snapshot in a webhook payload.
type WebhookTarget struct {
	PlanCode   string `json:"plan_code"`
	Datacenter string `json:"datacenter,omitempty"`
	Memory     string `json:"memory,omitempty"`
	Storage    string `json:"storage,omitempty"`
	ServerName string `json:"server_name,omitempty"`
	Ordered    int    `json:"ordered"`
	Desired    int    `json:"desired_quantity"`
}

// Notify posts n unless its kind is filtered out.
func (s *WebhookSink) Notify(ctx context.Context, n model.Notification) error {
	if len(s.events) > 0 {
		if _, ok := s.events[string(n.Kind)]; !ok {
			return nil
		}
	}

	payload := WebhookPayload{
		Kind:      string(n.Kind),
		WatchID:   n.WatchID,
		Detail:    n.Detail,
		Raw:       n.Raw,
		Timestamp: n.Timestamp.UTC(),
		Message:   Render(n),
	}
	if t := n.Target; t != nil {
		payload.Target = &WebhookTarget{
			PlanCode:   t.PlanCode,
			Datacenter: t.Datacenter,
			Memory:     t.Memory,
			Storage:    t.Storage,
			ServerName: t.ServerName,
			Ordered:    t.Ordered,
			Desired:    t.DesiredQuantity,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(n.Kind))
	if s.cfg.Secret != "" {
		req.Header.Set(HeaderSecret, s.cfg.Secret)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", s.cfg.URL, resp.StatusCode)
	}
	return nil
}
