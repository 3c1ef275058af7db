package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// Webhook posts events to an HTTP endpoint, as a JSON envelope or as a form
// with the envelope in "jsonData".
type Webhook struct {
	url    string
	format string
	client *resty.Client
}

// NewWebhook creates a webhook sink. format is "json" or "form".
func NewWebhook(url, format string) *Webhook {
	client := resty.New().
		SetTimeout(5*time.Second).
		SetHeader("User-Agent", "lexbridge")
	return &Webhook{url: url, format: format, client: client}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Deliver(ctx context.Context, evt *Event) error {
	body, err := evt.Envelope()
	if err != nil {
		return err
	}

	req := w.client.R().SetContext(ctx)
	if w.format == "json" {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	} else {
		req.SetFormData(map[string]string{
			"jsonData": string(body),
			"tenantId": evt.TenantID,
			"topic":    evt.Topic,
		})
	}

	resp, err := req.Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	log.Debug().Str("eventID", evt.ID).Int("status", resp.StatusCode()).Msg("Webhook delivered")
	return nil
}
