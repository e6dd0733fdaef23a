package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flemzord/smartfolders/internal/gateway"
)

// secretHeader carries the secret_token registered with setWebhook.
const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookReceiver decodes control bot updates pushed through the gateway.
// The gateway checks the secret token before HandleWebhook runs.
type WebhookReceiver struct {
	handle UpdateHandler
	secret string
}

// NewWebhookReceiver creates a receiver for handle. secret is the
// secret_token given to setWebhook; empty disables the check.
func NewWebhookReceiver(handle UpdateHandler, secret string) *WebhookReceiver {
	return &WebhookReceiver{handle: handle, secret: secret}
}

// Verifier returns the check the gateway applies to each delivery, or nil
// when no secret is configured.
func (w *WebhookReceiver) Verifier() gateway.Verifier {
	if w.secret == "" {
		return nil
	}
	return gateway.SharedToken{Header: secretHeader, Secret: w.secret}
}

// HandleWebhook implements gateway.WebhookHandler.
func (w *WebhookReceiver) HandleWebhook(ctx context.Context, _ string, body []byte, _ http.Header) error {
	var update Update
	if err := json.Unmarshal(body, &update); err != nil {
		return fmt.Errorf("telegram: decode update: %w: %v", gateway.ErrBadPayload, err)
	}
	w.handle(ctx, &update)
	return nil
}
