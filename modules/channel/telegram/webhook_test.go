package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flemzord/smartfolders/internal/gateway"
	"github.com/go-chi/chi/v5"
)

func privateUpdate(text string) []byte {
	body, _ := json.Marshal(Update{
		UpdateID: 1,
		Message: &Message{
			MessageID: 42,
			From:      &User{ID: 123, FirstName: "Alice"},
			Chat:      Chat{ID: 123, Type: "private"},
			Date:      1700000000,
			Text:      text,
		},
	})
	return body
}

func TestWebhookReceiver_DecodesUpdate(t *testing.T) {
	var received []*Update
	wh := NewWebhookReceiver(func(_ context.Context, u *Update) {
		received = append(received, u)
	}, "")

	if err := wh.HandleWebhook(context.TODO(), "telegram", privateUpdate("/help"), http.Header{}); err != nil {
		t.Fatalf("HandleWebhook() error: %v", err)
	}
	if len(received) != 1 || received[0].Message.From.ID != 123 {
		t.Fatalf("received = %+v", received)
	}
}

func TestWebhookReceiver_InvalidJSON(t *testing.T) {
	wh := NewWebhookReceiver(func(context.Context, *Update) {
		t.Error("handler should not be called for invalid JSON")
	}, "")

	err := wh.HandleWebhook(context.TODO(), "telegram", []byte("not json"), http.Header{})
	if !errors.Is(err, gateway.ErrBadPayload) {
		t.Fatalf("error = %v, want ErrBadPayload", err)
	}
}

func TestWebhookReceiver_VerifierThroughGateway(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		header   string
		wantCode int
		wantHits int
	}{
		{name: "matching token", secret: "tg-secret", header: "tg-secret", wantCode: http.StatusOK, wantHits: 1},
		{name: "wrong token", secret: "tg-secret", header: "wrong", wantCode: http.StatusUnauthorized},
		{name: "missing token", secret: "tg-secret", wantCode: http.StatusUnauthorized},
		{name: "no secret configured", wantCode: http.StatusOK, wantHits: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits := 0
			wh := NewWebhookReceiver(func(context.Context, *Update) { hits++ }, tt.secret)
			if (wh.Verifier() == nil) != (tt.secret == "") {
				t.Fatalf("Verifier() = %v for secret %q", wh.Verifier(), tt.secret)
			}

			d := gateway.NewWebhookDispatcher(discardLogger())
			d.Register("telegram", wh, wh.Verifier())
			r := chi.NewRouter()
			r.Post("/webhooks/{source}", d.ServeHTTP)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", bytes.NewReader(privateUpdate("/list")))
			if tt.header != "" {
				req.Header.Set(secretHeader, tt.header)
			}
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode || hits != tt.wantHits {
				t.Errorf("status = %d hits = %d, want %d / %d", rr.Code, hits, tt.wantCode, tt.wantHits)
			}
		})
	}
}
