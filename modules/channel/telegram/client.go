package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultRetries   = 3
	maxResponseBytes = 10 << 20
)

// Client calls the Telegram Bot API for one bot token. Flood waits (429)
// are retried after the delay Telegram asks for; every other failure is
// returned as is.
type Client struct {
	token   string
	baseURL string
	http    *http.Client

	// retries bounds the attempts made on 429 responses. A value of 1
	// surfaces flood waits to the caller as *APIError.
	retries uint
}

// NewClient creates a client for token against baseURL
// (https://api.telegram.org in production).
func NewClient(token, baseURL string) *Client {
	return &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		retries: defaultRetries,
	}
}

// call performs one Bot API method and decodes its result into T.
func call[T any](ctx context.Context, c *Client, method string, payload any) (*T, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("telegram: marshal %s request: %w", method, err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	attempts := max(c.retries, 1)
	var attempt uint

	return backoff.Retry(ctx, func() (*T, error) {
		attempt++
		result, err := roundTrip[T](ctx, c, method, body)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests && attempt < attempts {
			return nil, backoff.RetryAfter(max(apiErr.RetryAfter, 1))
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return result, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(attempts))
}

func roundTrip[T any](ctx context.Context, c *Client, method string, body []byte) (*T, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, reader)
	if err != nil {
		return nil, fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// *url.Error carries the URL, and the URL carries the token.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("telegram: read %s response: %w", method, err)
	}

	var out APIResponse[T]
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &APIError{Code: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !out.OK {
		apiErr := &APIError{Code: out.ErrorCode, Description: out.Description}
		if out.Parameters != nil {
			apiErr.RetryAfter = out.Parameters.RetryAfter
		}
		return nil, apiErr
	}
	return &out.Result, nil
}

// GetUpdatesRequest is the request body for the getUpdates method.
type GetUpdatesRequest struct {
	Offset         int      `json:"offset,omitempty"`
	Limit          int      `json:"limit,omitempty"`
	Timeout        int      `json:"timeout,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

// SetWebhookRequest is the request body for the setWebhook method.
type SetWebhookRequest struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
	MaxConnections int      `json:"max_connections,omitempty"`
}

// SendMessageRequest is the request body for the sendMessage method.
type SendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
	ReplyToMessageID      int    `json:"reply_to_message_id,omitempty"`
}

// ForwardMessageRequest is the request body for the forwardMessage and
// copyMessage methods.
type ForwardMessageRequest struct {
	ChatID              int64 `json:"chat_id"`
	FromChatID          int64 `json:"from_chat_id"`
	MessageID           int   `json:"message_id"`
	DisableNotification bool  `json:"disable_notification,omitempty"`
}

type chatRequest struct {
	ChatID int64 `json:"chat_id"`
}

type chatMemberRequest struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

// GetMe returns the bot's user information.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	return call[User](ctx, c, "getMe", nil)
}

// GetUpdates fetches incoming updates using long polling.
func (c *Client) GetUpdates(ctx context.Context, req GetUpdatesRequest) ([]Update, error) {
	result, err := call[[]Update](ctx, c, "getUpdates", req)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// SetWebhook configures the webhook URL for receiving updates.
func (c *Client) SetWebhook(ctx context.Context, req SetWebhookRequest) error {
	_, err := call[bool](ctx, c, "setWebhook", req)
	return err
}

// DeleteWebhook removes the current webhook integration.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := call[bool](ctx, c, "deleteWebhook", nil)
	return err
}

// SendMessage sends a text message to the specified chat.
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	return call[Message](ctx, c, "sendMessage", req)
}

// ForwardMessage forwards a message, keeping the origin header.
func (c *Client) ForwardMessage(ctx context.Context, req ForwardMessageRequest) (*Message, error) {
	return call[Message](ctx, c, "forwardMessage", req)
}

// CopyMessage re-posts a message without the origin header.
func (c *Client) CopyMessage(ctx context.Context, req ForwardMessageRequest) (*MessageRef, error) {
	return call[MessageRef](ctx, c, "copyMessage", req)
}

// GetChat returns up-to-date information about a chat.
func (c *Client) GetChat(ctx context.Context, chatID int64) (*Chat, error) {
	return call[Chat](ctx, c, "getChat", chatRequest{ChatID: chatID})
}

// GetChatMember returns the rights of userID in chatID.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (*ChatMember, error) {
	return call[ChatMember](ctx, c, "getChatMember", chatMemberRequest{ChatID: chatID, UserID: userID})
}
