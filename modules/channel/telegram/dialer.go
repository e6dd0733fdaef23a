package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flemzord/smartfolders/internal/remote"
)

// relayUpdates are the update kinds a relay session subscribes to.
var relayUpdates = []string{"channel_post", "edited_channel_post"}

var (
	errQRUnsupported    = fmt.Errorf("%w: qr login needs a user account transport, sign in with a bot token", remote.ErrUnsupported)
	errChallenge        = fmt.Errorf("%w: bot accounts have no login challenges", remote.ErrUnsupported)
	errBotTokenRequired = fmt.Errorf("%w: a bot token is required", remote.ErrUnsupported)
	errCreateChannel    = fmt.Errorf("%w: bots cannot create channels, pass an existing destination", remote.ErrUnsupported)
)

// sessionBlob is the exported authorization of a Bot API session.
type sessionBlob struct {
	BotToken string `json:"bot_token"`
	BotID    int64  `json:"bot_id"`
}

// Dialer connects relay sessions through the Bot API. Each user signs in
// with their own bot, which must be a member of the source channels and
// allowed to post in the destinations.
type Dialer struct {
	apiURL      string
	pollTimeout int
	logger      *slog.Logger
}

var _ remote.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer against the given Bot API base URL.
func NewDialer(apiURL string, pollTimeout int, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{apiURL: apiURL, pollTimeout: pollTimeout, logger: logger}
}

// Dial implements remote.Dialer. A nil blob yields a client ready for
// SignIn.
func (d *Dialer) Dial(_ context.Context, userID int64, blob []byte) (remote.Client, error) {
	c := &botClient{dialer: d, userID: userID}
	if blob == nil {
		return c, nil
	}
	var s sessionBlob
	if err := json.Unmarshal(blob, &s); err != nil || s.BotToken == "" {
		return nil, fmt.Errorf("%w: unreadable bot session", remote.ErrAuthInvalidated)
	}
	c.token = s.BotToken
	c.botID = s.BotID
	c.api = d.newAPI(s.BotToken)
	return c, nil
}

// newAPI returns a client that surfaces flood waits instead of sleeping
// through them, so relay lanes can apply their own backoff.
func (d *Dialer) newAPI(token string) *Client {
	c := NewClient(token, d.apiURL)
	c.retries = 1
	return c
}

// botClient is one user's Bot API session.
type botClient struct {
	dialer *Dialer
	userID int64

	mu     sync.Mutex
	token  string
	botID  int64
	api    *Client
	offset int
}

var _ remote.Client = (*botClient)(nil)

func (c *botClient) client() (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api == nil {
		return nil, remote.ErrNotConnected
	}
	return c.api, nil
}

// Connect verifies the stored token. Fresh clients have nothing to verify.
func (c *botClient) Connect(ctx context.Context) error {
	api, err := c.client()
	if errors.Is(err, remote.ErrNotConnected) {
		return nil
	}
	me, err := api.GetMe(ctx)
	if err != nil {
		return remoteError(err)
	}
	c.mu.Lock()
	c.botID = me.ID
	c.mu.Unlock()
	return nil
}

func (c *botClient) Disconnect() error { return nil }

func (c *botClient) RequestQR(context.Context) (remote.QRToken, error) {
	return remote.QRToken{}, errQRUnsupported
}

func (c *botClient) AwaitQR(context.Context, remote.QRToken) (remote.AuthStep, error) {
	return 0, errQRUnsupported
}

// SignIn validates creds.BotToken with getMe.
func (c *botClient) SignIn(ctx context.Context, creds remote.Credentials) (remote.AuthStep, error) {
	if creds.BotToken == "" {
		return 0, errBotTokenRequired
	}
	if !tokenPattern.MatchString(creds.BotToken) {
		return 0, fmt.Errorf("%w: malformed bot token", remote.ErrAuthInvalidated)
	}

	api := c.dialer.newAPI(creds.BotToken)
	me, err := api.GetMe(ctx)
	if err != nil {
		return 0, remoteError(err)
	}
	if !me.IsBot {
		return 0, fmt.Errorf("%w: token does not belong to a bot", remote.ErrAuthInvalidated)
	}

	c.mu.Lock()
	c.token, c.botID, c.api = creds.BotToken, me.ID, api
	c.mu.Unlock()
	c.dialer.logger.Info("telegram: relay bot signed in", "user", c.userID, "bot", me.Username)
	return remote.StepDone, nil
}

func (c *botClient) SubmitCode(context.Context, string) (remote.AuthStep, error) {
	return 0, errChallenge
}

func (c *botClient) SubmitPassword(context.Context, string) (remote.AuthStep, error) {
	return 0, errChallenge
}

func (c *botClient) ExportSession(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return nil, remote.ErrNotConnected
	}
	return json.Marshal(sessionBlob{BotToken: c.token, BotID: c.botID})
}

// Subscribe long-polls getUpdates for channel posts. The update offset
// survives reconnects so a resumed subscription does not replay posts.
func (c *botClient) Subscribe(ctx context.Context, fn func(remote.Update)) error {
	api, err := c.client()
	if err != nil {
		return err
	}

	for {
		c.mu.Lock()
		offset := c.offset
		c.mu.Unlock()

		updates, err := api.GetUpdates(ctx, GetUpdatesRequest{
			Offset:         offset,
			Timeout:        c.dialer.pollTimeout,
			AllowedUpdates: relayUpdates,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return remoteError(err)
		}

		for i := range updates {
			c.mu.Lock()
			c.offset = updates[i].UpdateID + 1
			c.mu.Unlock()
			u, ok, err := toRemoteUpdate(&updates[i])
			if err != nil {
				c.dialer.logger.Warn("telegram: channel post relayed without payload",
					"user", c.userID, "message", u.Message.ID, "error", err)
			}
			if ok {
				fn(u)
			}
		}
	}
}

// Send forwards the original post when its id is known and sends the text
// otherwise.
func (c *botClient) Send(ctx context.Context, destination int64, content remote.Content) error {
	api, err := c.client()
	if err != nil {
		return err
	}

	if content.MessageID != 0 && content.FromChannel != 0 {
		_, err = api.ForwardMessage(ctx, ForwardMessageRequest{
			ChatID:     destination,
			FromChatID: content.FromChannel,
			MessageID:  int(content.MessageID),
		})
		return remoteError(err)
	}
	if content.Text == "" {
		return fmt.Errorf("%w: nothing to send", remote.ErrPermanentDelivery)
	}
	_, err = api.SendMessage(ctx, SendMessageRequest{ChatID: destination, Text: content.Text})
	return remoteError(err)
}

func (c *botClient) CreateChannel(context.Context, string, string) (int64, error) {
	return 0, errCreateChannel
}

// CheckChannel requires the bot to be able to post in channel.
func (c *botClient) CheckChannel(ctx context.Context, channel int64) error {
	api, err := c.client()
	if err != nil {
		return err
	}
	c.mu.Lock()
	botID := c.botID
	c.mu.Unlock()

	member, err := api.GetChatMember(ctx, channel, botID)
	if err != nil {
		return remoteError(err)
	}
	switch {
	case member.Status == "creator":
		return nil
	case member.Status == "administrator" && member.CanPostMessages:
		return nil
	default:
		return fmt.Errorf("%w: bot cannot post in %d (status %s)", remote.ErrPermanentDelivery, channel, member.Status)
	}
}

// toRemoteUpdate converts a channel post. Other update kinds are skipped.
// A post whose payload cannot be encoded is still returned, without
// Payload, alongside the encoding error.
func toRemoteUpdate(u *Update) (remote.Update, bool, error) {
	post, edited := u.ChannelPost, false
	if post == nil {
		post, edited = u.EditedChannelPost, true
	}
	if post == nil {
		return remote.Update{}, false, nil
	}

	payload, err := json.Marshal(post)
	if err != nil {
		payload = nil
		err = fmt.Errorf("telegram: encode post %d: %w", post.MessageID, err)
	}
	text := post.Text
	if text == "" {
		text = post.Caption
	}
	msg := remote.Message{
		ID:      int64(post.MessageID),
		Channel: post.Chat.ID,
		Text:    text,
		Payload: payload,
		Date:    time.Unix(int64(post.Date), 0).UTC(),
		Edited:  edited,
	}
	return remote.Update{Channel: post.Chat.ID, Message: msg}, true, err
}
