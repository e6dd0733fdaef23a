// Package remote defines the capability the relay engine needs from a
// Telegram transport: connecting, authenticating, receiving channel updates,
// and sending to destination channels. Implementations live outside the
// engine; every operation is fallible and honors context deadlines.
package remote

import (
	"context"
	"time"
)

// Message is an inbound channel post.
type Message struct {
	// ID is the message id within its channel. Zero when the transport
	// cannot supply one.
	ID int64

	// Channel is the source channel id.
	Channel int64

	Text string

	// Payload is the raw transport representation, used for content
	// fingerprints when ID is zero.
	Payload []byte

	Date   time.Time
	Edited bool
}

// Update is one event from a subscription.
type Update struct {
	Channel int64
	Message Message
}

// Content is what a send delivers to a destination. When MessageID is set
// the transport forwards the original post; otherwise Text is sent.
type Content struct {
	FromChannel int64
	MessageID   int64
	Text        string
}

// ContentOf builds the outbound content relaying msg.
func ContentOf(msg Message) Content {
	return Content{
		FromChannel: msg.Channel,
		MessageID:   msg.ID,
		Text:        msg.Text,
	}
}

// QRToken is a login token to be rendered as a QR code by the caller.
type QRToken struct {
	Token     string
	URL       string
	ExpiresAt time.Time
}

// Credentials drive the non-interactive login flow.
type Credentials struct {
	APIID    int
	APIHash  string
	BotToken string
	Phone    string
}

// AuthStep is what the transport needs next during login.
type AuthStep int

const (
	StepDone     AuthStep = iota
	StepCode              // a login code must be submitted
	StepPassword          // a two-factor password must be submitted
)

// String returns a label for logs.
func (s AuthStep) String() string {
	switch s {
	case StepDone:
		return "done"
	case StepCode:
		return "code"
	case StepPassword:
		return "password"
	default:
		return "unknown"
	}
}

// Client is one user's connection to the platform. A Client is used by a
// single session supervisor; implementations need not be safe for
// concurrent logins, but Send and CreateChannel may be called from relay
// lanes while Subscribe is running.
type Client interface {
	// Connect establishes the network connection and restores any
	// authorization the client was dialed with.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. It is safe to call more than once.
	Disconnect() error

	// RequestQR issues a fresh QR login token.
	RequestQR(ctx context.Context) (QRToken, error)

	// AwaitQR blocks until the token is scanned or ctx ends.
	AwaitQR(ctx context.Context, token QRToken) (AuthStep, error)

	// SignIn starts the credential login flow.
	SignIn(ctx context.Context, creds Credentials) (AuthStep, error)

	// SubmitCode completes a StepCode challenge.
	SubmitCode(ctx context.Context, code string) (AuthStep, error)

	// SubmitPassword completes a StepPassword challenge.
	SubmitPassword(ctx context.Context, password string) (AuthStep, error)

	// ExportSession returns the opaque authorization blob for persistence.
	ExportSession(ctx context.Context) ([]byte, error)

	// Subscribe delivers channel updates to fn until the connection drops
	// or ctx ends, and returns the cause.
	Subscribe(ctx context.Context, fn func(Update)) error

	// Send delivers content to a destination channel.
	Send(ctx context.Context, destination int64, content Content) error

	// CreateChannel creates a broadcast channel owned by the user.
	CreateChannel(ctx context.Context, title, about string) (int64, error)

	// CheckChannel returns nil when the channel exists and the user may
	// post to it, or ErrPermanentDelivery otherwise.
	CheckChannel(ctx context.Context, channel int64) error
}

// Dialer creates clients. blob is the previously exported session, nil for
// a fresh login.
type Dialer interface {
	Dial(ctx context.Context, userID int64, blob []byte) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, userID int64, blob []byte) (Client, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, userID int64, blob []byte) (Client, error) {
	return f(ctx, userID, blob)
}
