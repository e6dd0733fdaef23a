// Package remotetest provides test doubles for the remote package.
package remotetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/flemzord/smartfolders/internal/remote"
)

// SentMessage records one Send call.
type SentMessage struct {
	Destination int64
	Content     remote.Content
	At          time.Time
}

// MockClient is a configurable test double for remote.Client. Set the Func
// fields to control behavior; unset funcs fall back to a succeeding
// default. Subscribe delivers updates queued with Push until ctx ends or
// Drop is called. All methods are safe for concurrent use.
type MockClient struct {
	ConnectFunc        func(ctx context.Context) error
	RequestQRFunc      func(ctx context.Context) (remote.QRToken, error)
	AwaitQRFunc        func(ctx context.Context, token remote.QRToken) (remote.AuthStep, error)
	SignInFunc         func(ctx context.Context, creds remote.Credentials) (remote.AuthStep, error)
	SubmitCodeFunc     func(ctx context.Context, code string) (remote.AuthStep, error)
	SubmitPasswordFunc func(ctx context.Context, password string) (remote.AuthStep, error)
	SendFunc           func(ctx context.Context, destination int64, content remote.Content) error
	CreateChannelFunc  func(ctx context.Context, title, about string) (int64, error)
	CheckChannelFunc   func(ctx context.Context, channel int64) error

	// Blob is returned by ExportSession.
	Blob []byte

	updates chan remote.Update
	drops   chan error

	mu          sync.Mutex
	sent        []SentMessage
	created     []string
	qrIssued    int
	connects    int
	disconnects int
	subscribes  int
	subscribed  chan struct{}
}

// NewClient creates a MockClient with an update buffer of 1024.
func NewClient() *MockClient {
	return &MockClient{
		Blob:       []byte("mock-session"),
		updates:    make(chan remote.Update, 1024),
		drops:      make(chan error, 1),
		subscribed: make(chan struct{}),
	}
}

// Push queues an update for the active or next subscription.
func (m *MockClient) Push(u remote.Update) {
	m.updates <- u
}

// Post is shorthand for pushing a message with id on channel.
func (m *MockClient) Post(channel, id int64, text string) {
	m.Push(remote.Update{Channel: channel, Message: remote.Message{ID: id, Channel: channel, Text: text}})
}

// Drop ends the active subscription with err.
func (m *MockClient) Drop(err error) {
	m.drops <- err
}

// Subscribed is closed once Subscribe has been called the first time.
func (m *MockClient) Subscribed() <-chan struct{} {
	return m.subscribed
}

// Connect implements remote.Client.
func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connects++
	m.mu.Unlock()
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx)
	}
	return ctx.Err()
}

// Disconnect implements remote.Client.
func (m *MockClient) Disconnect() error {
	m.mu.Lock()
	m.disconnects++
	m.mu.Unlock()
	return nil
}

// RequestQR implements remote.Client.
func (m *MockClient) RequestQR(ctx context.Context) (remote.QRToken, error) {
	m.mu.Lock()
	m.qrIssued++
	n := m.qrIssued
	m.mu.Unlock()
	if m.RequestQRFunc != nil {
		return m.RequestQRFunc(ctx)
	}
	tok := fmt.Sprintf("qr-%d", n)
	return remote.QRToken{Token: tok, URL: "tg://login?token=" + tok}, nil
}

// AwaitQR implements remote.Client.
func (m *MockClient) AwaitQR(ctx context.Context, token remote.QRToken) (remote.AuthStep, error) {
	if m.AwaitQRFunc != nil {
		return m.AwaitQRFunc(ctx, token)
	}
	return remote.StepDone, nil
}

// SignIn implements remote.Client.
func (m *MockClient) SignIn(ctx context.Context, creds remote.Credentials) (remote.AuthStep, error) {
	if m.SignInFunc != nil {
		return m.SignInFunc(ctx, creds)
	}
	return remote.StepDone, nil
}

// SubmitCode implements remote.Client.
func (m *MockClient) SubmitCode(ctx context.Context, code string) (remote.AuthStep, error) {
	if m.SubmitCodeFunc != nil {
		return m.SubmitCodeFunc(ctx, code)
	}
	return remote.StepDone, nil
}

// SubmitPassword implements remote.Client.
func (m *MockClient) SubmitPassword(ctx context.Context, password string) (remote.AuthStep, error) {
	if m.SubmitPasswordFunc != nil {
		return m.SubmitPasswordFunc(ctx, password)
	}
	return remote.StepDone, nil
}

// ExportSession implements remote.Client.
func (m *MockClient) ExportSession(_ context.Context) ([]byte, error) {
	return slices.Clone(m.Blob), nil
}

// Subscribe implements remote.Client.
func (m *MockClient) Subscribe(ctx context.Context, fn func(remote.Update)) error {
	m.mu.Lock()
	m.subscribes++
	if m.subscribes == 1 {
		close(m.subscribed)
	}
	m.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-m.drops:
			return err
		case u := <-m.updates:
			fn(u)
		}
	}
}

// Send implements remote.Client.
func (m *MockClient) Send(ctx context.Context, destination int64, content remote.Content) error {
	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, destination, content); err != nil {
			return err
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, SentMessage{Destination: destination, Content: content, At: time.Now()})
	m.mu.Unlock()
	return nil
}

// CreateChannel implements remote.Client.
func (m *MockClient) CreateChannel(ctx context.Context, title, about string) (int64, error) {
	if m.CreateChannelFunc != nil {
		return m.CreateChannelFunc(ctx, title, about)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, title)
	return -1000000 - int64(len(m.created)), nil
}

// CheckChannel implements remote.Client.
func (m *MockClient) CheckChannel(ctx context.Context, channel int64) error {
	if m.CheckChannelFunc != nil {
		return m.CheckChannelFunc(ctx, channel)
	}
	return nil
}

// Sent returns a copy of every successful Send in call order.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent)
}

// SentTo returns the message ids delivered to destination in order.
func (m *MockClient) SentTo(destination int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, s := range m.sent {
		if s.Destination == destination {
			ids = append(ids, s.Content.MessageID)
		}
	}
	return ids
}

// Created returns the titles of channels created through the default
// CreateChannel.
func (m *MockClient) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.created)
}

// Connects returns how many times Connect was called.
func (m *MockClient) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Disconnects returns how many times Disconnect was called.
func (m *MockClient) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// QRIssued returns how many QR tokens were requested.
func (m *MockClient) QRIssued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qrIssued
}

// MockDialer hands out MockClients. Clients registered with Prepare are
// returned for their user; other users get a fresh NewClient.
type MockDialer struct {
	DialFunc func(ctx context.Context, userID int64, blob []byte) (remote.Client, error)

	mu       sync.Mutex
	prepared map[int64]*MockClient
	clients  map[int64][]*MockClient
	blobs    map[int64][][]byte
}

// NewDialer creates an empty MockDialer.
func NewDialer() *MockDialer {
	return &MockDialer{
		prepared: make(map[int64]*MockClient),
		clients:  make(map[int64][]*MockClient),
		blobs:    make(map[int64][][]byte),
	}
}

// Prepare makes every Dial for userID return c.
func (d *MockDialer) Prepare(userID int64, c *MockClient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prepared[userID] = c
}

// Dial implements remote.Dialer.
func (d *MockDialer) Dial(ctx context.Context, userID int64, blob []byte) (remote.Client, error) {
	if d.DialFunc != nil {
		return d.DialFunc(ctx, userID, blob)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.prepared[userID]
	if !ok {
		c = NewClient()
	}
	d.clients[userID] = append(d.clients[userID], c)
	d.blobs[userID] = append(d.blobs[userID], slices.Clone(blob))
	return c, nil
}

// Client returns the most recent client dialed for userID.
func (d *MockDialer) Client(userID int64) *MockClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.clients[userID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Dials returns how many times userID was dialed.
func (d *MockDialer) Dials(userID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients[userID])
}

// Blobs returns the session blobs passed to Dial for userID.
func (d *MockDialer) Blobs(userID int64) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.blobs[userID])
}

// Interface guards.
var (
	_ remote.Client = (*MockClient)(nil)
	_ remote.Dialer = (*MockDialer)(nil)
)
