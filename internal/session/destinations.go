package session

import (
	"context"
	"fmt"

	"github.com/flemzord/smartfolders/internal/folder"
	"github.com/flemzord/smartfolders/internal/remote"
)

var _ folder.Destinations = (*Manager)(nil)

func (m *Manager) connected(userID int64) (remote.Client, error) {
	c := m.Connection(userID)
	if c.Status != StatusConnected {
		return nil, fmt.Errorf("%w: user %d is %s", remote.ErrNotConnected, userID, c.State)
	}
	return c.Client, nil
}

// Send delivers content through the user's live connection. It fails with
// remote.ErrNotConnected while the session is reconnecting.
func (m *Manager) Send(ctx context.Context, userID, destination int64, content remote.Content) error {
	client, err := m.connected(userID)
	if err != nil {
		return err
	}
	return client.Send(ctx, destination, content)
}

// CreateDestination implements folder.Destinations.
func (m *Manager) CreateDestination(ctx context.Context, userID int64, title, about string) (int64, error) {
	client, err := m.connected(userID)
	if err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return client.CreateChannel(cctx, title, about)
}

// CheckDestination implements folder.Destinations.
func (m *Manager) CheckDestination(ctx context.Context, userID int64, channel int64) error {
	client, err := m.connected(userID)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return client.CheckChannel(cctx, channel)
}
