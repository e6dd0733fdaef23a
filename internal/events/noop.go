package events

import "context"

// NoopPublisher discards events.
type NoopPublisher struct{}

func (p *NoopPublisher) Publish(_ context.Context, _ string, _ any) error {
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}
