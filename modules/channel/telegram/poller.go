package telegram

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	maxConsecutivePollingErrors = 5
	errorPauseDuration          = 30 * time.Second
)

// UpdateHandler processes one update received by the control bot.
type UpdateHandler func(ctx context.Context, update *Update)

// Poller implements long-polling for receiving Telegram updates.
type Poller struct {
	client         *Client
	handle         UpdateHandler
	logger         *slog.Logger
	timeout        int
	allowedUpdates []string

	// pause is the wait after maxConsecutivePollingErrors failures.
	pause time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a new Poller.
func NewPoller(client *Client, handle UpdateHandler, logger *slog.Logger, timeout int, allowedUpdates []string) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		client:         client,
		handle:         handle,
		logger:         logger,
		timeout:        timeout,
		allowedUpdates: allowedUpdates,
		pause:          errorPauseDuration,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
}

// Start launches the polling loop in a goroutine.
func (p *Poller) Start() {
	go p.loop()
}

// Stop signals the polling loop to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (p *Poller) Stop() {
	p.stopOnce.Do(p.cancel)
	<-p.done
}

// loop runs the long-polling loop until Stop() is called.
func (p *Poller) loop() {
	defer close(p.done)

	var offset int
	var consecutiveErrors int

	for p.ctx.Err() == nil {
		updates, err := p.client.GetUpdates(p.ctx, GetUpdatesRequest{
			Offset:         offset,
			Timeout:        p.timeout,
			AllowedUpdates: p.allowedUpdates,
		})
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			p.logger.Error("telegram: polling getUpdates failed",
				"error", err,
				"consecutive_errors", consecutiveErrors,
			)

			if consecutiveErrors >= maxConsecutivePollingErrors {
				p.logger.Warn("telegram: polling paused after consecutive errors",
					"pause", p.pause,
				)
				timer := time.NewTimer(p.pause)
				select {
				case <-p.ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				consecutiveErrors = 0
			}
			continue
		}

		consecutiveErrors = 0

		for i := range updates {
			offset = updates[i].UpdateID + 1
			p.handle(p.ctx, &updates[i])
		}
	}
}
