package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/flemzord/smartfolders/internal/dedup"
	"github.com/flemzord/smartfolders/internal/events"
	"github.com/flemzord/smartfolders/internal/folder"
	"github.com/flemzord/smartfolders/internal/metrics"
	"github.com/flemzord/smartfolders/internal/ratelimit"
	"github.com/flemzord/smartfolders/internal/remote"
	"golang.org/x/sync/semaphore"
)

const (
	defaultQueueSize     = 1000
	defaultMaxConcurrent = 5
	defaultSendTimeout   = 30 * time.Second
	defaultRetryBudget   = 5
	defaultRetryBase     = time.Second
	defaultRetryCap      = time.Minute

	retryJitter = 0.2
)

// Routes resolves which folders a source feeds and where they deliver.
// ReportUndeliverable is told about a destination that refused a post for
// good and reports whether it was cleared for replacement.
type Routes interface {
	Tracked(userID, source int64) bool
	SourcesFor(userID, source int64) []folder.Folder
	ResolveDestination(ctx context.Context, userID int64, folderID string) (int64, error)
	ReportUndeliverable(ctx context.Context, userID int64, folderID string, dest int64) bool
}

// Sender delivers content on behalf of a user.
type Sender interface {
	Send(ctx context.Context, userID, destination int64, content remote.Content) error
}

// Overflow selects what happens when a lane is full.
type Overflow int

const (
	// DropOldest evicts the oldest queued post to make room.
	DropOldest Overflow = iota
	// Reject refuses the new post and reports ErrQueueFull to the caller.
	Reject
)

// Config configures a Pipeline.
type Config struct {
	Routes  Routes
	Sender  Sender
	Dedup   *dedup.Cache
	Limiter *ratelimit.Limiter

	// QueueSize bounds each lane. Default: 1000.
	QueueSize int
	Overflow  Overflow

	// MaxConcurrent caps sends in flight across all lanes. Default: 5.
	MaxConcurrent int

	// SendTimeout bounds one send attempt. Default: 30s.
	SendTimeout time.Duration

	// RetryBudget is the number of failed attempts after which a post is
	// dropped. Default: 5.
	RetryBudget int
	RetryBase   time.Duration
	RetryCap    time.Duration

	Metrics metrics.Sink
	Events  events.Publisher
	Logger  *slog.Logger
}

// withDefaults returns a copy of the config with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = defaultRetryBudget
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryCap < c.RetryBase {
		c.RetryCap = max(defaultRetryCap, c.RetryBase)
	}
	if c.Dedup == nil {
		c.Dedup = dedup.New(dedup.Config{Capacity: 10000})
	}
	if c.Limiter == nil {
		c.Limiter = ratelimit.New(0)
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop{}
	}
	if c.Events == nil {
		c.Events = &events.NoopPublisher{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Pipeline is the forwarding engine. OnUpdate enqueues posts from tracked
// sources; lane goroutines resolve destinations, suppress duplicates,
// pace, send and classify failures.
type Pipeline struct {
	cfg     Config
	logger  *slog.Logger
	metrics metrics.Sink
	events  events.Publisher
	sem     *semaphore.Weighted

	mu      sync.Mutex
	lanes   map[laneKey]*lane
	stopped bool

	depth atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a pipeline. Routes and Sender are required.
func New(cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if cfg.Routes == nil {
		return nil, errors.New("relay: no routes configured")
	}
	if cfg.Sender == nil {
		return nil, errors.New("relay: no sender configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "relay"),
		metrics: cfg.Metrics,
		events:  cfg.Events,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		lanes:   make(map[laneKey]*lane),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

// OnUpdate accepts one update received by userID's session. Edits and
// posts from sources no folder tracks are ignored without queueing.
func (p *Pipeline) OnUpdate(userID int64, u remote.Update) error {
	msg := u.Message
	if msg.Edited {
		return nil
	}
	source := u.Channel
	if source == 0 {
		source = msg.Channel
	}
	if !p.cfg.Routes.Tracked(userID, source) {
		return nil
	}
	msg.Channel = source
	now := p.now()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	l := p.laneLocked(laneKey{user: userID, source: source}, now)
	evicted, ok := l.push(job{msg: msg, received: now}, p.cfg.QueueSize, p.cfg.Overflow == DropOldest, now)
	p.mu.Unlock()

	if !ok {
		p.metrics.IncrementCounter(metrics.MessagesDropped, "reason", "queue_full")
		p.logger.Warn("relay: lane full, post rejected", "user", userID, "source", source, "message", msg.ID)
		return ErrQueueFull
	}
	if evicted != nil {
		p.metrics.IncrementCounter(metrics.MessagesDropped, "reason", "queue_full")
		p.logger.Warn("relay: lane full, oldest post dropped",
			"user", userID, "source", source, "dropped", evicted.msg.ID)
	} else {
		p.metrics.ObserveGauge(metrics.QueueDepth, float64(p.depth.Add(1)))
	}
	return nil
}

// laneLocked returns the lane for key, starting it if needed. p.mu must
// be held.
func (p *Pipeline) laneLocked(key laneKey, now time.Time) *lane {
	if l, ok := p.lanes[key]; ok {
		return l
	}
	l := newLane(p.ctx, key, now)
	p.lanes[key] = l
	p.metrics.ObserveGauge(metrics.ActiveLanes, float64(len(p.lanes)))
	p.wg.Add(1)
	go p.runLane(l)
	return l
}

func (p *Pipeline) runLane(l *lane) {
	defer p.wg.Done()
	defer close(l.done)
	for {
		j, ok := l.next()
		if !ok {
			break
		}
		p.metrics.ObserveGauge(metrics.QueueDepth, float64(p.depth.Add(-1)))
		p.process(l.ctx, l.key.user, j)
		l.finish(p.now())
	}
	if n := l.discard(); n > 0 {
		p.metrics.ObserveGauge(metrics.QueueDepth, float64(p.depth.Add(-int64(n))))
		for range n {
			p.metrics.IncrementCounter(metrics.MessagesDropped, "reason", "shutdown")
		}
		p.logger.Info("relay: queued posts discarded", "user", l.key.user, "source", l.key.source, "count", n)
	}
}

// process relays one post to every folder currently listing its source.
func (p *Pipeline) process(ctx context.Context, userID int64, j job) {
	for _, f := range p.cfg.Routes.SourcesFor(userID, j.msg.Channel) {
		if ctx.Err() != nil {
			return
		}
		p.deliver(ctx, userID, f, j.msg)
	}
}

// deliver sends msg to the folder's destination at most once. Failed
// attempts are retried in place so later posts of the same source wait
// behind this one.
func (p *Pipeline) deliver(ctx context.Context, userID int64, f folder.Folder, msg remote.Message) {
	fp := fingerprint(msg)
	bo := p.newBackOff()
	var (
		dest     int64
		reserved bool
	)
	defer func() {
		if reserved {
			p.cfg.Dedup.Release(dest, fp)
		}
	}()

	for attempt := 1; ; attempt++ {
		var err error
		if dest == 0 {
			dest, err = p.cfg.Routes.ResolveDestination(ctx, userID, f.ID)
			switch {
			case errors.Is(err, folder.ErrNotFound):
				// Folder deleted while the post was queued.
				return
			case err == nil:
				if !p.cfg.Dedup.Reserve(dest, fp) {
					p.metrics.IncrementCounter(metrics.MessagesDuplicate)
					p.logger.Debug("relay: duplicate suppressed",
						"user", userID, "source", msg.Channel, "message", msg.ID, "destination", dest)
					return
				}
				reserved = true
			default:
				dest = 0
			}
		}
		if err == nil {
			if err = p.send(ctx, userID, dest, msg); err == nil {
				p.cfg.Dedup.Commit(dest, fp)
				reserved = false
				p.metrics.IncrementCounter(metrics.MessagesForwarded)
				p.logger.Debug("relay: forwarded",
					"user", userID, "folder", f.Name, "source", msg.Channel, "message", msg.ID, "destination", dest)
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		class := remote.Classify(err)
		p.metrics.IncrementCounter(metrics.ForwardErrors, "class", class.String())
		var wait time.Duration
		switch class {
		case remote.ClassCanceled:
			return
		case remote.ClassPermanent:
			p.fail(ctx, userID, f, dest, msg, class, err)
			if dest != 0 && errors.Is(err, remote.ErrPermanentDelivery) &&
				p.cfg.Routes.ReportUndeliverable(context.WithoutCancel(ctx), userID, f.ID, dest) {
				p.logger.Warn("relay: destination unusable, next post creates a replacement",
					"user", userID, "folder", f.Name, "destination", dest)
			}
			return
		case remote.ClassAuthInvalidated:
			p.metrics.IncrementCounter(metrics.MessagesDropped, "reason", "auth_invalidated")
			p.logger.Warn("relay: post dropped, session invalidated",
				"user", userID, "source", msg.Channel, "message", msg.ID)
			return
		case remote.ClassRateLimited:
			ra, _ := remote.RetryAfter(err)
			if dest != 0 {
				// The limiter holds the destination until the delay ends.
				p.cfg.Limiter.Block(dest, ra)
			} else {
				wait = ra
			}
		default:
			wait = bo.NextBackOff()
		}

		if attempt >= p.cfg.RetryBudget {
			p.fail(ctx, userID, f, dest, msg, class, fmt.Errorf("retry budget exhausted: %w", err))
			return
		}
		p.logger.Warn("relay: send failed, retrying",
			"user", userID, "folder", f.Name, "destination", dest, "message", msg.ID,
			"class", class.String(), "attempt", attempt, "retry_in", wait, "error", err)
		if wait > 0 && p.sleep(ctx, wait) != nil {
			return
		}
	}
}

// send paces the destination, takes a concurrency slot and performs one
// bounded send.
func (p *Pipeline) send(ctx context.Context, userID, dest int64, msg remote.Message) error {
	for !p.cfg.Limiter.TryAcquire(dest) {
		wait := max(p.cfg.Limiter.Delay(dest), time.Millisecond)
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	sctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	start := p.now()
	err := p.cfg.Sender.Send(sctx, userID, dest, remote.ContentOf(msg))
	p.metrics.ObserveHistogram(metrics.ForwardDuration, p.now().Sub(start).Seconds())
	return err
}

// fail drops the post and emits a single ForwardFailed event for it.
func (p *Pipeline) fail(ctx context.Context, userID int64, f folder.Folder, dest int64, msg remote.Message, class remote.Class, err error) {
	reason := "permanent"
	if class != remote.ClassPermanent {
		reason = "retry_exhausted"
	}
	p.metrics.IncrementCounter(metrics.MessagesDropped, "reason", reason)
	p.logger.Error("relay: post dropped",
		"user", userID, "folder", f.Name, "destination", dest, "source", msg.Channel,
		"message", msg.ID, "reason", reason, "error", err)

	ev := events.ForwardFailed{
		UserID:      userID,
		FolderID:    f.ID,
		FolderName:  f.Name,
		Source:      msg.Channel,
		Destination: dest,
		MessageID:   msg.ID,
		Class:       class.String(),
		Error:       err.Error(),
	}
	if perr := p.events.Publish(context.WithoutCancel(ctx), events.TopicForwardFailed, ev); perr != nil {
		p.logger.Debug("relay: publish event failed", "error", perr)
	}
}

func (p *Pipeline) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.RetryBase
	bo.MaxInterval = p.cfg.RetryCap
	bo.RandomizationFactor = retryJitter
	bo.Multiplier = 2
	bo.Reset()
	return bo
}

// StopUser stops every lane of userID and discards their queued posts.
// In-flight sends are canceled.
func (p *Pipeline) StopUser(userID int64) {
	p.mu.Lock()
	var stopping []*lane
	for key, l := range p.lanes {
		if key.user == userID {
			stopping = append(stopping, l)
			delete(p.lanes, key)
		}
	}
	p.metrics.ObserveGauge(metrics.ActiveLanes, float64(len(p.lanes)))
	p.mu.Unlock()

	for _, l := range stopping {
		l.cancel()
		<-l.done
	}
	if len(stopping) > 0 {
		p.logger.Info("relay: user lanes stopped", "user", userID, "lanes", len(stopping))
	}
}

// Cleanup stops lanes that have been empty for longer than maxIdle and
// returns how many were removed.
func (p *Pipeline) Cleanup(maxIdle time.Duration) int {
	cutoff := p.now().Add(-maxIdle)
	p.mu.Lock()
	var idle []*lane
	for key, l := range p.lanes {
		if l.idleSince(cutoff) {
			idle = append(idle, l)
			delete(p.lanes, key)
		}
	}
	p.metrics.ObserveGauge(metrics.ActiveLanes, float64(len(p.lanes)))
	p.mu.Unlock()

	for _, l := range idle {
		l.cancel()
	}
	return len(idle)
}

// Lanes returns the number of running lanes.
func (p *Pipeline) Lanes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// Depth returns the number of queued posts across all lanes.
func (p *Pipeline) Depth() int {
	return int(p.depth.Load())
}

// Stop refuses new updates, cancels every lane and waits for lane
// goroutines to exit or ctx to end. Queued posts are discarded.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.lanes = make(map[laneKey]*lane)
	p.mu.Unlock()

	p.logger.Info("relay: stopping")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("relay: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay: stop: %w", ctx.Err())
	}
}

// fingerprint identifies msg for duplicate suppression. Posts without an
// id fall back to a content hash.
func fingerprint(msg remote.Message) dedup.Fingerprint {
	if msg.ID != 0 {
		return dedup.FromIDs(msg.Channel, msg.ID)
	}
	if len(msg.Payload) > 0 {
		return dedup.FromContent(msg.Payload)
	}
	return dedup.FromContent([]byte(msg.Text))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
