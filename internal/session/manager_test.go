package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/smartfolders/internal/breaker"
	"github.com/flemzord/smartfolders/internal/events"
	"github.com/flemzord/smartfolders/internal/events/eventstest"
	"github.com/flemzord/smartfolders/internal/metrics"
	"github.com/flemzord/smartfolders/internal/remote"
	"github.com/flemzord/smartfolders/internal/remote/remotetest"
	"github.com/flemzord/smartfolders/internal/security"
	"github.com/flemzord/smartfolders/internal/security/securitytest"
	"github.com/flemzord/smartfolders/internal/store"
)

type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeTime() *fakeTime {
	return &fakeTime{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type delivered struct {
	user   int64
	update remote.Update
}

type harness struct {
	m       *Manager
	dialer  *remotetest.MockDialer
	store   *store.Memory
	events  *eventstest.Recorder
	metrics *metrics.Memory
	audit   func() []security.AuditEvent
	updates chan delivered
	stopped chan int64
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	audit, auditEvents := securitytest.NewTestAuditLogger()
	h := &harness{
		dialer:  remotetest.NewDialer(),
		store:   store.NewMemory(),
		events:  &eventstest.Recorder{},
		metrics: metrics.NewMemory(),
		audit:   auditEvents,
		updates: make(chan delivered, 16),
		stopped: make(chan int64, 16),
	}
	cfg := Config{
		Dialer:      h.dialer,
		Store:       h.store,
		CallTimeout: 5 * time.Second,
		Handler: func(user int64, u remote.Update) {
			h.updates <- delivered{user, u}
		},
		OnShutdown: func(user int64) { h.stopped <- user },
		Metrics:    h.metrics,
		Events:     h.events,
		Audit:      audit,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.m = NewManager(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Stop(ctx)
	})
	return h
}

func (h *harness) auditTypes() []security.EventType {
	var out []security.EventType
	for _, e := range h.audit() {
		out = append(out, e.Type)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitSubscribed(t *testing.T, c *remotetest.MockClient) {
	t.Helper()
	select {
	case <-c.Subscribed():
	case <-time.After(5 * time.Second):
		t.Fatal("client never subscribed")
	}
}

func TestManager_QRLogin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := remotetest.NewClient()
	h.dialer.Prepare(1, client)

	var tokens []remote.QRToken
	res, err := h.m.StartQR(context.Background(), 1, func(tok remote.QRToken) {
		tokens = append(tokens, tok)
	})
	if err != nil {
		t.Fatalf("StartQR: %v", err)
	}
	if res.State != Authenticated || h.m.State(1) != Authenticated {
		t.Fatalf("state = %s / %s, want authenticated", res.State, h.m.State(1))
	}
	if len(tokens) != 1 || tokens[0].Token == "" {
		t.Fatalf("tokens = %+v, want one", tokens)
	}

	blob, err := h.store.LoadBlob(context.Background(), 1)
	if err != nil || !bytes.Equal(blob, client.Blob) {
		t.Fatalf("stored blob = %q, %v", blob, err)
	}

	waitSubscribed(t, client)
	if c := h.m.Connection(1); c.Status != StatusConnected || c.Client == nil {
		t.Fatalf("connection = %+v, want connected", c)
	}

	client.Post(100, 7, "hello")
	select {
	case d := <-h.updates:
		if d.user != 1 || d.update.Message.ID != 7 {
			t.Errorf("delivered %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("update not delivered")
	}

	if got := h.metrics.Counter(metrics.AuthEvents, "result", "success"); got != 1 {
		t.Errorf("auth success counter = %v, want 1", got)
	}
	types := h.auditTypes()
	if len(types) != 2 || types[0] != security.EventLoginStarted || types[1] != security.EventLoginSuccess {
		t.Errorf("audit = %v", types)
	}
}

func TestManager_QRTimeoutRegeneratesThenFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) {
		c.Auth = AuthConfig{QRTimeout: 10 * time.Millisecond, QRRetries: 3}
	})
	client := remotetest.NewClient()
	client.AwaitQRFunc = func(ctx context.Context, _ remote.QRToken) (remote.AuthStep, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	h.dialer.Prepare(1, client)

	seen := map[string]bool{}
	res, err := h.m.StartQR(context.Background(), 1, func(tok remote.QRToken) { seen[tok.Token] = true })
	if !errors.Is(err, remote.ErrAuthTimeout) {
		t.Fatalf("err = %v, want ErrAuthTimeout", err)
	}
	if res.State != Unauthenticated || h.m.State(1) != Unauthenticated {
		t.Errorf("state = %s, want unauthenticated", res.State)
	}
	if len(seen) != 3 {
		t.Errorf("distinct tokens = %d, want 3", len(seen))
	}
	if _, err := h.store.LoadBlob(context.Background(), 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("blob stored after failed login: %v", err)
	}
	if client.Disconnects() == 0 {
		t.Error("client not disconnected after failed login")
	}
	if got := h.metrics.Counter(metrics.AuthEvents, "result", "timeout"); got != 1 {
		t.Errorf("timeout counter = %v", got)
	}
}

func TestManager_QRCallerCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := remotetest.NewClient()
	ctx, cancel := context.WithCancel(context.Background())
	client.AwaitQRFunc = func(actx context.Context, _ remote.QRToken) (remote.AuthStep, error) {
		cancel()
		<-actx.Done()
		return 0, actx.Err()
	}
	h.dialer.Prepare(1, client)

	_, err := h.m.StartQR(ctx, 1, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if client.QRIssued() != 1 {
		t.Errorf("tokens issued = %d, want 1", client.QRIssued())
	}
}

func TestManager_QRWithPassword(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := remotetest.NewClient()
	client.AwaitQRFunc = func(context.Context, remote.QRToken) (remote.AuthStep, error) {
		return remote.StepPassword, nil
	}
	calls := 0
	client.SubmitPasswordFunc = func(_ context.Context, pw string) (remote.AuthStep, error) {
		calls++
		if pw != "right" {
			return 0, errors.New("PASSWORD_HASH_INVALID")
		}
		return remote.StepDone, nil
	}
	h.dialer.Prepare(1, client)
	ctx := context.Background()

	res, err := h.m.StartQR(ctx, 1, nil)
	if err != nil || res.State != CodePending || res.Step != remote.StepPassword {
		t.Fatalf("StartQR = %+v, %v", res, err)
	}
	if c := h.m.Connection(1); c.Status != StatusPending {
		t.Errorf("status = %s, want pending", c.Status)
	}

	if _, err := h.m.SubmitPassword(ctx, 1, "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
	if h.m.State(1) != CodePending {
		t.Fatalf("state after rejected password = %s", h.m.State(1))
	}

	res, err = h.m.SubmitPassword(ctx, 1, "right")
	if err != nil || res.State != Authenticated {
		t.Fatalf("SubmitPassword = %+v, %v", res, err)
	}
	if calls != 2 {
		t.Errorf("password calls = %d", calls)
	}
	waitSubscribed(t, client)
}

func TestManager_SubmitWithoutPendingLogin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if _, err := h.m.SubmitCode(context.Background(), 9, "12345"); !errors.Is(err, ErrNoPendingAuth) {
		t.Errorf("err = %v, want ErrNoPendingAuth", err)
	}
}

func TestManager_CredentialsLogin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := remotetest.NewClient()
	var got remote.Credentials
	client.SignInFunc = func(_ context.Context, c remote.Credentials) (remote.AuthStep, error) {
		got = c
		return remote.StepCode, nil
	}
	h.dialer.Prepare(3, client)
	ctx := context.Background()

	creds := remote.Credentials{APIID: 123, APIHash: "hash", Phone: "+100"}
	res, err := h.m.SignIn(ctx, 3, creds)
	if err != nil || res.State != CodePending || res.Step != remote.StepCode {
		t.Fatalf("SignIn = %+v, %v", res, err)
	}
	if got != creds {
		t.Errorf("credentials passed = %+v", got)
	}
	if res, err := h.m.SubmitCode(ctx, 3, "11111"); err != nil || res.State != Authenticated {
		t.Fatalf("SubmitCode = %+v, %v", res, err)
	}

	infos := h.m.Sessions()
	if len(infos) != 1 || infos[0].Method != methodCredentials || infos[0].Auth != "authenticated" {
		t.Errorf("Sessions = %+v", infos)
	}
}

type failingBlobStore struct {
	*store.Memory
	err error
}

func (f failingBlobStore) SaveBlob(context.Context, int64, []byte) error { return f.err }

func TestManager_PersistFailureIsNotAuthenticated(t *testing.T) {
	t.Parallel()
	diskErr := fmt.Errorf("%w: disk full", store.ErrPersistence)
	h := newHarness(t, func(c *Config) {
		c.Store = failingBlobStore{Memory: store.NewMemory(), err: diskErr}
	})
	client := remotetest.NewClient()
	h.dialer.Prepare(1, client)

	res, err := h.m.StartQR(context.Background(), 1, nil)
	if !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if res.State != Unauthenticated || h.m.State(1) != Unauthenticated {
		t.Errorf("state = %s", h.m.State(1))
	}
	if c := h.m.Connection(1); c.Status != StatusFailed {
		t.Errorf("status = %s, want failed", c.Status)
	}
	if client.Connects() != 1 {
		t.Errorf("connects = %d, want only the login connect", client.Connects())
	}
}

func TestManager_AlreadyAuthenticated(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.m.StartQR(ctx, 1, nil); err != nil {
		t.Fatal(err)
	}
	res, err := h.m.StartQR(ctx, 1, nil)
	if err != nil || res.State != Authenticated {
		t.Fatalf("second StartQR = %+v, %v", res, err)
	}
	if h.dialer.Dials(1) != 1 {
		t.Errorf("dials = %d, want 1", h.dialer.Dials(1))
	}
}

func TestManager_RestoreOpensSealedBlob(t *testing.T) {
	t.Parallel()
	sealer, err := security.NewKeySealer("restore-key")
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, func(c *Config) { c.Sealer = sealer })
	sealed, err := sealer.Seal([]byte("stored-session"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = h.store.SaveBlob(ctx, 4, sealed)
	_ = h.store.SaveBlob(ctx, 5, []byte("not sealed"))

	client := remotetest.NewClient()
	h.dialer.Prepare(4, client)

	n, err := h.m.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore = %d, %v; want 1 restored", n, err)
	}
	if blobs := h.dialer.Blobs(4); len(blobs) != 1 || string(blobs[0]) != "stored-session" {
		t.Errorf("dialed with %q", blobs)
	}
	waitSubscribed(t, client)
	if h.m.State(5) != Unauthenticated {
		t.Errorf("undecryptable session should not be restored")
	}
}

func TestManager_PlaintextFallbackRejectsSealedBlob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	sealer, _ := security.NewKeySealer("k")
	sealed, _ := sealer.Seal([]byte("x"))
	_ = h.store.SaveBlob(context.Background(), 1, sealed)

	n, err := h.m.Restore(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	if h.m.Encrypted() {
		t.Error("manager without key reports encryption")
	}
}

func TestManager_InvalidatedAuthWipesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	_ = h.store.SaveBlob(ctx, 5, []byte("stored"))

	client := remotetest.NewClient()
	client.ConnectFunc = func(context.Context) error {
		return fmt.Errorf("connect: %w", remote.ErrAuthInvalidated)
	}
	h.dialer.Prepare(5, client)

	if _, err := h.m.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "session wiped", func() bool {
		_, err := h.store.LoadBlob(ctx, 5)
		return errors.Is(err, store.ErrNotFound) && h.m.State(5) == Unauthenticated
	})

	select {
	case id := <-h.stopped:
		if id != 5 {
			t.Errorf("stopped user %d", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("user work not discarded")
	}
	if client.Connects() != 1 {
		t.Errorf("invalidated session retried: %d connects", client.Connects())
	}
	rec, _ := h.m.lookup(5)
	rec.mu.Lock()
	running, done := rec.cancel != nil, rec.done
	rec.mu.Unlock()
	if running {
		t.Error("invalidated session still holds a supervisor")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not exit after invalidation")
	}
	waitFor(t, "invalidation event", func() bool {
		return h.events.Count(events.TopicSessionInvalidated) == 1
	})
	if c := h.m.Connection(5); c.Status != StatusFailed || !errors.Is(c.Err, remote.ErrAuthInvalidated) {
		t.Errorf("connection = %+v", c)
	}
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	t.Parallel()
	ft := newFakeTime()
	h := newHarness(t, nil)
	h.m.now = ft.Now
	var slept []time.Duration
	var mu sync.Mutex
	h.m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return ctx.Err()
	}
	client := remotetest.NewClient()
	h.dialer.Prepare(1, client)
	ctx := context.Background()
	if _, err := h.m.StartQR(ctx, 1, nil); err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, client)

	client.Drop(remote.ErrTransientNetwork)
	waitFor(t, "reconnect", func() bool { return client.Connects() == 2 })
	waitFor(t, "connected again", func() bool { return h.m.Connection(1).Status == StatusConnected })

	mu.Lock()
	defer mu.Unlock()
	if len(slept) != 1 {
		t.Errorf("sleeps = %v, want one backoff wait", slept)
	}
	if got := h.metrics.Counter(metrics.ReconnectAttempts); got != 1 {
		t.Errorf("reconnect attempts = %v, want 1", got)
	}
}

// Five consecutive failures open the breaker; no attempt happens during the
// cooldown and exactly one probe follows it.
func TestManager_BreakerGatesReconnects(t *testing.T) {
	t.Parallel()
	ft := newFakeTime()
	h := newHarness(t, func(c *Config) {
		c.Breaker = breaker.Config{Threshold: 5, Cooldown: 5 * time.Minute, MaxCooldown: 30 * time.Minute, Growth: 2}
		c.Reconnect = ReconnectConfig{Base: time.Second, Cap: time.Minute, Jitter: 0}
	})
	h.m.now = ft.Now
	h.m.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ft.Advance(d)
		return nil
	}

	var mu sync.Mutex
	var attempts []time.Time
	blocked := make(chan struct{})
	client := remotetest.NewClient()
	client.ConnectFunc = func(ctx context.Context) error {
		mu.Lock()
		attempts = append(attempts, ft.Now())
		n := len(attempts)
		mu.Unlock()
		if n == 7 {
			close(blocked)
			<-ctx.Done()
			return ctx.Err()
		}
		return remote.ErrTransientNetwork
	}
	h.dialer.Prepare(1, client)

	healthy := remotetest.NewClient()
	h.dialer.Prepare(2, healthy)

	ctx := context.Background()
	_ = h.store.SaveBlob(ctx, 1, []byte("a"))
	_ = h.store.SaveBlob(ctx, 2, []byte("b"))
	if _, err := h.m.Restore(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not reach the second probe")
	}

	mu.Lock()
	got := append([]time.Time(nil), attempts...)
	mu.Unlock()

	// Attempts 1-5 back off exponentially: 1s, 2s, 4s, 8s.
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		if d := got[i+1].Sub(got[i]); d != want {
			t.Errorf("gap %d = %s, want %s", i+1, d, want)
		}
	}
	if d := got[5].Sub(got[4]); d < 5*time.Minute {
		t.Errorf("probe issued %s after opening, want >= cooldown", d)
	}
	if d := got[6].Sub(got[5]); d < 10*time.Minute {
		t.Errorf("second probe %s after first, want >= grown cooldown", d)
	}

	if n := h.metrics.Counter(metrics.BreakerTransitions, "to", "open"); n != 2 {
		t.Errorf("open transitions = %v, want 2", n)
	}
	if n := h.metrics.Counter(metrics.BreakerTransitions, "to", "half_open"); n != 2 {
		t.Errorf("half-open transitions = %v, want 2", n)
	}
	if h.metrics.Counter(metrics.ReconnectSuppressed) < 2 {
		t.Error("suppressed attempts not counted")
	}
	if h.events.Count(events.TopicBreakerTransition) < 4 {
		t.Errorf("breaker events = %d", h.events.Count(events.TopicBreakerTransition))
	}

	waitSubscribed(t, healthy)
	if c := h.m.Connection(2); c.Status != StatusConnected {
		t.Errorf("other user's connection = %s, want connected", c.Status)
	}
}

// A half-open attempt cut short by Shutdown must not leave the breaker
// waiting for an outcome that never arrives.
func TestManager_ResumeAfterShutdownDuringHalfOpen(t *testing.T) {
	t.Parallel()
	ft := newFakeTime()
	h := newHarness(t, func(c *Config) {
		c.Breaker = breaker.Config{Threshold: 5, Cooldown: 5 * time.Minute, MaxCooldown: 30 * time.Minute, Growth: 2}
		c.Reconnect = ReconnectConfig{Base: time.Second, Cap: time.Minute, Jitter: 0}
	})
	h.m.now = ft.Now
	h.m.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		ft.Advance(d)
		return nil
	}

	var mu sync.Mutex
	attempts := 0
	halfOpen := make(chan struct{})
	client := remotetest.NewClient()
	client.ConnectFunc = func(ctx context.Context) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		switch {
		case n <= 5:
			return remote.ErrTransientNetwork
		case n == 6:
			close(halfOpen)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	h.dialer.Prepare(1, client)

	ctx := context.Background()
	_ = h.store.SaveBlob(ctx, 1, []byte("a"))
	if _, err := h.m.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-halfOpen:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor never retried after cooldown")
	}

	h.m.Shutdown(1)
	rec, _ := h.m.lookup(1)
	if st := rec.breaker.State(); st != breaker.Open {
		t.Fatalf("breaker after shutdown = %s, want open", st)
	}

	if err := h.m.Resume(ctx, 1); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "reconnected", func() bool { return h.m.Connection(1).Status == StatusConnected })
	if st := rec.breaker.State(); st != breaker.Closed {
		t.Errorf("breaker after reconnect = %s, want closed", st)
	}
	if client.Connects() != 7 {
		t.Errorf("connects = %d, want 7", client.Connects())
	}
}

// A fresh login starts with a clean breaker even when the previous
// session's breaker was open.
func TestManager_LoginResetsBreaker(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) {
		c.Breaker = breaker.Config{Threshold: 1, Cooldown: time.Hour}
	})
	rec := h.m.ensure(1)
	rec.breaker.RecordFailure()
	if rec.breaker.State() != breaker.Open {
		t.Fatal("breaker did not open")
	}

	client := remotetest.NewClient()
	h.dialer.Prepare(1, client)
	if _, err := h.m.StartQR(context.Background(), 1, nil); err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, client)
	if st := rec.breaker.State(); st != breaker.Closed {
		t.Errorf("breaker after login = %s, want closed", st)
	}
}

func TestManager_ShutdownAndResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := remotetest.NewClient()
	h.dialer.Prepare(1, client)
	ctx := context.Background()
	if _, err := h.m.StartQR(ctx, 1, nil); err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, client)

	h.m.Shutdown(1)
	if id := <-h.stopped; id != 1 {
		t.Errorf("stopped %d", id)
	}
	if c := h.m.Connection(1); c.Status != StatusFailed || c.State != Disconnected {
		t.Errorf("after shutdown = %+v", c)
	}
	if h.m.State(1) != Authenticated {
		t.Error("shutdown must keep the login")
	}
	if client.Disconnects() == 0 {
		t.Error("client not disconnected")
	}

	if err := h.m.Resume(ctx, 1); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "resumed", func() bool { return h.m.Connection(1).Status == StatusConnected })
	if h.dialer.Dials(1) != 2 {
		t.Errorf("dials = %d, want 2", h.dialer.Dials(1))
	}
}

func TestManager_Logout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.m.StartQR(ctx, 1, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Logout(ctx, 1); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := h.store.LoadBlob(ctx, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("blob survived logout: %v", err)
	}
	if len(h.m.Sessions()) != 0 {
		t.Error("session record survived logout")
	}
	if err := h.m.Logout(ctx, 1); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("second logout err = %v", err)
	}
	types := h.auditTypes()
	if types[len(types)-1] != security.EventLogout {
		t.Errorf("audit = %v", types)
	}
}

func TestManager_ExpireIdle(t *testing.T) {
	t.Parallel()
	ft := newFakeTime()
	h := newHarness(t, nil)
	h.m.now = ft.Now
	ctx := context.Background()
	if _, err := h.m.StartQR(ctx, 1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.m.StartQR(ctx, 2, nil); err != nil {
		t.Fatal(err)
	}

	ft.Advance(2 * time.Hour)
	h.m.Touch(2)
	if n := h.m.ExpireIdle(time.Hour); n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if c := h.m.Connection(1); c.State != Disconnected {
		t.Errorf("idle session still running: %+v", c)
	}
	if c := h.m.Connection(2); c.Status == StatusFailed {
		t.Errorf("active session stopped: %+v", c)
	}
}

func TestManager_SendRequiresConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	err := h.m.Send(ctx, 1, -100, remote.Content{Text: "x"})
	if !errors.Is(err, remote.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	client := remotetest.NewClient()
	h.dialer.Prepare(1, client)
	if _, err := h.m.StartQR(ctx, 1, nil); err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, client)
	if err := h.m.Send(ctx, 1, -100, remote.Content{FromChannel: 5, MessageID: 9}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	id, err := h.m.CreateDestination(ctx, 1, "📁 News", "about")
	if err != nil || id == 0 {
		t.Fatalf("CreateDestination = %d, %v", id, err)
	}
	if got := client.SentTo(-100); len(got) != 1 || got[0] != 9 {
		t.Errorf("sent = %v", got)
	}
	if created := client.Created(); len(created) != 1 || created[0] != "📁 News" {
		t.Errorf("created = %v", created)
	}
}

func TestManager_CheckConnections(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	client := remotetest.NewClient()
	h.dialer.Prepare(1, client)
	if _, err := h.m.StartQR(context.Background(), 1, nil); err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, client)
	waitFor(t, "connected", func() bool { return h.m.Connection(1).Status == StatusConnected })

	s := h.m.CheckConnections()
	if s.Sessions != 1 || s.Authenticated != 1 || s.Connected != 1 {
		t.Errorf("stats = %+v", s)
	}
	if h.metrics.Gauge(metrics.ConnectedSessions) != 1 {
		t.Errorf("connected gauge = %v", h.metrics.Gauge(metrics.ConnectedSessions))
	}
}
