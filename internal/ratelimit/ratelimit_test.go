package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeTime struct {
	mu      sync.Mutex
	current time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = f.current.Add(d)
}

func newTestLimiter(interval time.Duration) (*Limiter, *fakeTime) {
	l := New(interval)
	ft := &fakeTime{current: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.now = ft.Now
	return l, ft
}

func TestLimiter_FirstSendAllowed(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(time.Second)
	if !l.TryAcquire(1) {
		t.Error("first send should be allowed")
	}
}

func TestLimiter_BurstNeverBeatsInterval(t *testing.T) {
	t.Parallel()

	for _, burst := range []int{2, 10, 100} {
		l, ft := newTestLimiter(time.Second)
		var accepted []time.Time
		// Offer burst attempts every 100ms for 5 seconds.
		for range 50 {
			for range burst {
				if l.TryAcquire(9) {
					accepted = append(accepted, ft.Now())
				}
			}
			ft.Advance(100 * time.Millisecond)
		}
		for i := 1; i < len(accepted); i++ {
			if gap := accepted[i].Sub(accepted[i-1]); gap < time.Second {
				t.Fatalf("burst %d: sends %d and %d only %v apart", burst, i-1, i, gap)
			}
		}
		if len(accepted) < 4 {
			t.Errorf("burst %d: accepted = %d, want at least 4 over 5s", burst, len(accepted))
		}
	}
}

func TestLimiter_DestinationsIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(time.Minute)
	if !l.TryAcquire(1) {
		t.Fatal("dest 1 should be allowed")
	}
	if !l.TryAcquire(2) {
		t.Error("dest 2 should not be affected by dest 1")
	}
	if l.TryAcquire(1) {
		t.Error("dest 1 should be paced")
	}
}

func TestLimiter_Delay(t *testing.T) {
	t.Parallel()
	l, ft := newTestLimiter(time.Second)

	if d := l.Delay(1); d != 0 {
		t.Errorf("delay before first send = %v, want 0", d)
	}
	l.TryAcquire(1)
	ft.Advance(300 * time.Millisecond)

	d := l.Delay(1)
	if d < 690*time.Millisecond || d > 710*time.Millisecond {
		t.Errorf("delay = %v, want about 700ms", d)
	}
	ft.Advance(d + time.Millisecond)
	if !l.TryAcquire(1) {
		t.Error("send should be allowed after the reported delay")
	}
}

func TestLimiter_Block(t *testing.T) {
	t.Parallel()
	l, ft := newTestLimiter(0)

	l.Block(5, 30*time.Second)
	if l.TryAcquire(5) {
		t.Fatal("blocked destination should deny")
	}
	if d := l.Delay(5); d != 30*time.Second {
		t.Errorf("delay = %v, want 30s", d)
	}

	l.Block(5, time.Second)
	ft.Advance(29 * time.Second)
	if l.TryAcquire(5) {
		t.Fatal("shorter block must not shorten the existing one")
	}
	ft.Advance(time.Second)
	if !l.TryAcquire(5) {
		t.Error("destination should be released after the block")
	}
}

func TestLimiter_ZeroIntervalUnpaced(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(0)
	for i := range 100 {
		if !l.TryAcquire(1) {
			t.Fatalf("send %d denied with pacing disabled", i)
		}
	}
}

func TestLimiter_SetInterval(t *testing.T) {
	t.Parallel()
	l, ft := newTestLimiter(time.Minute)

	l.TryAcquire(1)
	l.SetInterval(time.Second)
	if l.Interval() != time.Second {
		t.Fatalf("interval = %v", l.Interval())
	}
	ft.Advance(time.Second + time.Millisecond)
	if !l.TryAcquire(1) {
		t.Error("new shorter interval should apply to existing destinations")
	}
}

func TestLimiter_Prune(t *testing.T) {
	t.Parallel()
	l, ft := newTestLimiter(time.Second)

	l.TryAcquire(1)
	l.TryAcquire(2)
	l.Block(3, time.Hour)
	ft.Advance(10 * time.Minute)
	l.TryAcquire(2)

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if l.Len() != 2 {
		t.Errorf("len = %d, want 2", l.Len())
	}
}
