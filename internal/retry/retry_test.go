package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	return &waits
}

func TestDoStopsAfterAttempts(t *testing.T) {
	waits := stubSleep(t)
	calls := 0
	boom := errors.New("rpc down")

	_, err := Do(context.Background(), DefaultPolicy(), func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	want := []time.Duration{800 * time.Millisecond, 1600 * time.Millisecond}
	if len(*waits) != len(want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	for i := range want {
		if (*waits)[i] != want[i] {
			t.Fatalf("wait %d = %v, want %v", i, (*waits)[i], want[i])
		}
	}
}

func TestDoReturnsLastError(t *testing.T) {
	stubSleep(t)
	calls := 0
	_, err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond, Factor: 2}, func(context.Context) (string, error) {
		calls++
		return "", errors.New([]string{"first", "second", "third"}[calls-1])
	})
	if err == nil || err.Error() != "third" {
		t.Fatalf("expected third error, got %v", err)
	}
}

func TestDoSucceedsAfterFailure(t *testing.T) {
	waits := stubSleep(t)
	calls := 0
	got, err := Do(context.Background(), DefaultPolicy(), func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("flaky")
		}
		return "sig", nil
	})
	if err != nil || got != "sig" {
		t.Fatalf("got %q, %v", got, err)
	}
	if len(*waits) != 1 {
		t.Fatalf("expected one backoff, got %v", *waits)
	}
}

func TestPermanentStopsImmediately(t *testing.T) {
	waits := stubSleep(t)
	calls := 0
	cause := errors.New("authentication failed")

	err := Run(context.Background(), DefaultPolicy(), func(context.Context) error {
		calls++
		return Permanent(cause)
	})
	if err != cause {
		t.Fatalf("expected unwrapped cause, got %v", err)
	}
	if calls != 1 || len(*waits) != 0 {
		t.Fatalf("calls=%d waits=%v", calls, *waits)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	stubSleep(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Run(ctx, DefaultPolicy(), func(context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one call then stop, calls=%d err=%v", calls, err)
	}
}

func TestDelaysIncreaseMonotonically(t *testing.T) {
	p := Policy{Attempts: 5, BaseDelay: 10 * time.Millisecond, Factor: 2}
	prev := time.Duration(0)
	for i := 0; i < p.Attempts-1; i++ {
		d := p.Delay(i)
		if d <= prev {
			t.Fatalf("delay %d = %v not greater than %v", i, d, prev)
		}
		prev = d
	}
}

func TestNestedRetriesAreIndependent(t *testing.T) {
	stubSleep(t)
	inner := 0
	outer := 0
	p := Policy{Attempts: 2, BaseDelay: time.Millisecond, Factor: 2}
	_ = Run(context.Background(), p, func(ctx context.Context) error {
		outer++
		return Run(ctx, p, func(context.Context) error {
			inner++
			return errors.New("nope")
		})
	})
	if outer != 2 || inner != 4 {
		t.Fatalf("outer=%d inner=%d", outer, inner)
	}
}
