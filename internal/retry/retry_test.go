package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var errTransient = errors.New("transient")

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want 1s", got)
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := 0
	var waits []time.Duration

	done := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), Policy{
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Clock:          clock,
			OnRetry:        func(_ int, _ error, d time.Duration) { waits = append(waits, d) },
		}, Always, func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errTransient
			}
			return 42, nil
		})
		done <- err
	}()

	for i := 0; i < 2; i++ {
		if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
			t.Fatalf("BlockUntilContext() error = %v", err)
		}
		clock.Advance(10 * time.Second)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return")
	}

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Errorf("waits = %v, want [1s 2s]", waits)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("forbidden")
	calls := 0

	err := DoVoid(context.Background(), Policy{InitialBackoff: time.Millisecond}, func(err error) Action {
		if errors.Is(err, permanent) {
			return Stop
		}
		return Retry
	}, func(context.Context) error {
		calls++
		return permanent
	})

	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("DoVoid() error = %v, want PermanentError", err)
	}
	if !errors.Is(err, permanent) {
		t.Error("PermanentError should unwrap to the cause")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoMaxAttempts(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Errorf("DoVoid() error = %v, want wrapped %v", err, errTransient)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoHonorsContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- DoVoid(ctx, Policy{InitialBackoff: time.Hour, Clock: clock}, Always, func(context.Context) error {
			return errTransient
		})
	}()

	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatalf("BlockUntilContext() error = %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("DoVoid() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DoVoid() ignored cancellation")
	}
}
