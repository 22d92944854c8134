package inflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDo_RunsProducerOncePerBurst(t *testing.T) {
	var c Coalescer[int]
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	const callers = 20
	results := make([]int, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.Do(context.Background(), "claim", func(context.Context) (int, error) {
				calls.Add(1)
				once.Do(func() { close(started) })
				<-release
				return 42, nil
			})
		}(i)
	}
	<-started
	// Give the rest of the callers time to join the flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("producer calls = %d, want 1", got)
	}
	for i := range results {
		if errs[i] != nil || results[i] != 42 {
			t.Fatalf("caller %d = (%d, %v), want (42, nil)", i, results[i], errs[i])
		}
	}
}

func TestDo_SharesErrors(t *testing.T) {
	var c Coalescer[string]
	boom := errors.New("boom")
	_, _, err := c.Do(context.Background(), "k", func(context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestDo_StartsFreshAfterCompletion(t *testing.T) {
	var c Coalescer[int]
	var calls atomic.Int32
	fn := func(context.Context) (int, error) { return int(calls.Add(1)), nil }

	first, _, _ := c.Do(context.Background(), "k", fn)
	second, _, _ := c.Do(context.Background(), "k", fn)
	if first != 1 || second != 2 {
		t.Fatalf("results = %d,%d, want 1,2", first, second)
	}
}

func TestDo_CallerCancellationDoesNotCancelFlight(t *testing.T) {
	var c Coalescer[int]
	release := make(chan struct{})
	done := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _, err := c.Do(ctx, "k", func(flightCtx context.Context) (int, error) {
			<-release
			done <- flightCtx.Err()
			return 1, nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("caller err = %v, want context.Canceled", err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("flight ctx err = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("flight did not finish")
	}
}

func TestDo_ReturnsValueWithError(t *testing.T) {
	var c Coalescer[int]
	boom := errors.New("boom")
	got, _, err := c.Do(context.Background(), "k", func(context.Context) (int, error) {
		return 3, boom
	})
	if !errors.Is(err, boom) || got != 3 {
		t.Fatalf("Do = (%d, %v), want (3, boom)", got, err)
	}
}
