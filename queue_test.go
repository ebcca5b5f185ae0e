package codelink_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codelink-dev/codelink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shutdownQueue(t *testing.T, q *codelink.RequestQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Errorf("failed to shut down queue: %v", err)
	}
}

func TestRequestQueueCompletesEntries(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 2,
		MaxQueueSize:  10,
	}, testLogger())
	defer shutdownQueue(t, q)

	results := make(chan string, 3)
	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`"job-%d"`, i)
		_, err := q.Enqueue(codelink.QueueEntry{
			Method: fmt.Sprintf("job-%d", i),
			Handler: func(context.Context) (json.RawMessage, error) {
				return json.RawMessage(payload), nil
			},
			Callback: func(result json.RawMessage, err error) {
				if err != nil {
					results <- "error: " + err.Error()
					return
				}
				results <- string(result)
			},
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	got := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			got[r] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for results")
		}
	}
	for i := 0; i < 3; i++ {
		want := fmt.Sprintf(`"job-%d"`, i)
		if !got[want] {
			t.Errorf("missing result %s; got %v", want, got)
		}
	}

	waitForQueueStats(t, q, func(s codelink.QueueStats) bool {
		return s.Completed == 3 && s.Processing == 0 && s.Queued == 0
	})
}

func TestRequestQueueRequiresHandler(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{}, testLogger())
	defer shutdownQueue(t, q)

	if _, err := q.Enqueue(codelink.QueueEntry{Method: "noop"}); err == nil {
		t.Fatal("expected error for entry without handler")
	}
}

func TestRequestQueueConcurrencyBound(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 2,
		MaxQueueSize:  10,
	}, testLogger())
	defer shutdownQueue(t, q)

	var running, maxRunning atomic.Int32
	done := make(chan struct{}, 8)

	for i := 0; i < 8; i++ {
		_, err := q.Enqueue(codelink.QueueEntry{
			Method: "work",
			Handler: func(context.Context) (json.RawMessage, error) {
				cur := running.Add(1)
				for {
					m := maxRunning.Load()
					if cur <= m || maxRunning.CompareAndSwap(m, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil, nil
			},
			Callback: func(json.RawMessage, error) {
				done <- struct{}{}
			},
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for entries to finish")
		}
	}

	if got := maxRunning.Load(); got > 2 {
		t.Errorf("observed %d concurrent handlers, want at most 2", got)
	}
}

func TestRequestQueuePriorityOrdering(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  10,
	}, testLogger())
	defer shutdownQueue(t, q)

	started := make(chan struct{})
	release := make(chan struct{})

	// The blocker occupies the single slot so the others stack up behind it.
	_, err := q.Enqueue(codelink.QueueEntry{
		Method: "blocker",
		Handler: func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("enqueue blocker: %v", err)
	}
	<-started

	// Handlers run one at a time, so recording at handler start captures the
	// start order.
	order := make(chan string, 3)
	entries := []struct {
		name     string
		priority codelink.Priority
	}{
		{"low", codelink.PriorityLow},
		{"normal", codelink.PriorityNormal},
		{"high", codelink.PriorityHigh},
	}
	for _, e := range entries {
		name := e.name
		_, err := q.Enqueue(codelink.QueueEntry{
			Method:   name,
			Priority: e.priority,
			Handler: func(context.Context) (json.RawMessage, error) {
				order <- name
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
	}

	close(release)

	want := []string{"high", "normal", "low"}
	for i, expected := range want {
		select {
		case got := <-order:
			if got != expected {
				t.Errorf("start %d: got %s, want %s", i, got, expected)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for start order")
		}
	}
}

func TestRequestQueueRetriesThenSucceeds(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  10,
		BaseDelay:     5 * time.Millisecond,
	}, testLogger())
	defer shutdownQueue(t, q)

	var attempts atomic.Int32
	done := make(chan error, 1)

	_, err := q.Enqueue(codelink.QueueEntry{
		Method:     "flaky",
		MaxRetries: 2,
		Handler: func(context.Context) (json.RawMessage, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient failure")
			}
			return json.RawMessage(`"ok"`), nil
		},
		Callback: func(_ json.RawMessage, err error) {
			done <- err
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected success after retries, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for entry to settle")
	}

	if got := attempts.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestRequestQueueFailsAfterMaxRetries(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  10,
		BaseDelay:     5 * time.Millisecond,
	}, testLogger())
	defer shutdownQueue(t, q)

	cause := errors.New("broken for good")
	var attempts atomic.Int32
	done := make(chan error, 1)

	_, err := q.Enqueue(codelink.QueueEntry{
		Method:     "doomed",
		MaxRetries: 1,
		Handler: func(context.Context) (json.RawMessage, error) {
			attempts.Add(1)
			return nil, cause
		},
		Callback: func(_ json.RawMessage, err error) {
			done <- err
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, cause) {
			t.Fatalf("expected %v, got %v", cause, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for terminal failure")
	}

	if got := attempts.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}

	waitForQueueStats(t, q, func(s codelink.QueueStats) bool {
		return s.Failed == 1
	})
}

func TestRequestQueueEntryTimeout(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  10,
	}, testLogger())
	defer shutdownQueue(t, q)

	ctxDone := make(chan struct{}, 1)
	done := make(chan error, 1)

	_, err := q.Enqueue(codelink.QueueEntry{
		Method:  "slow",
		Timeout: 30 * time.Millisecond,
		Handler: func(ctx context.Context) (json.RawMessage, error) {
			select {
			case <-ctx.Done():
				ctxDone <- struct{}{}
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, nil
			}
		},
		Callback: func(_ json.RawMessage, err error) {
			done <- err
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, codelink.ErrEntryTimeout) {
			t.Fatalf("expected ErrEntryTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for deadline to fire")
	}

	// The attempt's context is cancelled so the handler can stop its work.
	select {
	case <-ctxDone:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was never cancelled")
	}
}

func TestRequestQueueCancelQueued(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  10,
	}, testLogger())
	defer shutdownQueue(t, q)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	_, err := q.Enqueue(codelink.QueueEntry{
		Method: "blocker",
		Handler: func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("enqueue blocker: %v", err)
	}
	<-started

	var ran atomic.Bool
	done := make(chan error, 1)
	id, err := q.Enqueue(codelink.QueueEntry{
		Method: "victim",
		Handler: func(context.Context) (json.RawMessage, error) {
			ran.Store(true)
			return nil, nil
		},
		Callback: func(_ json.RawMessage, err error) {
			done <- err
		},
	})
	if err != nil {
		t.Fatalf("enqueue victim: %v", err)
	}

	if !q.Cancel(id) {
		t.Fatal("Cancel should report true for a queued entry")
	}

	select {
	case err := <-done:
		if !errors.Is(err, codelink.ErrEntryCancelled) {
			t.Fatalf("expected ErrEntryCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for cancel callback")
	}

	if ran.Load() {
		t.Error("cancelled entry's handler should never run")
	}
	if q.Cancel(id) {
		t.Error("Cancel should report false for an entry that is already gone")
	}
	if q.Cancel("no-such-entry") {
		t.Error("Cancel should report false for an unknown id")
	}
}

func TestRequestQueueCancelProcessing(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  10,
	}, testLogger())
	defer shutdownQueue(t, q)

	started := make(chan struct{})
	ctxDone := make(chan struct{}, 1)
	done := make(chan error, 1)

	id, err := q.Enqueue(codelink.QueueEntry{
		Method: "inflight",
		Handler: func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			ctxDone <- struct{}{}
			// The result of a cancelled attempt is discarded.
			return json.RawMessage(`"too late"`), nil
		},
		Callback: func(_ json.RawMessage, err error) {
			done <- err
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	if !q.Cancel(id) {
		t.Fatal("Cancel should report true for a processing entry")
	}

	// The callback fires immediately, before the handler returns.
	select {
	case err := <-done:
		if !errors.Is(err, codelink.ErrEntryCancelled) {
			t.Fatalf("expected ErrEntryCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for cancel callback")
	}

	select {
	case <-ctxDone:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was never cancelled")
	}

	// No second callback arrives when the handler eventually returns.
	select {
	case <-done:
		t.Error("callback fired twice")
	case <-time.After(100 * time.Millisecond):
	}

	waitForQueueStats(t, q, func(s codelink.QueueStats) bool {
		return s.Cancelled == 1 && s.Processing == 0
	})
}

func TestRequestQueueClear(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  10,
	}, testLogger())
	defer shutdownQueue(t, q)

	started := make(chan struct{})
	release := make(chan struct{})
	blockerDone := make(chan error, 1)

	_, err := q.Enqueue(codelink.QueueEntry{
		Method: "blocker",
		Handler: func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
		Callback: func(_ json.RawMessage, err error) {
			blockerDone <- err
		},
	})
	if err != nil {
		t.Fatalf("enqueue blocker: %v", err)
	}
	<-started

	cleared := make(chan error, 2)
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(codelink.QueueEntry{
			Method: "pending",
			Handler: func(context.Context) (json.RawMessage, error) {
				return nil, nil
			},
			Callback: func(_ json.RawMessage, err error) {
				cleared <- err
			},
		})
		if err != nil {
			t.Fatalf("enqueue pending %d: %v", i, err)
		}
	}

	if got := q.Clear(); got != 2 {
		t.Errorf("Clear removed %d entries, want 2", got)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-cleared:
			if !errors.Is(err, codelink.ErrQueueCleared) {
				t.Errorf("expected ErrQueueCleared, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for cleared callbacks")
		}
	}

	// The processing entry is untouched and completes normally.
	close(release)
	select {
	case err := <-blockerDone:
		if err != nil {
			t.Errorf("blocker should complete after Clear, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for blocker to finish")
	}
}

func TestRequestQueueFull(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  1,
	}, testLogger())
	defer shutdownQueue(t, q)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan error, 2)

	_, err := q.Enqueue(codelink.QueueEntry{
		Method: "first",
		Handler: func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
		Callback: func(_ json.RawMessage, err error) {
			finished <- err
		},
	})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	<-started

	_, err = q.Enqueue(codelink.QueueEntry{
		Method: "second",
		Handler: func(context.Context) (json.RawMessage, error) {
			return nil, nil
		},
		Callback: func(_ json.RawMessage, err error) {
			finished <- err
		},
	})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	var rejected atomic.Bool
	_, err = q.Enqueue(codelink.QueueEntry{
		Method: "third",
		Handler: func(context.Context) (json.RawMessage, error) {
			return nil, nil
		},
		Callback: func(json.RawMessage, error) {
			rejected.Store(true)
		},
	})
	if !errors.Is(err, codelink.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case err := <-finished:
			if err != nil {
				t.Errorf("admitted entry failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for admitted entries")
		}
	}

	if rejected.Load() {
		t.Error("rejected entry's callback must never fire")
	}
}

func TestRequestQueueRateLimit(t *testing.T) {
	window := 400 * time.Millisecond
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 10,
		MaxQueueSize:  20,
		RateLimit: codelink.RateLimitConfig{
			MaxRequests: 3,
			Window:      window,
			RetryAfter:  20 * time.Millisecond,
		},
	}, testLogger())
	defer shutdownQueue(t, q)

	start := time.Now()
	startedAt := make(chan time.Duration, 5)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(codelink.QueueEntry{
			Method: "limited",
			Handler: func(context.Context) (json.RawMessage, error) {
				startedAt <- time.Since(start)
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	starts := make([]time.Duration, 0, 5)
	for i := 0; i < 5; i++ {
		select {
		case d := <-startedAt:
			starts = append(starts, d)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for starts")
		}
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	// Three starts are admitted right away; the rest wait for the window to
	// reopen.
	for i := 0; i < 3; i++ {
		if starts[i] >= window {
			t.Errorf("start %d at %v should be inside the first window", i, starts[i])
		}
	}
	for i := 3; i < 5; i++ {
		if starts[i] < window {
			t.Errorf("start %d at %v should wait for the window to reopen", i, starts[i])
		}
	}
}

func TestRequestQueueShutdown(t *testing.T) {
	q := codelink.NewRequestQueue(codelink.QueueConfig{
		MaxConcurrent: 1,
		MaxQueueSize:  10,
	}, testLogger())

	started := make(chan struct{})
	processingDone := make(chan error, 1)
	queuedDone := make(chan error, 1)

	_, err := q.Enqueue(codelink.QueueEntry{
		Method: "processing",
		Handler: func(ctx context.Context) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Callback: func(_ json.RawMessage, err error) {
			processingDone <- err
		},
	})
	if err != nil {
		t.Fatalf("enqueue processing: %v", err)
	}
	<-started

	_, err = q.Enqueue(codelink.QueueEntry{
		Method: "queued",
		Handler: func(context.Context) (json.RawMessage, error) {
			return nil, nil
		},
		Callback: func(_ json.RawMessage, err error) {
			queuedDone <- err
		},
	})
	if err != nil {
		t.Fatalf("enqueue queued: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for name, ch := range map[string]chan error{"processing": processingDone, "queued": queuedDone} {
		select {
		case err := <-ch:
			if !errors.Is(err, codelink.ErrQueueShutdown) {
				t.Errorf("%s entry: expected ErrQueueShutdown, got %v", name, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %s entry to be rejected", name)
		}
	}

	if _, err := q.Enqueue(codelink.QueueEntry{
		Method: "late",
		Handler: func(context.Context) (json.RawMessage, error) {
			return nil, nil
		},
	}); !errors.Is(err, codelink.ErrQueueShutdown) {
		t.Errorf("expected ErrQueueShutdown for late enqueue, got %v", err)
	}

	// Shutdown is idempotent.
	if err := q.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}

func waitForQueueStats(t *testing.T, q *codelink.RequestQueue, cond func(codelink.QueueStats) bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	var stats codelink.QueueStats
	for time.Now().Before(deadline) {
		stats = q.Stats()
		if cond(stats) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue stats never reached expected state; last: %+v", stats)
}
