package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSerializationPerGroup(t *testing.T) {
	var mu sync.Mutex
	running := map[string]int{}
	var started int32

	release := make(chan struct{})
	q := New(func(ctx context.Context, folder string) {
		mu.Lock()
		running[folder]++
		if running[folder] > 1 {
			t.Errorf("two concurrent runs for %s", folder)
		}
		mu.Unlock()
		atomic.AddInt32(&started, 1)

		<-release

		mu.Lock()
		running[folder]--
		mu.Unlock()
	}, nil)

	// Many enqueues for one group while a run is blocked: exactly one
	// run in flight.
	for i := 0; i < 5; i++ {
		q.EnqueueCheck("family")
	}
	// A different group runs concurrently.
	q.EnqueueCheck("work")

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&started); n != 2 {
		t.Errorf("expected 2 in-flight runs (one per group), got %d", n)
	}

	close(release)
	q.Shutdown(2 * time.Second)
}

func TestCoalescedEnqueue(t *testing.T) {
	var runs int32
	started := make(chan struct{}, 16)
	release := make(chan struct{})

	q := New(func(ctx context.Context, folder string) {
		atomic.AddInt32(&runs, 1)
		started <- struct{}{}
		<-release
	}, nil)

	q.EnqueueCheck("family")
	<-started

	// Three signals during the in-flight run coalesce into one follow-up.
	q.EnqueueCheck("family")
	q.EnqueueCheck("family")
	q.EnqueueCheck("family")

	close(release)
	<-started // the coalesced second run

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&runs); n != 2 {
		t.Errorf("expected exactly 2 runs, got %d", n)
	}
	q.Shutdown(time.Second)
}

func TestSendStdinWithoutProcess(t *testing.T) {
	q := New(func(ctx context.Context, folder string) {}, nil)
	if q.SendStdin("family", "text") {
		t.Error("SendStdin should refuse with no live process")
	}
	q.Shutdown(time.Second)
}

func TestShutdownStopsNewWork(t *testing.T) {
	var runs int32
	q := New(func(ctx context.Context, folder string) {
		atomic.AddInt32(&runs, 1)
	}, nil)

	q.Shutdown(time.Second)
	q.EnqueueCheck("family")

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&runs) != 0 {
		t.Error("enqueue after shutdown started a run")
	}
}

func TestShutdownDrainsInFlight(t *testing.T) {
	done := make(chan struct{})
	q := New(func(ctx context.Context, folder string) {
		time.Sleep(150 * time.Millisecond)
		close(done)
	}, nil)

	q.EnqueueCheck("family")
	time.Sleep(20 * time.Millisecond)

	q.Shutdown(2 * time.Second)
	select {
	case <-done:
	default:
		t.Error("shutdown returned before the in-flight run finished")
	}
}

func TestShutdownKillsAfterGrace(t *testing.T) {
	q := New(func(ctx context.Context, folder string) {
		// Only the shutdown kill path ends this run.
		<-ctx.Done()
	}, nil)

	q.EnqueueCheck("family")
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	q.Shutdown(200 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown took too long: %s", elapsed)
	}
}
