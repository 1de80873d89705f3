// Package queue serializes agent work per group: at most one agent child
// process per group at any time, with coalesced pending signals and
// stdin injection into live runs.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/agent"
)

// RunFunc performs one agent run for a group. It must return when the
// run's process has fully exited; ctx cancellation kills the run.
type RunFunc func(ctx context.Context, folder string)

// GroupQueue is the per-group serialized executor.
type GroupQueue struct {
	run    RunFunc
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*groupState
	closed bool

	// wg tracks in-flight run goroutines for shutdown draining.
	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// groupState is the per-group mailbox. pending coalesces: any number of
// enqueues between run starts collapse into exactly one subsequent run.
type groupState struct {
	running bool
	pending bool
	handle  *agent.Handle
	label   string
}

// New creates a group queue driving runs through the given RunFunc.
func New(run RunFunc, logger *slog.Logger) *GroupQueue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupQueue{
		run:    run,
		logger: logger.With("component", "queue"),
		states: make(map[string]*groupState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// EnqueueCheck marks work pending for a group and starts a run when none
// is in flight. Idempotent while a run is active.
func (q *GroupQueue) EnqueueCheck(folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	st := q.state(folder)
	st.pending = true
	if !st.running {
		st.running = true
		q.startRun(folder, st)
	}
}

// startRun launches the worker goroutine. Caller holds the lock.
func (q *GroupQueue) startRun(folder string, st *groupState) {
	st.pending = false
	q.wg.Add(1)

	go func() {
		defer q.wg.Done()
		for {
			q.run(q.ctx, folder)

			q.mu.Lock()
			st.handle = nil
			if st.pending && !q.closed {
				st.pending = false
				q.mu.Unlock()
				continue
			}
			st.running = false
			q.mu.Unlock()
			return
		}
	}()
}

// RegisterProcess publishes the live handle for a group's running agent.
// The supervisor reports it as soon as the child starts; SendStdin and
// CloseStdin use it.
func (q *GroupQueue) RegisterProcess(folder string, h *agent.Handle, label string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.state(folder)
	st.handle = h
	st.label = label
	q.logger.Debug("process registered", "group", folder, "run", label)
}

// SendStdin pipes text into the group's live agent. Returns false when
// there is no live process or its stdin is closed; the caller falls back
// to EnqueueCheck.
func (q *GroupQueue) SendStdin(folder, text string) bool {
	q.mu.Lock()
	h := q.state(folder).handle
	q.mu.Unlock()

	if h == nil {
		return false
	}
	return h.SendStdin(text)
}

// CloseStdin half-closes the group's live agent stdin, if any.
func (q *GroupQueue) CloseStdin(folder string) {
	q.mu.Lock()
	h := q.state(folder).handle
	q.mu.Unlock()

	if h != nil {
		h.CloseStdin()
	}
}

// Busy reports whether a run is in flight for the group.
func (q *GroupQueue) Busy(folder string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state(folder).running
}

// Shutdown stops accepting work, half-closes every live stdin, waits up
// to grace for in-flight runs to finish, then cancels the run context to
// kill the remainder.
func (q *GroupQueue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.closed = true
	for folder, st := range q.states {
		if st.handle != nil {
			q.logger.Info("closing agent stdin for shutdown", "group", folder)
			st.handle.CloseStdin()
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("all runs drained")
	case <-time.After(grace):
		q.logger.Warn("drain timed out, killing remaining runs", "grace", grace)
		q.cancel()
		<-done
	}
	q.cancel()
}

// state returns (creating if needed) the group's mailbox. Caller holds
// the lock.
func (q *GroupQueue) state(folder string) *groupState {
	st, ok := q.states[folder]
	if !ok {
		st = &groupState{}
		q.states[folder] = st
	}
	return st
}
