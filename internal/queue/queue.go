// Package queue implements the Group Queue of spec.md §4.1: at most one
// live agent per chat JID, strict per-JID FIFO, and piping of follow-up
// messages into a live agent's stdin instead of spawning a new one.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProcessFn drives one unit of work for jid: it is expected to read pending
// messages (or a synthetic prompt), run an Agent Runner to completion, and
// report whether the unit of work was fully consumed. Returning false means
// the cursor was rolled back and the caller should not retry immediately;
// the Router will re-enqueue on its next poll.
type ProcessFn func(ctx context.Context, jid string, prompt string) bool

// Handle is the Agent Runner's I/O surface, handed to the queue via
// registerProcess so the Router can pipe follow-up messages into a live
// process instead of spawning a new one.
type Handle interface {
	WriteLine(text string) error
	CloseStdin() error
	Kill() error
}

type item struct {
	jid    string
	prompt string // empty means "check store for pending messages"
}

type groupState struct {
	queue         []item
	active        bool
	handle        Handle
	containerName string
	groupFolder   string
	idleNotified  bool
}

// GroupQueue is the per-JID FIFO queue with a global concurrency cap.
type GroupQueue struct {
	mu        sync.Mutex
	groups    map[string]*groupState
	active    int
	maxActive int

	processFn ProcessFn

	stopping bool
	wg       sync.WaitGroup

	log *slog.Logger
}

// New creates a GroupQueue limited to maxConcurrent simultaneous agent runs.
func New(maxConcurrent int, log *slog.Logger) *GroupQueue {
	if log == nil {
		log = slog.Default()
	}
	return &GroupQueue{
		groups:    make(map[string]*groupState),
		maxActive: maxConcurrent,
		log:       log,
	}
}

// SetProcessMessagesFn wires the dependency that actually performs one unit
// of work. Must be called before any Enqueue*.
func (q *GroupQueue) SetProcessMessagesFn(fn ProcessFn) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processFn = fn
}

func (q *GroupQueue) stateFor(jid string) *groupState {
	g, ok := q.groups[jid]
	if !ok {
		g = &groupState{}
		q.groups[jid] = g
	}
	return g
}

// SendMessage writes formattedText to jid's active agent stdin, if one
// exists. Safe to call from the Router thread.
func (q *GroupQueue) SendMessage(jid, formattedText string) bool {
	q.mu.Lock()
	g, ok := q.groups[jid]
	if !ok || !g.active || g.handle == nil {
		q.mu.Unlock()
		return false
	}
	handle := g.handle
	q.mu.Unlock()

	if err := handle.WriteLine(formattedText); err != nil {
		q.log.Warn("queue: write to active agent failed", "jid", jid, "error", err)
		return false
	}
	return true
}

// EnqueueMessageCheck appends a "check the store" marker for jid and tries
// to dispatch immediately if no agent is currently active for it.
func (q *GroupQueue) EnqueueMessageCheck(jid string) {
	q.enqueue(jid, "")
}

// EnqueueSyntheticPrompt appends a literal prompt for jid, bypassing the
// store lookup the Agent Runner would otherwise perform.
func (q *GroupQueue) EnqueueSyntheticPrompt(jid, prompt string) {
	q.enqueue(jid, prompt)
}

func (q *GroupQueue) enqueue(jid, prompt string) {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return
	}
	g := q.stateFor(jid)

	// A latched idle notification means the active agent already reported
	// a result and is expecting more input rather than teardown: prefer
	// piping straight into its stdin over queueing behind it (which would
	// spawn nothing new, but would make the caller wait for run() to drain
	// the queue instead of being handled immediately).
	if prompt != "" && g.active && g.idleNotified && g.handle != nil {
		handle := g.handle
		g.idleNotified = false
		q.mu.Unlock()
		if err := handle.WriteLine(prompt); err == nil {
			return
		}
		q.log.Warn("queue: idle-piped write failed, falling back to queue", "jid", jid)
		q.mu.Lock()
		g = q.stateFor(jid)
	}

	g.queue = append(g.queue, item{jid: jid, prompt: prompt})
	q.mu.Unlock()
	q.tryDispatch()
}

// NotifyIdle arms idleNotified for jid: the Agent Runner has emitted a
// successful result, so the next synthetic prompt enqueued for jid is piped
// into the live process's stdin instead of being queued behind it.
func (q *GroupQueue) NotifyIdle(jid string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if g, ok := q.groups[jid]; ok {
		g.idleNotified = true
	}
}

// CloseStdin closes the active agent's stdin for jid, used by the idle
// timeout path in the Agent Runner.
func (q *GroupQueue) CloseStdin(jid string) error {
	q.mu.Lock()
	g, ok := q.groups[jid]
	if !ok || g.handle == nil {
		q.mu.Unlock()
		return nil
	}
	handle := g.handle
	q.mu.Unlock()
	return handle.CloseStdin()
}

// RegisterProcess hands the Agent Runner's I/O handle to the queue so
// piping becomes possible. Required before any SendMessage call succeeds.
func (q *GroupQueue) RegisterProcess(jid string, handle Handle, containerName, groupFolder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g := q.stateFor(jid)
	g.handle = handle
	g.containerName = containerName
	g.groupFolder = groupFolder
}

func (q *GroupQueue) tryDispatch() {
	q.mu.Lock()
	if q.stopping || q.active >= q.maxActive || q.processFn == nil {
		q.mu.Unlock()
		return
	}

	var chosenJID string
	var chosen item
	for jid, g := range q.groups {
		if g.active || len(g.queue) == 0 {
			continue
		}
		chosenJID = jid
		chosen = g.queue[0]
		g.queue = g.queue[1:]
		g.active = true
		break
	}
	if chosenJID == "" {
		q.mu.Unlock()
		return
	}
	q.active++
	q.wg.Add(1)
	q.mu.Unlock()

	go q.run(chosenJID, chosen)
}

func (q *GroupQueue) run(jid string, it item) {
	defer q.wg.Done()
	ok := q.processFn(context.Background(), jid, it.prompt)
	if !ok {
		q.log.Warn("queue: unit of work not fully consumed, not retrying immediately", "jid", jid)
	}

	q.mu.Lock()
	q.active--
	if g, found := q.groups[jid]; found {
		g.active = false
		g.handle = nil
		g.idleNotified = false
		if len(g.queue) == 0 {
			delete(q.groups, jid)
		}
	}
	q.mu.Unlock()

	q.tryDispatch()
}

// Shutdown signals stop, waits up to graceMs for active agents to finish,
// then kills whatever is still running and waits up to graceMs more for the
// killed runs to return before returning itself.
func (q *GroupQueue) Shutdown(graceMs int) {
	q.mu.Lock()
	q.stopping = true
	handles := make([]Handle, 0, len(q.groups))
	for _, g := range q.groups {
		if g.handle != nil {
			handles = append(handles, g.handle)
		}
	}
	q.mu.Unlock()

	for _, h := range handles {
		if err := h.CloseStdin(); err != nil {
			q.log.Warn("queue: close stdin on shutdown failed", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(time.Duration(graceMs) * time.Millisecond):
	}

	for _, h := range handles {
		if err := h.Kill(); err != nil {
			q.log.Warn("queue: kill on shutdown failed", "error", err)
		}
	}
	select {
	case <-done:
	case <-time.After(time.Duration(graceMs) * time.Millisecond):
		q.log.Warn("queue: runs still active after kill, shutdown returning")
	}
}
