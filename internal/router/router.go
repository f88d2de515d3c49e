// Package router drives progress: it polls the message store on a fixed
// cadence, maintains the observation and per-JID agent cursors, and owns
// the prompt format and outbound filter of spec.md §6.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nanoclaw/core/internal/db"
	"github.com/nanoclaw/core/internal/queue"
	"github.com/nanoclaw/core/internal/types"
)

const cursorLastTimestamp = "last_timestamp"

func agentCursorKey(jid string) string {
	return "last_agent_timestamp:" + jid
}

var internalBlock = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// EscapeXML replaces the five XML special characters in s.
func EscapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}

// FormatMessages renders messages as the <messages> prompt block of §6.
func FormatMessages(messages []types.Message) string {
	if len(messages) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<messages>\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "  <message from=%q ts=%q>\n    <content>%s</content>\n  </message>\n",
			EscapeXML(m.SenderName), EscapeXML(m.Timestamp), EscapeXML(m.Content))
	}
	sb.WriteString("</messages>")
	return sb.String()
}

// FormatOutbound strips every <internal>...</internal> block from rawText
// and trims the remainder. Callers should send nothing if the result is
// empty.
func FormatOutbound(rawText string) string {
	stripped := internalBlock.ReplaceAllString(rawText, "")
	return strings.TrimSpace(stripped)
}

// Channel is the subset of the channel adapter contract the router needs
// to deliver outbound text and typing indicators (§6).
type Channel interface {
	SendMessage(ctx context.Context, jid, text string) error
	SetTyping(ctx context.Context, jid string, typing bool) error
}

// AgentRunFn starts an Agent Runner for jid with the given pending prompt
// and streams results back through onRecord. It returns the run's final
// classification (see internal/agent) once the process has terminated.
type AgentRunFn func(ctx context.Context, jid, prompt string, onRecord func(types.AgentRecord)) (success bool, outputSentToUser bool, err error)

// Router is the single cooperative poll loop of spec.md §4.2.
type Router struct {
	db             *db.DB
	queue          *queue.GroupQueue
	channel        Channel
	runAgent       AgentRunFn
	pollInterval   time.Duration
	requireTrigger bool
	triggerPattern *regexp.Regexp
	log            *slog.Logger
}

// New constructs a Router. runAgent is injected so the queue's processFn
// (wired via SetProcessMessagesFn) can invoke the Agent Runner without an
// import cycle between router and agent.
//
// requireTrigger and triggerPattern implement the opt-in trigger filter of
// §9: when requireTrigger is true, a batch of pending messages only counts
// as dispatchable work if at least one message matches triggerPattern.
// Non-matching batches are still observed (their cursor advances, so they
// are not retried forever) but never spawn an agent.
func New(database *db.DB, q *queue.GroupQueue, channel Channel, runAgent AgentRunFn, pollInterval time.Duration, requireTrigger bool, triggerPattern *regexp.Regexp, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		db:             database,
		queue:          q,
		channel:        channel,
		runAgent:       runAgent,
		pollInterval:   pollInterval,
		requireTrigger: requireTrigger,
		triggerPattern: triggerPattern,
		log:            log,
	}
	q.SetProcessMessagesFn(r.processGroupMessages)
	return r
}

// hasTrigger reports whether pending contains dispatchable work under the
// configured trigger gate: always true when the gate is off, otherwise
// true only if at least one message matches triggerPattern.
func (r *Router) hasTrigger(pending []types.Message) bool {
	if !r.requireTrigger || r.triggerPattern == nil {
		return true
	}
	for _, m := range pending {
		if r.triggerPattern.MatchString(m.Content) {
			return true
		}
	}
	return false
}

// Run blocks, polling the store every pollInterval until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll performs the four steps of §4.2.
func (r *Router) poll(ctx context.Context) {
	groups, err := r.db.GetRegisteredGroups()
	if err != nil {
		r.log.Warn("router: list registered groups", "error", err)
		return
	}
	if len(groups) == 0 {
		return
	}

	jids := make([]string, 0, len(groups))
	for _, g := range groups {
		jids = append(jids, g.JID)
	}

	lastTimestamp, _, err := r.db.GetCursor(cursorLastTimestamp)
	if err != nil {
		r.log.Warn("router: read observation cursor", "error", err)
		return
	}

	messages, newTimestamp, err := r.db.GetNewMessagesForGroups(jids, lastTimestamp)
	if err != nil {
		r.log.Warn("router: poll new messages", "error", err)
		return
	}
	if len(messages) == 0 {
		return
	}

	// Step 2: persist the observation cursor before doing anything else.
	if err := r.db.SetCursor(cursorLastTimestamp, newTimestamp); err != nil {
		r.log.Warn("router: persist observation cursor", "error", err)
		return
	}

	// Step 3: partition by JID.
	byJID := make(map[string]bool)
	for _, m := range messages {
		byJID[m.ChatJID] = true
	}
	for jid := range byJID {
		r.dispatchObservedGroup(ctx, jid)
	}
}

func (r *Router) dispatchObservedGroup(ctx context.Context, jid string) {
	agentCursor, _, err := r.db.GetCursor(agentCursorKey(jid))
	if err != nil {
		r.log.Warn("router: read agent cursor", "jid", jid, "error", err)
		return
	}

	pending, err := r.db.GetNewMessages(jid, agentCursor)
	if err != nil {
		r.log.Warn("router: get pending messages", "jid", jid, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	if !r.hasTrigger(pending) {
		last := pending[len(pending)-1].Timestamp
		if err := r.db.SetCursor(agentCursorKey(jid), last); err != nil {
			r.log.Warn("router: persist agent cursor for untriggered batch", "jid", jid, "error", err)
		}
		return
	}

	formatted := FormatMessages(pending)
	if r.queue.SendMessage(jid, formatted) {
		last := pending[len(pending)-1].Timestamp
		if err := r.db.SetCursor(agentCursorKey(jid), last); err != nil {
			r.log.Warn("router: persist agent cursor after send", "jid", jid, "error", err)
		}
		return
	}

	// No live agent: let the Group Queue's dispatch path advance the
	// cursor once it accepts the work (§4.2 step 3d).
	r.queue.EnqueueMessageCheck(jid)
}

// processGroupMessages is the Group Queue's dispatch function for a "check"
// marker (prompt == ""). A non-empty prompt means a synthetic prompt from
// the Scheduler, which bypasses the store lookup entirely.
func (r *Router) processGroupMessages(ctx context.Context, jid string, prompt string) bool {
	if prompt != "" {
		return r.runSynthetic(ctx, jid, prompt)
	}

	agentCursor, _, err := r.db.GetCursor(agentCursorKey(jid))
	if err != nil {
		r.log.Warn("router: read agent cursor", "jid", jid, "error", err)
		return true
	}

	pending, err := r.db.GetNewMessages(jid, agentCursor)
	if err != nil {
		r.log.Warn("router: get pending messages", "jid", jid, "error", err)
		return true
	}
	if len(pending) == 0 {
		return true
	}
	if !r.hasTrigger(pending) {
		newCursor := pending[len(pending)-1].Timestamp
		if err := r.db.SetCursor(agentCursorKey(jid), newCursor); err != nil {
			r.log.Warn("router: advance agent cursor for untriggered batch", "jid", jid, "error", err)
		}
		return true
	}

	previousCursor := agentCursor
	newCursor := pending[len(pending)-1].Timestamp

	// Claim before starting the agent: this is the exactly-once step.
	if err := r.db.SetCursor(agentCursorKey(jid), newCursor); err != nil {
		r.log.Warn("router: advance agent cursor", "jid", jid, "error", err)
		return true
	}

	formatted := FormatMessages(pending)
	success, outputSentToUser, err := r.runWithCallbacks(ctx, jid, formatted)
	if err != nil {
		r.log.Warn("router: agent run error", "jid", jid, "error", err)
	}

	if success {
		return true
	}
	if outputSentToUser {
		r.log.Warn("router: agent terminated with error after sending output, not rolling back", "jid", jid)
		return true
	}

	// Roll back the claim so the Router re-enqueues fresh work on its
	// next poll.
	if err := r.db.SetCursor(agentCursorKey(jid), previousCursor); err != nil {
		r.log.Warn("router: rollback agent cursor", "jid", jid, "error", err)
	}
	return false
}

func (r *Router) runSynthetic(ctx context.Context, jid, prompt string) bool {
	success, _, err := r.runWithCallbacks(ctx, jid, prompt)
	if err != nil {
		r.log.Warn("router: synthetic prompt run error", "jid", jid, "error", err)
	}
	return success
}

func (r *Router) runWithCallbacks(ctx context.Context, jid, prompt string) (success, outputSentToUser bool, err error) {
	onRecord := func(rec types.AgentRecord) {
		text := FormatOutbound(rec.ResultText())
		if text != "" {
			if sendErr := r.channel.SendMessage(ctx, jid, text); sendErr != nil {
				r.log.Warn("router: send outbound message", "jid", jid, "error", sendErr)
			} else {
				outputSentToUser = true
			}
		}
		if rec.Status == types.AgentSuccess {
			r.queue.NotifyIdle(jid)
		}
	}

	if typErr := r.channel.SetTyping(ctx, jid, true); typErr != nil {
		r.log.Debug("router: set typing", "jid", jid, "error", typErr)
	}

	success, sentFromRunner, runErr := r.runAgent(ctx, jid, prompt, onRecord)
	outputSentToUser = outputSentToUser || sentFromRunner
	if typErr := r.channel.SetTyping(ctx, jid, false); typErr != nil {
		r.log.Debug("router: clear typing", "jid", jid, "error", typErr)
	}
	return success, outputSentToUser, runErr
}

// RecoverPendingMessages implements the startup recovery of §4.2: for each
// registered JID, if there is pending work beyond its agent cursor,
// re-enqueue a check so the crash window between cursor advance and first
// observation is closed.
func (r *Router) RecoverPendingMessages() error {
	groups, err := r.db.GetRegisteredGroups()
	if err != nil {
		return fmt.Errorf("router: recover: list groups: %w", err)
	}
	for _, g := range groups {
		cursor, _, err := r.db.GetCursor(agentCursorKey(g.JID))
		if err != nil {
			r.log.Warn("router: recover: read cursor", "jid", g.JID, "error", err)
			continue
		}
		pending, err := r.db.GetNewMessages(g.JID, cursor)
		if err != nil {
			r.log.Warn("router: recover: get pending", "jid", g.JID, "error", err)
			continue
		}
		if len(pending) > 0 {
			r.queue.EnqueueMessageCheck(g.JID)
		}
	}
	return nil
}
