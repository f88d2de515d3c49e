// Package types holds the value types shared by the message store, the
// group queue, the router, the agent runner, and the scheduler.
package types

import "encoding/json"

// Message is a single row from the append-only message log. Timestamp is
// the sole ordering key; messages are immutable once stored.
type Message struct {
	ID           string `db:"id"`
	ChatJID      string `db:"chat_jid"`
	Sender       string `db:"sender"`
	SenderName   string `db:"sender_name"`
	Content      string `db:"content"`
	Timestamp    string `db:"timestamp"` // RFC3339, lexicographically orderable
	IsFromMe     bool   `db:"is_from_me"`
	IsBotMessage bool   `db:"is_bot_message"`
}

// ChatMetadata is upserted on every inbound event for a chat.
type ChatMetadata struct {
	JID             string `db:"jid"`
	Name            string `db:"name"`
	LastMessageTime string `db:"last_message_time"`
	Channel         string `db:"channel"`
	IsGroup         bool   `db:"is_group"`
}

// RegisteredGroup is a group the router polls for and dispatches to an
// agent. Folder is a safe, non-empty workspace identifier (see
// internal/config.ValidateFolder).
type RegisteredGroup struct {
	JID     string `db:"jid"`
	Name    string `db:"name"`
	Folder  string `db:"folder"`
	Trigger string `db:"trigger"`
	AddedAt string `db:"added_at"`
}

// Session is the opaque continuation handle the agent backend returns,
// keyed by group folder.
type Session struct {
	GroupFolder string `db:"group_folder"`
	SessionID   string `db:"session_id"`
	UpdatedAt   string `db:"updated_at"`
}

// ScheduleType enumerates the ways a ScheduledTask can recur.
type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOneShot  ScheduleType = "one-shot"
)

// TaskStatus enumerates scheduled-task lifecycle states.
type TaskStatus string

const (
	TaskActive TaskStatus = "active"
	TaskPaused TaskStatus = "paused"
	TaskDone   TaskStatus = "done"
)

// ScheduledTask is a persisted, time-driven prompt injection. The
// scheduler owns NextRun and Status.
type ScheduledTask struct {
	ID            string       `db:"id"`
	GroupFolder   string       `db:"group_folder"`
	Prompt        string       `db:"prompt"`
	ScheduleType  ScheduleType `db:"schedule_type"`
	ScheduleValue string       `db:"schedule_value"`
	Status        TaskStatus   `db:"status"`
	NextRun       *string      `db:"next_run"` // RFC3339, nil means unscheduled
	LastRun       *string      `db:"last_run"`
	LastResult    *string      `db:"last_result"`
	CreatedAt     string       `db:"created_at"`
}

// AgentStatus is the status field of a streamed agent output record.
type AgentStatus string

const (
	AgentSuccess  AgentStatus = "success"
	AgentError    AgentStatus = "error"
	AgentProgress AgentStatus = "progress"
)

// AgentRecord is one line of the agent's framed stdout stream. Unrecognized
// fields are ignored by the decoder; a line that fails to parse is dropped.
type AgentRecord struct {
	Status       AgentStatus `json:"status"`
	Result       any         `json:"result,omitempty"`
	NewSessionID string      `json:"newSessionId,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// ResultText renders Result as display text: a string result is returned
// verbatim, an object result (§3: "result?: string|object|null") is
// JSON-encoded rather than dropped, and nil renders empty.
func (r AgentRecord) ResultText() string {
	if r.Result == nil {
		return ""
	}
	if s, ok := r.Result.(string); ok {
		return s
	}
	b, err := json.Marshal(r.Result)
	if err != nil {
		return ""
	}
	return string(b)
}

// HasResult reports whether the record carries a non-empty result payload,
// the trigger for the "at least one streamed record had a non-empty result"
// termination rule in §4.3. A non-nil but empty string result renders no
// outbound text via ResultText, so it does not count either.
func (r AgentRecord) HasResult() bool {
	return r.ResultText() != ""
}
