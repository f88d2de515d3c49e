// Package db wraps a *sql.DB with the nanoclaw message store and the KV
// cursor area described in spec.md §3. Every write is a single statement;
// the observation cursor and per-JID agent cursors are always persisted
// with separate writes (§5).
package db

import (
	"database/sql"
	"fmt"

	"github.com/nanoclaw/core/internal/types"
	_ "modernc.org/sqlite"
)

// DB is the append-only message store plus the small KV area for router
// cursors, sessions, registered groups, and scheduled tasks.
type DB struct {
	sql *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
  jid TEXT PRIMARY KEY,
  name TEXT,
  last_message_time TEXT,
  channel TEXT,
  is_group INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT,
  chat_jid TEXT,
  sender TEXT,
  sender_name TEXT,
  content TEXT,
  timestamp TEXT,
  is_from_me INTEGER,
  is_bot_message INTEGER DEFAULT 0,
  PRIMARY KEY (id, chat_jid)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages (chat_jid, timestamp);

CREATE TABLE IF NOT EXISTS registered_groups (
  jid TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  folder TEXT NOT NULL UNIQUE,
  trigger_pattern TEXT NOT NULL DEFAULT '',
  added_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
  group_folder TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  group_folder TEXT NOT NULL,
  prompt TEXT NOT NULL,
  schedule_type TEXT NOT NULL,
  schedule_value TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'active',
  next_run TEXT,
  last_run TEXT,
  last_result TEXT,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS router_state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`

// Open opens (or creates) the SQLite database at path and applies the
// schema.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("db: open: %w", err)
	}
	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("db: create schema: %w", err)
	}
	return &DB{sql: sqldb}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SaveMessage inserts a message (ignoring id/chat_jid conflicts, since
// messages are immutable once stored).
func (d *DB) SaveMessage(m types.Message) error {
	_, err := d.sql.Exec(`
		INSERT OR IGNORE INTO messages
			(id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content, m.Timestamp,
		boolInt(m.IsFromMe), boolInt(m.IsBotMessage),
	)
	if err != nil {
		return fmt.Errorf("db: save message: %w", err)
	}
	return nil
}

// UpsertChatMetadata records chat-level metadata, as described in §3.
func (d *DB) UpsertChatMetadata(m types.ChatMetadata) error {
	_, err := d.sql.Exec(`
		INSERT INTO chats (jid, name, last_message_time, channel, is_group)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			last_message_time = excluded.last_message_time,
			channel = excluded.channel,
			is_group = excluded.is_group`,
		m.JID, m.Name, m.LastMessageTime, m.Channel, boolInt(m.IsGroup),
	)
	if err != nil {
		return fmt.Errorf("db: upsert chat metadata: %w", err)
	}
	return nil
}

// GetChatMetadata returns the upserted metadata for jid, and whether a row
// exists yet.
func (d *DB) GetChatMetadata(jid string) (types.ChatMetadata, bool, error) {
	var m types.ChatMetadata
	var isGroup int
	err := d.sql.QueryRow(`SELECT jid, name, last_message_time, channel, is_group FROM chats WHERE jid = ?`, jid).
		Scan(&m.JID, &m.Name, &m.LastMessageTime, &m.Channel, &isGroup)
	if err == sql.ErrNoRows {
		return types.ChatMetadata{}, false, nil
	}
	if err != nil {
		return types.ChatMetadata{}, false, fmt.Errorf("db: get chat metadata: %w", err)
	}
	m.IsGroup = isGroup != 0
	return m, true, nil
}

// GetNewMessages returns every message for jid with timestamp strictly
// greater than since, excluding bot-authored rows (§3 invariant), ordered
// by timestamp then rowid so ties break on insertion order.
func (d *DB) GetNewMessages(jid, since string) ([]types.Message, error) {
	rows, err := d.sql.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid = ? AND timestamp > ? AND is_bot_message = 0
		ORDER BY timestamp ASC, rowid ASC`, jid, since)
	if err != nil {
		return nil, fmt.Errorf("db: get new messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecentMessages returns the most recent limit messages for jid,
// including bot-authored ones, oldest first. Used for display (the
// operator console), never for dispatch decisions.
func (d *DB) GetRecentMessages(jid string, limit int) ([]types.Message, error) {
	rows, err := d.sql.Query(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE chat_jid = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?`, jid, limit)
	if err != nil {
		return nil, fmt.Errorf("db: get recent messages: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetNewMessagesForGroups is the multi-JID form used by the Router's poll
// step (§4.2 step 1): every row across the registered JIDs with
// timestamp > since, excluding bot messages. It also returns the maximum
// observed timestamp, or since unchanged if nothing matched.
func (d *DB) GetNewMessagesForGroups(jids []string, since string) ([]types.Message, string, error) {
	if len(jids) == 0 {
		return nil, since, nil
	}
	placeholders := make([]byte, 0, len(jids)*2)
	args := make([]any, 0, len(jids)+1)
	args = append(args, since)
	for i, jid := range jids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, jid)
	}
	query := fmt.Sprintf(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE timestamp > ? AND is_bot_message = 0 AND chat_jid IN (%s)
		ORDER BY timestamp ASC, rowid ASC`, placeholders)
	rows, err := d.sql.Query(query, args...)
	if err != nil {
		return nil, since, fmt.Errorf("db: get new messages for groups: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, since, err
	}
	newest := since
	for _, m := range msgs {
		if m.Timestamp > newest {
			newest = m.Timestamp
		}
	}
	return msgs, newest, nil
}

// GetRegisteredGroups returns all registered groups.
func (d *DB) GetRegisteredGroups() ([]types.RegisteredGroup, error) {
	rows, err := d.sql.Query(`SELECT jid, name, folder, trigger_pattern, added_at FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("db: get registered groups: %w", err)
	}
	defer rows.Close()

	var groups []types.RegisteredGroup
	for rows.Next() {
		var g types.RegisteredGroup
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &g.AddedAt); err != nil {
			return nil, fmt.Errorf("db: scan registered group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// RegisterGroup inserts or replaces a group registration.
func (d *DB) RegisterGroup(g types.RegisteredGroup) error {
	_, err := d.sql.Exec(`
		INSERT OR REPLACE INTO registered_groups (jid, name, folder, trigger_pattern, added_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.JID, g.Name, g.Folder, g.Trigger, g.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("db: register group: %w", err)
	}
	return nil
}

// GetSession returns the current session id for groupFolder, and whether
// one exists yet.
func (d *DB) GetSession(groupFolder string) (string, bool, error) {
	var sessionID string
	err := d.sql.QueryRow(`SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("db: get session: %w", err)
	}
	return sessionID, true, nil
}

// SaveSession upserts the session id for groupFolder (§3: "updated on
// every agent run that reports a new session identifier").
func (d *DB) SaveSession(groupFolder, sessionID, updatedAt string) error {
	_, err := d.sql.Exec(`
		INSERT INTO sessions (group_folder, session_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(group_folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		groupFolder, sessionID, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("db: save session: %w", err)
	}
	return nil
}

// GetCursor reads a single router_state value (e.g. "last_timestamp", or
// "last_agent_timestamp:<jid>"). ok is false if the key has never been set.
func (d *DB) GetCursor(key string) (string, bool, error) {
	var value string
	err := d.sql.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("db: get cursor %s: %w", key, err)
	}
	return value, true, nil
}

// SetCursor persists a single router_state value.
func (d *DB) SetCursor(key, value string) error {
	_, err := d.sql.Exec(`
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("db: set cursor %s: %w", key, err)
	}
	return nil
}

// CreateTask inserts a new scheduled task.
func (d *DB) CreateTask(t types.ScheduledTask) error {
	_, err := d.sql.Exec(`
		INSERT INTO scheduled_tasks (id, group_folder, prompt, schedule_type, schedule_value, status, next_run, last_run, last_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.Prompt, string(t.ScheduleType), t.ScheduleValue, string(t.Status),
		t.NextRun, t.LastRun, t.LastResult, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("db: create task: %w", err)
	}
	return nil
}

// GetDueTasks returns every task with status=active and next_run <= now
// (both RFC3339 strings, so lexicographic comparison is correct).
func (d *DB) GetDueTasks(now string) ([]types.ScheduledTask, error) {
	rows, err := d.sql.Query(`
		SELECT id, group_folder, prompt, schedule_type, schedule_value, status, next_run, last_run, last_result, created_at
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?`, now)
	if err != nil {
		return nil, fmt.Errorf("db: get due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTasksForGroup returns tasks belonging to groupFolder, used by the
// Agent Runner to write the per-group tasks.json snapshot (§4.3).
func (d *DB) GetTasksForGroup(groupFolder string) ([]types.ScheduledTask, error) {
	rows, err := d.sql.Query(`
		SELECT id, group_folder, prompt, schedule_type, schedule_value, status, next_run, last_run, last_result, created_at
		FROM scheduled_tasks WHERE group_folder = ?`, groupFolder)
	if err != nil {
		return nil, fmt.Errorf("db: get tasks for group: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetAllTasks returns every task, used for the main group's global
// visibility (§3: "one main folder... enjoys global visibility").
func (d *DB) GetAllTasks() ([]types.ScheduledTask, error) {
	rows, err := d.sql.Query(`
		SELECT id, group_folder, prompt, schedule_type, schedule_value, status, next_run, last_run, last_result, created_at
		FROM scheduled_tasks`)
	if err != nil {
		return nil, fmt.Errorf("db: get all tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskSchedule persists the scheduler's next_run/status advance
// (§4.4 step 4), done before dispatch for at-most-once semantics.
func (d *DB) UpdateTaskSchedule(id string, nextRun *string, status types.TaskStatus) error {
	_, err := d.sql.Exec(`UPDATE scheduled_tasks SET next_run = ?, status = ? WHERE id = ?`,
		nextRun, string(status), id)
	if err != nil {
		return fmt.Errorf("db: update task schedule: %w", err)
	}
	return nil
}

// UpdateTaskRun records the outcome of the most recent dispatch.
func (d *DB) UpdateTaskRun(id, lastRun string, lastResult *string) error {
	_, err := d.sql.Exec(`UPDATE scheduled_tasks SET last_run = ?, last_result = ? WHERE id = ?`,
		lastRun, lastResult, id)
	if err != nil {
		return fmt.Errorf("db: update task run: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]types.Message, error) {
	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		var fromMe, botMsg int
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &fromMe, &botMsg); err != nil {
			return nil, fmt.Errorf("db: scan message: %w", err)
		}
		m.IsFromMe = fromMe != 0
		m.IsBotMessage = botMsg != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanTasks(rows *sql.Rows) ([]types.ScheduledTask, error) {
	var tasks []types.ScheduledTask
	for rows.Next() {
		var t types.ScheduledTask
		var scheduleType, status string
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.Prompt, &scheduleType, &t.ScheduleValue, &status,
			&t.NextRun, &t.LastRun, &t.LastResult, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan task: %w", err)
		}
		t.ScheduleType = types.ScheduleType(scheduleType)
		t.Status = types.TaskStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
