package router

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/core/internal/db"
	"github.com/nanoclaw/core/internal/queue"
	"github.com/nanoclaw/core/internal/types"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "nanoclaw.db"))
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

type fakeChannel struct {
	mu      sync.Mutex
	sent    []string
	typing  map[string]bool
	sendErr error
}

func (c *fakeChannel) SendMessage(ctx context.Context, jid, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChannel) SetTyping(ctx context.Context, jid string, typing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typing == nil {
		c.typing = make(map[string]bool)
	}
	c.typing[jid] = typing
	return nil
}

func TestEscapeXML(t *testing.T) {
	got := EscapeXML(`<a> & "b" & 'c'`)
	want := `&lt;a&gt; &amp; &quot;b&quot; &amp; &apos;c&apos;`
	if got != want {
		t.Errorf("EscapeXML = %q, want %q", got, want)
	}
}

func TestFormatMessages_Empty(t *testing.T) {
	if got := FormatMessages(nil); got != "" {
		t.Errorf("FormatMessages(nil) = %q, want empty string", got)
	}
}

func TestFormatMessages_EscapesContent(t *testing.T) {
	msgs := []types.Message{
		{SenderName: "Al<ice>", Content: "hi & bye", Timestamp: "2026-01-01T00:00:00Z"},
	}
	got := FormatMessages(msgs)
	if !containsAll(got, []string{"<messages>", "Al&lt;ice&gt;", "hi &amp; bye", "</messages>"}) {
		t.Errorf("FormatMessages output missing expected fragments: %s", got)
	}
}

func TestFormatOutbound_StripsInternalBlocks(t *testing.T) {
	raw := "before <internal>secret reasoning\nspanning lines</internal> after"
	got := FormatOutbound(raw)
	if got != "before  after" {
		t.Errorf("FormatOutbound = %q, want %q", got, "before  after")
	}
}

func TestFormatOutbound_TrimsWhitespace(t *testing.T) {
	if got := FormatOutbound("  <internal>x</internal>  "); got != "" {
		t.Errorf("FormatOutbound = %q, want empty", got)
	}
}

func containsAll(haystack string, needles []string) bool {
	for _, n := range needles {
		if !strings.Contains(haystack, n) {
			return false
		}
	}
	return true
}

func TestProcessGroupMessages_ClaimsCursorBeforeRunning(t *testing.T) {
	database := openTestDB(t)
	q := queue.New(1, nil)
	ch := &fakeChannel{}

	const jid = "g1@ch"
	if err := database.SaveMessage(types.Message{ID: "1", ChatJID: jid, Content: "hi", Timestamp: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	var sawPrompt string
	runAgent := func(ctx context.Context, jid, prompt string, onRecord func(types.AgentRecord)) (bool, bool, error) {
		sawPrompt = prompt
		cursor, _, _ := database.GetCursor("last_agent_timestamp:" + jid)
		if cursor != "2026-01-01T00:00:00Z" {
			t.Errorf("agent cursor during run = %q, want claimed before run", cursor)
		}
		onRecord(types.AgentRecord{Status: types.AgentSuccess, Result: "done"})
		return true, false, nil
	}

	r := New(database, q, ch, runAgent, time.Hour, false, nil, nil)

	if ok := r.processGroupMessages(context.Background(), jid, ""); !ok {
		t.Fatal("processGroupMessages returned false on success")
	}
	if sawPrompt == "" {
		t.Fatal("runAgent was not invoked")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != 1 || ch.sent[0] != "done" {
		t.Errorf("channel sent = %v, want [done]", ch.sent)
	}
}

func TestProcessGroupMessages_RollsBackOnErrorWithoutOutput(t *testing.T) {
	database := openTestDB(t)
	q := queue.New(1, nil)
	ch := &fakeChannel{}

	const jid = "g1@ch"
	if err := database.SaveMessage(types.Message{ID: "1", ChatJID: jid, Content: "hi", Timestamp: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	runAgent := func(ctx context.Context, jid, prompt string, onRecord func(types.AgentRecord)) (bool, bool, error) {
		return false, false, nil
	}
	r := New(database, q, ch, runAgent, time.Hour, false, nil, nil)

	if ok := r.processGroupMessages(context.Background(), jid, ""); ok {
		t.Fatal("processGroupMessages should return false on failure without output")
	}

	cursor, ok, err := database.GetCursor("last_agent_timestamp:" + jid)
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if ok && cursor != "" {
		t.Errorf("agent cursor after rollback = %q, want reverted to empty", cursor)
	}
}

func TestProcessGroupMessages_NoRollbackWhenOutputSent(t *testing.T) {
	database := openTestDB(t)
	q := queue.New(1, nil)
	ch := &fakeChannel{}

	const jid = "g1@ch"
	if err := database.SaveMessage(types.Message{ID: "1", ChatJID: jid, Content: "hi", Timestamp: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	runAgent := func(ctx context.Context, jid, prompt string, onRecord func(types.AgentRecord)) (bool, bool, error) {
		return false, true, nil
	}
	r := New(database, q, ch, runAgent, time.Hour, false, nil, nil)

	if ok := r.processGroupMessages(context.Background(), jid, ""); !ok {
		t.Fatal("processGroupMessages should return true when output already reached the user")
	}

	cursor, ok, err := database.GetCursor("last_agent_timestamp:" + jid)
	if err != nil || !ok || cursor != "2026-01-01T00:00:00Z" {
		t.Errorf("agent cursor after error-with-output = (%q, %v, %v), want claimed value retained", cursor, ok, err)
	}
}

func TestProcessGroupMessages_SetsTypingTrueBeforeRunAndFalseAfter(t *testing.T) {
	database := openTestDB(t)
	q := queue.New(1, nil)
	ch := &fakeChannel{}

	const jid = "g1@ch"
	if err := database.SaveMessage(types.Message{ID: "1", ChatJID: jid, Content: "hi", Timestamp: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	var typingDuringRun bool
	runAgent := func(ctx context.Context, jid, prompt string, onRecord func(types.AgentRecord)) (bool, bool, error) {
		ch.mu.Lock()
		typingDuringRun = ch.typing[jid]
		ch.mu.Unlock()
		return true, false, nil
	}
	r := New(database, q, ch, runAgent, time.Hour, false, nil, nil)

	if ok := r.processGroupMessages(context.Background(), jid, ""); !ok {
		t.Fatal("processGroupMessages returned false on success")
	}
	if !typingDuringRun {
		t.Error("typing was not set true before the agent run started")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.typing[jid] {
		t.Error("typing was not cleared after the run terminated")
	}
}

func TestProcessGroupMessages_SyntheticPromptBypassesStore(t *testing.T) {
	database := openTestDB(t)
	q := queue.New(1, nil)
	ch := &fakeChannel{}

	var sawPrompt string
	runAgent := func(ctx context.Context, jid, prompt string, onRecord func(types.AgentRecord)) (bool, bool, error) {
		sawPrompt = prompt
		return true, false, nil
	}
	r := New(database, q, ch, runAgent, time.Hour, false, nil, nil)

	if ok := r.processGroupMessages(context.Background(), "g1@ch", "run the daily report"); !ok {
		t.Fatal("processGroupMessages returned false for synthetic prompt")
	}
	if sawPrompt != "run the daily report" {
		t.Errorf("sawPrompt = %q, want the synthetic prompt verbatim", sawPrompt)
	}
}

func TestProcessGroupMessages_RequireTrigger_SkipsUntriggeredBatch(t *testing.T) {
	database := openTestDB(t)
	q := queue.New(1, nil)
	ch := &fakeChannel{}

	const jid = "g1@ch"
	if err := database.SaveMessage(types.Message{ID: "1", ChatJID: jid, Content: "hi there", Timestamp: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	var ran bool
	runAgent := func(ctx context.Context, jid, prompt string, onRecord func(types.AgentRecord)) (bool, bool, error) {
		ran = true
		return true, false, nil
	}
	pattern := regexp.MustCompile(`(?i)^@bot\b`)
	r := New(database, q, ch, runAgent, time.Hour, true, pattern, nil)

	if ok := r.processGroupMessages(context.Background(), jid, ""); !ok {
		t.Fatal("processGroupMessages should report a skipped untriggered batch as fully consumed")
	}
	if ran {
		t.Error("runAgent should not be invoked when no pending message matches the trigger pattern")
	}

	cursor, ok, err := database.GetCursor("last_agent_timestamp:" + jid)
	if err != nil || !ok || cursor != "2026-01-01T00:00:00Z" {
		t.Errorf("agent cursor after untriggered batch = (%q, %v, %v), want advanced past the batch", cursor, ok, err)
	}
}

func TestProcessGroupMessages_RequireTrigger_RunsOnMatch(t *testing.T) {
	database := openTestDB(t)
	q := queue.New(1, nil)
	ch := &fakeChannel{}

	const jid = "g1@ch"
	if err := database.SaveMessage(types.Message{ID: "1", ChatJID: jid, Content: "@bot help", Timestamp: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	var ran bool
	runAgent := func(ctx context.Context, jid, prompt string, onRecord func(types.AgentRecord)) (bool, bool, error) {
		ran = true
		return true, false, nil
	}
	pattern := regexp.MustCompile(`(?i)^@bot\b`)
	r := New(database, q, ch, runAgent, time.Hour, true, pattern, nil)

	if ok := r.processGroupMessages(context.Background(), jid, ""); !ok {
		t.Fatal("processGroupMessages returned false on success")
	}
	if !ran {
		t.Error("runAgent should be invoked once a pending message matches the trigger pattern")
	}
}

func TestDispatchObservedGroup_RequireTrigger_SkipsUntriggeredBatch(t *testing.T) {
	database := openTestDB(t)
	q := queue.New(1, nil)
	ch := &fakeChannel{}

	const jid = "g1@ch"
	if err := database.SaveMessage(types.Message{ID: "1", ChatJID: jid, Content: "hi there", Timestamp: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	pattern := regexp.MustCompile(`(?i)^@bot\b`)
	r := New(database, q, ch, nil, time.Hour, true, pattern, nil)

	r.dispatchObservedGroup(context.Background(), jid)

	cursor, ok, err := database.GetCursor("last_agent_timestamp:" + jid)
	if err != nil || !ok || cursor != "2026-01-01T00:00:00Z" {
		t.Errorf("agent cursor after untriggered batch = (%q, %v, %v), want advanced past the batch", cursor, ok, err)
	}
}

func TestRecoverPendingMessages_ReenqueuesUnconsumedWork(t *testing.T) {
	database := openTestDB(t)
	q := queue.New(1, nil)
	ch := &fakeChannel{}

	const jid = "g1@ch"
	if err := database.RegisterGroup(types.RegisteredGroup{JID: jid, Name: "Team", Folder: "team", AddedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("RegisterGroup failed: %v", err)
	}
	if err := database.SaveMessage(types.Message{ID: "1", ChatJID: jid, Content: "hi", Timestamp: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	var calls int
	var mu sync.Mutex
	runAgent := func(ctx context.Context, jid, prompt string, onRecord func(types.AgentRecord)) (bool, bool, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return true, false, nil
	}
	r := New(database, q, ch, runAgent, time.Hour, false, nil, nil)

	if err := r.RecoverPendingMessages(); err != nil {
		t.Fatalf("RecoverPendingMessages failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("RecoverPendingMessages did not re-enqueue pending work")
}
