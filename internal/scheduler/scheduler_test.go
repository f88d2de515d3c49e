package scheduler

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nanoclaw/core/internal/db"
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

type fakeQueue struct {
	mu    sync.Mutex
	calls []struct{ jid, prompt string }
}

func (q *fakeQueue) EnqueueSyntheticPrompt(jid, prompt string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, struct{ jid, prompt string }{jid, prompt})
}

func TestComputeNext_OneShot(t *testing.T) {
	task := types.ScheduledTask{ScheduleType: types.ScheduleOneShot}
	next, status := computeNext(task, time.Now())
	if next != nil {
		t.Errorf("computeNext(one-shot) next = %v, want nil", next)
	}
	if status != types.TaskDone {
		t.Errorf("computeNext(one-shot) status = %v, want %v", status, types.TaskDone)
	}
}

func TestComputeNext_Interval(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	task := types.ScheduledTask{ScheduleType: types.ScheduleInterval, ScheduleValue: "1h"}
	next, status := computeNext(task, now)
	if status != types.TaskActive {
		t.Fatalf("computeNext(interval) status = %v, want active", status)
	}
	want := now.Add(time.Hour).Format(time.RFC3339)
	if next == nil || *next != want {
		t.Errorf("computeNext(interval) next = %v, want %q", next, want)
	}
}

func TestComputeNext_Interval_InvalidValuePauses(t *testing.T) {
	task := types.ScheduledTask{ScheduleType: types.ScheduleInterval, ScheduleValue: "not-a-duration"}
	next, status := computeNext(task, time.Now())
	if status != types.TaskPaused {
		t.Errorf("computeNext(bad interval) status = %v, want paused", status)
	}
	if next != nil {
		t.Errorf("computeNext(bad interval) next = %v, want nil", next)
	}
}

func TestComputeNext_Cron(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	task := types.ScheduledTask{ScheduleType: types.ScheduleCron, ScheduleValue: "0 9 * * *"}
	next, status := computeNext(task, now)
	if status != types.TaskActive {
		t.Fatalf("computeNext(cron) status = %v, want active", status)
	}
	want := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC).Format(time.RFC3339)
	if next == nil || *next != want {
		t.Errorf("computeNext(cron) next = %v, want %q", next, want)
	}
}

func TestComputeNext_Cron_InvalidValuePauses(t *testing.T) {
	task := types.ScheduledTask{ScheduleType: types.ScheduleCron, ScheduleValue: "not a cron expr"}
	_, status := computeNext(task, time.Now())
	if status != types.TaskPaused {
		t.Errorf("computeNext(bad cron) status = %v, want paused", status)
	}
}

func TestComputeNext_UnknownType(t *testing.T) {
	task := types.ScheduledTask{ScheduleType: types.ScheduleType("bogus")}
	next, status := computeNext(task, time.Now())
	if status != types.TaskPaused || next != nil {
		t.Errorf("computeNext(unknown) = (%v, %v), want (nil, paused)", next, status)
	}
}

func TestComputeInitialRun_OneShotUsesScheduleValueAsDueTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	due := now.Add(time.Hour).Format(time.RFC3339)
	task := types.ScheduledTask{ScheduleType: types.ScheduleOneShot, ScheduleValue: due}
	next, status := ComputeInitialRun(task, now)
	if status != types.TaskActive {
		t.Fatalf("ComputeInitialRun(one-shot) status = %v, want active", status)
	}
	if next == nil || *next != due {
		t.Errorf("ComputeInitialRun(one-shot) next = %v, want %q", next, due)
	}
}

func TestComputeInitialRun_OneShotInvalidTimestampPauses(t *testing.T) {
	task := types.ScheduledTask{ScheduleType: types.ScheduleOneShot, ScheduleValue: "not-a-timestamp"}
	next, status := ComputeInitialRun(task, time.Now())
	if status != types.TaskPaused || next != nil {
		t.Errorf("ComputeInitialRun(bad one-shot) = (%v, %v), want (nil, paused)", next, status)
	}
}

func TestComputeInitialRun_IntervalDelegatesToComputeNext(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	task := types.ScheduledTask{ScheduleType: types.ScheduleInterval, ScheduleValue: "1h"}
	next, status := ComputeInitialRun(task, now)
	want := now.Add(time.Hour).Format(time.RFC3339)
	if status != types.TaskActive || next == nil || *next != want {
		t.Errorf("ComputeInitialRun(interval) = (%v, %v), want (%q, active)", next, status, want)
	}
}

func TestRunDueTasks_DispatchesToRegisteredGroup(t *testing.T) {
	database := openTestDB(t)
	q := &fakeQueue{}
	s := New(database, q, time.Hour, nil)

	if err := database.RegisterGroup(types.RegisteredGroup{JID: "g1@ch", Name: "Team", Folder: "team", AddedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("RegisterGroup failed: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	task := types.ScheduledTask{
		ID: "t1", GroupFolder: "team", Prompt: "standup",
		ScheduleType: types.ScheduleOneShot, Status: types.TaskActive,
		NextRun: &past, CreatedAt: past,
	}
	if err := database.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	s.runDueTasks()

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.calls) != 1 {
		t.Fatalf("EnqueueSyntheticPrompt calls = %d, want 1", len(q.calls))
	}
	if q.calls[0].jid != "g1@ch" || q.calls[0].prompt != "standup" {
		t.Errorf("dispatch = %+v, want jid g1@ch prompt standup", q.calls[0])
	}

	all, err := database.GetAllTasks()
	if err != nil {
		t.Fatalf("GetAllTasks failed: %v", err)
	}
	if len(all) != 1 || all[0].Status != types.TaskDone {
		t.Errorf("one-shot task after dispatch = %+v, want status done", all)
	}
}

func TestRunDueTasks_SkipsUnregisteredGroup(t *testing.T) {
	database := openTestDB(t)
	q := &fakeQueue{}
	s := New(database, q, time.Hour, nil)

	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	task := types.ScheduledTask{
		ID: "t1", GroupFolder: "nosuchteam", Prompt: "standup",
		ScheduleType: types.ScheduleOneShot, Status: types.TaskActive,
		NextRun: &past, CreatedAt: past,
	}
	if err := database.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	s.runDueTasks()

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.calls) != 0 {
		t.Errorf("EnqueueSyntheticPrompt calls = %d, want 0 for an unregistered group", len(q.calls))
	}
}

func TestRunDueTasks_SkipsNotYetDue(t *testing.T) {
	database := openTestDB(t)
	q := &fakeQueue{}
	s := New(database, q, time.Hour, nil)

	if err := database.RegisterGroup(types.RegisteredGroup{JID: "g1@ch", Name: "Team", Folder: "team", AddedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("RegisterGroup failed: %v", err)
	}
	future := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	task := types.ScheduledTask{
		ID: "t1", GroupFolder: "team", Prompt: "standup",
		ScheduleType: types.ScheduleOneShot, Status: types.TaskActive,
		NextRun: &future, CreatedAt: future,
	}
	if err := database.CreateTask(task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	s.runDueTasks()

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.calls) != 0 {
		t.Errorf("EnqueueSyntheticPrompt calls = %d, want 0 before next_run", len(q.calls))
	}
}

func TestStop_UnblocksRun(t *testing.T) {
	database := openTestDB(t)
	q := &fakeQueue{}
	s := New(database, q, time.Millisecond, nil)

	go s.Run()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
