// Package scheduler implements the Task Scheduler of spec.md §4.4: a pure
// time-to-prompt converter that never talks to channels or cursors
// directly. It reuses the Group Queue's synthetic-prompt entry point to
// dispatch, so time-driven work flows through the same Agent Runner path
// as chat-driven work.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nanoclaw/core/internal/db"
	"github.com/nanoclaw/core/internal/types"
)

// Queue is the subset of the Group Queue the scheduler depends on.
type Queue interface {
	EnqueueSyntheticPrompt(jid, prompt string)
}

// Scheduler enumerates due tasks on a fixed cadence and dispatches them.
type Scheduler struct {
	db           *db.DB
	queue        Queue
	pollInterval time.Duration
	log          *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a Scheduler polling at pollInterval, which is set
// independently of the router's POLL_INTERVAL.
func New(database *db.DB, q Queue, pollInterval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		db:           database,
		queue:        q,
		pollInterval: pollInterval,
		log:          log,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run blocks, polling for due tasks until Stop is called or ctx-equivalent
// cancellation is signalled by the caller closing the process.
func (s *Scheduler) Run() {
	defer close(s.done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runDueTasks()
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) runDueTasks() {
	now := time.Now().UTC()
	tasks, err := s.db.GetDueTasks(now.Format(time.RFC3339))
	if err != nil {
		s.log.Warn("scheduler: fetch due tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	groups, err := s.db.GetRegisteredGroups()
	if err != nil {
		s.log.Warn("scheduler: list registered groups", "error", err)
		return
	}
	jidByFolder := make(map[string]string, len(groups))
	for _, g := range groups {
		jidByFolder[g.Folder] = g.JID
	}

	for _, t := range tasks {
		s.dispatch(t, jidByFolder, now)
	}
}

func (s *Scheduler) dispatch(t types.ScheduledTask, jidByFolder map[string]string, now time.Time) {
	jid, registered := jidByFolder[t.GroupFolder]
	if !registered {
		s.log.Warn("scheduler: task targets an unregistered group, skipping", "task", t.ID, "group_folder", t.GroupFolder)
		return
	}

	nextRun, status := computeNext(t, now)

	// Persist before dispatch: at-most-once semantics (§4.4 step 4).
	if err := s.db.UpdateTaskSchedule(t.ID, nextRun, status); err != nil {
		s.log.Warn("scheduler: persist task schedule", "task", t.ID, "error", err)
		return
	}

	s.queue.EnqueueSyntheticPrompt(jid, t.Prompt)
}

// ComputeInitialRun derives the next_run/status for a task that has never
// been dispatched, used by the administrative IPC surface's create_task
// handler. One-shot tasks carry their due time directly in ScheduleValue
// (an RFC3339 timestamp), since computeNext's one-shot case only knows how
// to retire a task after it already fired, not how to schedule its first
// run.
func ComputeInitialRun(t types.ScheduledTask, now time.Time) (*string, types.TaskStatus) {
	if t.ScheduleType == types.ScheduleOneShot {
		if _, err := time.Parse(time.RFC3339, t.ScheduleValue); err != nil {
			return nil, types.TaskPaused
		}
		due := t.ScheduleValue
		return &due, types.TaskActive
	}
	return computeNext(t, now)
}

// computeNext advances a task's schedule from now, per §4.4 step 3.
func computeNext(t types.ScheduledTask, now time.Time) (*string, types.TaskStatus) {
	switch t.ScheduleType {
	case types.ScheduleOneShot:
		return nil, types.TaskDone
	case types.ScheduleInterval:
		d, err := time.ParseDuration(t.ScheduleValue)
		if err != nil {
			return nil, types.TaskPaused
		}
		next := now.Add(d).Format(time.RFC3339)
		return &next, types.TaskActive
	case types.ScheduleCron:
		schedule, err := cron.ParseStandard(t.ScheduleValue)
		if err != nil {
			return nil, types.TaskPaused
		}
		next := schedule.Next(now).Format(time.RFC3339)
		return &next, types.TaskActive
	default:
		return nil, types.TaskPaused
	}
}
