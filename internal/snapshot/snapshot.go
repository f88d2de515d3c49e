// Package snapshot writes the small JSON files the Agent Runner drops into
// a group's workspace before starting a process, so the agent can read its
// own task list and the set of groups it can address (spec.md §4.3, §6).
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nanoclaw/core/internal/db"
	"github.com/nanoclaw/core/internal/types"
)

type taskEntry struct {
	ID            string  `json:"id"`
	GroupFolder   string  `json:"groupFolder"`
	Prompt        string  `json:"prompt"`
	ScheduleType  string  `json:"schedule_type"`
	ScheduleValue string  `json:"schedule_value"`
	Status        string  `json:"status"`
	NextRun       *string `json:"next_run"`
}

type groupEntry struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

// WriteTasks writes tasks.json into workspaceDir: tasks scoped to
// groupFolder, or every task if isMain is true.
func WriteTasks(database *db.DB, workspaceDir, groupFolder string, isMain bool) error {
	var tasks []types.ScheduledTask
	var err error
	if isMain {
		tasks, err = database.GetAllTasks()
	} else {
		tasks, err = database.GetTasksForGroup(groupFolder)
	}
	if err != nil {
		return fmt.Errorf("snapshot: load tasks: %w", err)
	}

	entries := make([]taskEntry, 0, len(tasks))
	for _, t := range tasks {
		entries = append(entries, taskEntry{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  string(t.ScheduleType),
			ScheduleValue: t.ScheduleValue,
			Status:        string(t.Status),
			NextRun:       t.NextRun,
		})
	}
	return writeJSON(filepath.Join(workspaceDir, "tasks.json"), entries)
}

// WriteGroups writes groups.json into workspaceDir: every registered chat
// the core knows about.
func WriteGroups(database *db.DB, workspaceDir string) error {
	groups, err := database.GetRegisteredGroups()
	if err != nil {
		return fmt.Errorf("snapshot: load registered groups: %w", err)
	}

	entries := make([]groupEntry, 0, len(groups))
	for _, g := range groups {
		entries = append(entries, groupEntry{
			JID:          g.JID,
			Name:         g.Name,
			LastActivity: g.AddedAt,
			IsRegistered: true,
		})
	}
	return writeJSON(filepath.Join(workspaceDir, "groups.json"), entries)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir for %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}
