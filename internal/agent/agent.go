// Package agent implements the Agent Runner of spec.md §4.3: it owns the
// lifecycle of one agent process per dispatch, translates its line-framed
// stdout stream into types.AgentRecord, and enforces the idle timeout and
// termination-classification rules. The default backend execs the agent
// inside a container via internal/container; a second backend drives an
// in-process Gemini/ADK agent instead (see adapter_adk.go), selected with
// AGENT_BACKEND=adk.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/core/internal/container"
	"github.com/nanoclaw/core/internal/db"
	"github.com/nanoclaw/core/internal/queue"
	"github.com/nanoclaw/core/internal/snapshot"
	"github.com/nanoclaw/core/internal/types"
)

// Registrar is the subset of the Group Queue the runner needs to hand its
// process handle back and to close its own stdin on idle timeout.
type Registrar interface {
	RegisterProcess(jid string, handle queue.Handle, containerName, groupFolder string)
	CloseStdin(jid string) error
}

// Dependencies wires the runner to the rest of the core.
type Dependencies struct {
	DB              *db.DB
	Queue           Registrar
	Container       *container.Manager
	GroupsDir       string
	IdleTimeout     time.Duration
	AssistantName   string
	MainGroupFolder string
	ContainerCmd    []string // entrypoint + args run inside the agent container

	Backend string // "container" (default) or "adk"
	ADK     *ADKBackend
}

// Runner drives one agent invocation to completion.
type Runner struct {
	deps Dependencies
	log  *slog.Logger
}

// New constructs a Runner.
func New(deps Dependencies, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{deps: deps, log: log}
}

// Run matches router.AgentRunFn: it resolves jid to its registered group,
// starts (or delegates to) the configured backend, and streams parsed
// records to onRecord until the agent terminates.
func (r *Runner) Run(ctx context.Context, jid, prompt string, onRecord func(types.AgentRecord)) (success bool, outputSentToUser bool, err error) {
	groups, err := r.deps.DB.GetRegisteredGroups()
	if err != nil {
		return false, false, fmt.Errorf("agent: list registered groups: %w", err)
	}
	var group *types.RegisteredGroup
	for i := range groups {
		if groups[i].JID == jid {
			group = &groups[i]
			break
		}
	}
	if group == nil {
		return false, false, fmt.Errorf("agent: jid %s is not registered", jid)
	}
	isMain := group.Folder == r.deps.MainGroupFolder

	workspaceDir := filepath.Join(r.deps.GroupsDir, group.Folder)
	if err := snapshot.WriteTasks(r.deps.DB, workspaceDir, group.Folder, isMain); err != nil {
		r.log.Warn("agent: write tasks.json", "group", group.Folder, "error", err)
	}
	if err := snapshot.WriteGroups(r.deps.DB, workspaceDir); err != nil {
		r.log.Warn("agent: write groups.json", "group", group.Folder, "error", err)
	}

	sessionID, _, err := r.deps.DB.GetSession(group.Folder)
	if err != nil {
		return false, false, fmt.Errorf("agent: get session: %w", err)
	}

	if r.deps.Backend == "adk" && r.deps.ADK != nil {
		return r.deps.ADK.run(ctx, jid, *group, isMain, sessionID, prompt, onRecord)
	}
	return r.runContainer(ctx, jid, *group, isMain, sessionID, prompt, onRecord, workspaceDir)
}

func (r *Runner) runContainer(
	ctx context.Context, jid string, group types.RegisteredGroup, isMain bool, sessionID, prompt string,
	onRecord func(types.AgentRecord), workspaceDir string,
) (success bool, outputSentToUser bool, err error) {
	containerName := fmt.Sprintf("nanoclaw-agent-%s-%s", sanitizeName(group.Folder), uuid.New().String()[:8])

	env := map[string]string{
		"ASSISTANT_NAME": r.deps.AssistantName,
		"CHAT_JID":       jid,
		"GROUP_FOLDER":   group.Folder,
		"IS_MAIN":        strconv.FormatBool(isMain),
		"SESSION_ID":     sessionID,
	}

	proc, err := r.deps.Container.Start(ctx, container.StartOptions{
		ContainerName: containerName,
		HostWorkspace: workspaceDir,
		Env:           env,
		Cmd:           r.deps.ContainerCmd,
	})
	if err != nil {
		return false, false, fmt.Errorf("agent: start container: %w", err)
	}

	r.deps.Queue.RegisterProcess(jid, proc, containerName, group.Folder)

	if err := proc.WriteLine(prompt); err != nil {
		_ = proc.Kill()
		return false, false, fmt.Errorf("agent: write prompt: %w", err)
	}

	idleCtx, cancelIdle := context.WithCancel(ctx)
	defer cancelIdle()
	resetIdle := make(chan struct{}, 1)
	go r.watchIdle(idleCtx, jid, resetIdle)

	hadStreamingOutput := false
	var tail strings.Builder
	scanner := bufio.NewScanner(proc.Reader())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		appendTail(&tail, line)
		var rec types.AgentRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			r.log.Warn("agent: dropped unparsable record", "group", group.Folder, "error", err)
			continue
		}

		select {
		case resetIdle <- struct{}{}:
		default:
		}

		if rec.NewSessionID != "" {
			if err := r.deps.DB.SaveSession(group.Folder, rec.NewSessionID, time.Now().UTC().Format(time.RFC3339)); err != nil {
				r.log.Warn("agent: persist session", "group", group.Folder, "error", err)
			}
		}
		if rec.HasResult() {
			hadStreamingOutput = true
		}
		onRecord(rec)
	}

	exitCode, waitErr := proc.Wait(ctx)
	if waitErr != nil {
		r.log.Warn("agent: wait for container", "group", group.Folder, "error", waitErr)
	}

	if classifyExit(exitCode, hadStreamingOutput) {
		return true, false, nil
	}
	return false, false, fmt.Errorf("agent: exit code %d with no streamed output, captured output: %s", exitCode, tail.String())
}

// classifyExit implements the §4.3 termination rule: a clean exit always
// succeeds, and a non-zero exit still succeeds if the agent already
// streamed a non-empty result, since that output has been sent to the user
// and must not be rolled back and redelivered. Only a non-zero exit with no
// streamed output is a failure.
func classifyExit(exitCode int, hadStreamingOutput bool) bool {
	return exitCode == 0 || hadStreamingOutput
}

// tailLimit bounds how much raw container output an error carries; agents
// rarely need more than a screenful to diagnose a crash.
const tailLimit = 4096

// appendTail keeps a bounded trailing window of raw lines for the
// no-streamed-output error path, since Tty-framed stdout/stderr are
// combined into a single stream and otherwise dropped once unmarshal fails.
func appendTail(tail *strings.Builder, line []byte) {
	if tail.Len() > tailLimit {
		kept := tail.String()
		kept = kept[len(kept)-tailLimit/2:]
		tail.Reset()
		tail.WriteString(kept)
	}
	tail.Write(line)
	tail.WriteByte('\n')
}

// watchIdle arms a timer for IdleTimeout and, on expiry, requests stdin be
// closed on the queue's behalf. Any receive on reset rearms it.
func (r *Runner) watchIdle(ctx context.Context, jid string, reset <-chan struct{}) {
	timer := time.NewTimer(r.deps.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reset:
			timer.Reset(r.deps.IdleTimeout)
		case <-timer.C:
			if err := r.deps.Queue.CloseStdin(jid); err != nil {
				r.log.Warn("agent: idle timeout close stdin", "jid", jid, "error", err)
			}
			return
		}
	}
}

func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	if len(out) == 0 {
		return "group"
	}
	return string(out)
}
