// Secondary Agent Runner backend: an in-process Gemini agent driven
// through google.golang.org/adk instead of a container. Selected with
// AGENT_BACKEND=adk. Unlike the container backend it produces exactly one
// streamed record per invocation rather than a line-framed sequence, since
// the ADK runner itself buffers the model's output.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/nanoclaw/core/internal/types"
)

const defaultGeminiModel = "gemini-2.0-flash"

// ADKBackend drives one Gemini-backed ADK agent per group folder.
type ADKBackend struct {
	GroupsDir string
	AppName   string
}

func (b *ADKBackend) run(
	ctx context.Context, jid string, group types.RegisteredGroup, isMain bool, sessionID, prompt string,
	onRecord func(types.AgentRecord),
) (success bool, outputSentToUser bool, err error) {
	text, newSessionID, runErr := b.runAgent(ctx, group.Folder, sessionID, prompt)
	if runErr != nil {
		onRecord(types.AgentRecord{Status: types.AgentError, Error: runErr.Error()})
		return false, false, runErr
	}
	onRecord(types.AgentRecord{Status: types.AgentSuccess, Result: text, NewSessionID: newSessionID})
	return true, false, nil
}

func (b *ADKBackend) runAgent(ctx context.Context, groupFolder, sessionID, prompt string) (string, string, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		return "", "", fmt.Errorf("GOOGLE_API_KEY environment variable not set")
	}

	modelName := defaultGeminiModel
	if m := os.Getenv("GEMINI_MODEL"); m != "" {
		modelName = m
	}

	model, err := gemini.NewModel(ctx, modelName, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return "", "", fmt.Errorf("create gemini model: %w", err)
	}

	instruction := b.loadInstruction(groupFolder)

	a, err := llmagent.New(llmagent.Config{
		Name:        groupFolder,
		Model:       model,
		Instruction: instruction,
		Description: fmt.Sprintf("Assistant for group %s", groupFolder),
	})
	if err != nil {
		return "", "", fmt.Errorf("create llm agent: %w", err)
	}

	sessionSvc := session.InMemoryService()
	appName := b.AppName
	if appName == "" {
		appName = "nanoclaw"
	}
	userID := "user"
	if sessionID == "" {
		sessionID = groupFolder
	}

	_, err = sessionSvc.Create(ctx, &session.CreateRequest{
		AppName:   appName,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return "", "", fmt.Errorf("create session: %w", err)
	}

	r, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          a,
		SessionService: sessionSvc,
	})
	if err != nil {
		return "", "", fmt.Errorf("create runner: %w", err)
	}

	userMsg := genai.NewContentFromText(prompt, genai.RoleUser)

	var sb strings.Builder
	for event, evErr := range r.Run(ctx, userID, sessionID, userMsg, agent.RunConfig{}) {
		if evErr != nil {
			return "", "", fmt.Errorf("agent run: %w", evErr)
		}
		if event.Content != nil {
			for _, part := range event.Content.Parts {
				if part.Text != "" {
					sb.WriteString(part.Text)
				}
			}
		}
	}

	return sb.String(), sessionID, nil
}

func (b *ADKBackend) loadInstruction(groupFolder string) string {
	path := filepath.Join(b.GroupsDir, groupFolder, "CLAUDE.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return "You are a helpful assistant."
	}
	return string(data)
}
