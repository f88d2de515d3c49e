package tui

import (
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/nanoclaw/core/internal/db"
	"github.com/nanoclaw/core/internal/queue"
	"github.com/nanoclaw/core/internal/types"
)

// Controller wires the operator console's Model to the message store and
// Group Queue so injected messages flow through the same dispatch path as
// channel-originated ones.
type Controller struct {
	db      *db.DB
	queue   *queue.GroupQueue
	program *tea.Program
	log     *slog.Logger
}

// NewController builds a Model for groups and a Controller bound to it,
// returning both so the caller can run the bubbletea program.
func NewController(database *db.DB, q *queue.GroupQueue, groups []types.RegisteredGroup, log *slog.Logger) (Model, *Controller) {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{db: database, queue: q, log: log}
	model := New(groups, c.handleSend)
	return model, c
}

// Attach records the running program so the controller can push async
// updates back into it. The controller sends MessagesUpdatedMsg after an
// operator message is saved; it never sends ThinkingMsg.
func (c *Controller) Attach(p *tea.Program) {
	c.program = p
}

func (c *Controller) handleSend(chatJID, text string) {
	msg := types.Message{
		ID:         uuid.New().String(),
		ChatJID:    chatJID,
		Sender:     "operator",
		SenderName: "operator",
		Content:    text,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		IsFromMe:   true,
	}
	if err := c.db.SaveMessage(msg); err != nil {
		c.log.Warn("tui: save operator message", "jid", chatJID, "error", err)
		return
	}
	c.refresh(chatJID)
	c.queue.EnqueueMessageCheck(chatJID)
}

func (c *Controller) refresh(chatJID string) {
	if c.program == nil {
		return
	}
	msgs, err := c.db.GetRecentMessages(chatJID, 200)
	if err != nil {
		return
	}
	c.program.Send(MessagesUpdatedMsg{ChatJID: chatJID, Messages: msgs})
}
