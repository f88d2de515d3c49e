// Package channel declares the adapter contract of spec.md §6. A channel
// (WhatsApp, Telegram, or any other transport) implements Adapter and
// drives the four Inbound callbacks as events arrive. No concrete transport
// is implemented here: the package holds the two interfaces, a Registry
// that routes outbound calls to the owning adapter, and Store, a
// database-backed Inbound implementation.
package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nanoclaw/core/internal/db"
	"github.com/nanoclaw/core/internal/types"
)

// Adapter is the capability set the core requires of a channel.
type Adapter interface {
	SendMessage(ctx context.Context, jid, text string) error
	SetTyping(ctx context.Context, jid string, typing bool) error // optional: no-op is fine
	Disconnect(ctx context.Context) error
	OwnsJID(jid string) bool
}

// Inbound is the set of callbacks an Adapter drives into the core.
type Inbound interface {
	OnMessage(jid string, msg types.Message)
	OnChatMetadata(meta types.ChatMetadata)
	OnOutgoingMessage(jid string, msg types.Message) // is_bot_message = true
	RegisteredGroups() ([]types.RegisteredGroup, error)
}

// Registry routes outbound sendMessage/setTyping calls to the adapter that
// owns a given jid, per §6 ("ownsJid used to route outbound text").
type Registry struct {
	mu       sync.RWMutex
	adapters []Adapter
	log      *slog.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log}
}

// Add registers an adapter.
func (r *Registry) Add(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters = append(r.adapters, a)
}

func (r *Registry) find(jid string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.OwnsJID(jid) {
			return a
		}
	}
	return nil
}

// SendMessage implements router.Channel by routing to the owning adapter.
func (r *Registry) SendMessage(ctx context.Context, jid, text string) error {
	a := r.find(jid)
	if a == nil {
		r.log.Warn("channel: no adapter owns jid, dropping outbound message", "jid", jid)
		return nil
	}
	return a.SendMessage(ctx, jid, text)
}

// SetTyping implements router.Channel, routing to the owning adapter. A
// missing adapter or one with no-op typing support is not an error.
func (r *Registry) SetTyping(ctx context.Context, jid string, typing bool) error {
	a := r.find(jid)
	if a == nil {
		return nil
	}
	return a.SetTyping(ctx, jid, typing)
}

// DisconnectAll disconnects every registered adapter, collecting the first
// error encountered while still attempting the rest.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.RLock()
	adapters := append([]Adapter(nil), r.adapters...)
	r.mu.RUnlock()

	var firstErr error
	for _, a := range adapters {
		if err := a.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Store implements Inbound by persisting every adapter event straight to
// the message store, including the chat-metadata upsert of §3 ("chat
// metadata ... upserted on every inbound event") that has no other caller.
type Store struct {
	db  *db.DB
	log *slog.Logger
}

// NewStore wraps database as the Inbound sink every channel adapter drives.
func NewStore(database *db.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: database, log: log}
}

// OnMessage persists an inbound chat message.
func (s *Store) OnMessage(jid string, msg types.Message) {
	msg.ChatJID = jid
	if err := s.db.SaveMessage(msg); err != nil {
		s.log.Warn("channel: save inbound message", "jid", jid, "error", err)
	}
}

// OnChatMetadata upserts the chat's display name, channel, and last-seen
// time.
func (s *Store) OnChatMetadata(meta types.ChatMetadata) {
	if err := s.db.UpsertChatMetadata(meta); err != nil {
		s.log.Warn("channel: upsert chat metadata", "jid", meta.JID, "error", err)
	}
}

// OnOutgoingMessage persists a bot-authored message, marking it so the
// Router's message queries exclude it from future agent prompts.
func (s *Store) OnOutgoingMessage(jid string, msg types.Message) {
	msg.ChatJID = jid
	msg.IsBotMessage = true
	if err := s.db.SaveMessage(msg); err != nil {
		s.log.Warn("channel: save outgoing message", "jid", jid, "error", err)
	}
}

// RegisteredGroups returns the groups adapters should poll/own.
func (s *Store) RegisteredGroups() ([]types.RegisteredGroup, error) {
	return s.db.GetRegisteredGroups()
}

var _ Inbound = (*Store)(nil)
