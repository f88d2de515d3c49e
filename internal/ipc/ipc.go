// Package ipc exposes a small administrative channel over a Unix domain
// socket: register a group, create a scheduled task, or enqueue a
// synthetic prompt without going through a chat channel at all. This is
// peripheral to the core dispatch path (§4.1-§4.4) but useful for local
// tooling and the operator console.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/core/internal/config"
	"github.com/nanoclaw/core/internal/db"
	"github.com/nanoclaw/core/internal/queue"
	"github.com/nanoclaw/core/internal/scheduler"
	"github.com/nanoclaw/core/internal/types"
)

// Request is one administrative command sent over the socket.
type Request struct {
	Command string `json:"command"` // "register_group" | "create_task" | "enqueue_prompt" | "list_groups"

	JID           string `json:"jid,omitempty"`
	Name          string `json:"name,omitempty"`
	Folder        string `json:"folder,omitempty"`
	Trigger       string `json:"trigger,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
}

// Response is returned for every Request.
type Response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Server listens on a Unix socket and dispatches Requests against the
// core's database and queue.
type Server struct {
	socketPath string
	listener   net.Listener
	db         *db.DB
	queue      *queue.GroupQueue
	root       string
	log        *slog.Logger
}

// NewServer creates (replacing any stale socket file) a listener at
// <socketDir>/nanoclaw.sock.
func NewServer(socketDir string, database *db.DB, q *queue.GroupQueue, workspaceRoot string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return nil, fmt.Errorf("ipc: mkdir %s: %w", socketDir, err)
	}
	socketPath := filepath.Join(socketDir, "nanoclaw.sock")
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o770); err != nil {
		listener.Close()
		return nil, fmt.Errorf("ipc: chmod %s: %w", socketPath, err)
	}

	return &Server{socketPath: socketPath, listener: listener, db: database, queue: q, root: workspaceRoot, log: log}, nil
}

// Serve blocks, accepting connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			s.log.Warn("ipc: accept", "error", err)
			continue
		}
		go s.handle(conn)
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	decoder := json.NewDecoder(reader)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		_ = encoder.Encode(Response{OK: false, Error: err.Error()})
		return
	}
	_ = encoder.Encode(s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Command {
	case "register_group":
		folder, err := config.ValidateFolder(s.root, req.Folder)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		g := types.RegisteredGroup{JID: req.JID, Name: req.Name, Folder: folder, Trigger: req.Trigger}
		if err := s.db.RegisterGroup(g); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true}

	case "create_task":
		now := time.Now().UTC()
		t := types.ScheduledTask{
			ID:            uuid.New().String(),
			GroupFolder:   req.Folder,
			Prompt:        req.Prompt,
			ScheduleType:  types.ScheduleType(req.ScheduleType),
			ScheduleValue: req.ScheduleValue,
			CreatedAt:     now.Format(time.RFC3339),
		}
		t.NextRun, t.Status = scheduler.ComputeInitialRun(t, now)
		if err := s.db.CreateTask(t); err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Result: t}

	case "enqueue_prompt":
		s.queue.EnqueueSyntheticPrompt(req.JID, req.Prompt)
		return Response{OK: true}

	case "list_groups":
		groups, err := s.db.GetRegisteredGroups()
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
		return Response{OK: true, Result: groups}

	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

// Client is a minimal caller for the administrative socket, useful for a
// CLI companion to the daemon.
type Client struct {
	socketPath string
}

// NewClient targets the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends req and waits for the Response.
func (c *Client) Call(req Request) (Response, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("ipc: encode request: %w", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("ipc: decode response: %w", err)
	}
	return resp, nil
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
