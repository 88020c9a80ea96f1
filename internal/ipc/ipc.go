// Package ipc serves pool commands over NATS request/reply. Every instance
// joins the same queue group, so each request is handled exactly once.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/saleskingacademy/agentpool/internal/coordinator"
	"github.com/saleskingacademy/agentpool/internal/dispatch"
	"github.com/saleskingacademy/agentpool/internal/natsbus"
	"github.com/saleskingacademy/agentpool/internal/status"
	"github.com/saleskingacademy/agentpool/internal/store"
)

const (
	CmdSubmit    = "submit"
	CmdExecute   = "execute"
	CmdCancel    = "cancel"
	CmdGetTask   = "get_task"
	CmdListTasks = "list_tasks"
	CmdStatus    = "status"
)

// Error codes carried in Response.Code.
const (
	CodeInvalid  = "invalid"
	CodeNotFound = "not_found"
	CodeConflict = "conflict"
	CodeInternal = "internal"
)

type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK     bool             `json:"ok,omitempty"`
	Error  string           `json:"error,omitempty"`
	Code   string           `json:"code,omitempty"`
	Task   *store.Task      `json:"task,omitempty"`
	Tasks  []store.Task     `json:"tasks,omitempty"`
	Status *status.Snapshot `json:"status,omitempty"`
}

type taskRef struct {
	ID string `json:"id"`
}

type listRequest struct {
	Status string `json:"status"`
	Agent  string `json:"agent"`
	Limit  int    `json:"limit"`
}

type Server struct {
	dispatcher  *dispatch.Dispatcher
	coordinator *coordinator.Coordinator
	status      *status.Aggregator
	store       *store.Store

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
}

func NewServer(d *dispatch.Dispatcher, c *coordinator.Coordinator, agg *status.Aggregator, s *store.Store) *Server {
	return &Server{dispatcher: d, coordinator: c, status: agg, store: s}
}

// Start subscribes to the IPC topic. Requests are handled concurrently so a
// long execute does not hold up status queries.
func (s *Server) Start(ctx context.Context, client *natsbus.Client) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	sub, err := client.QueueSubscribe(natsbus.TopicIPC, natsbus.QueueIPC, func(msg *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	s.sub = sub
	slog.Info("ipc listening", "topic", natsbus.TopicIPC)
	return nil
}

func (s *Server) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Server) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respond(msg, Response{Error: "invalid command", Code: CodeInvalid})
		return
	}

	slog.Debug("IPC command received", "type", cmd.Type)
	respond(msg, s.Dispatch(s.ctx, cmd))
}

// Dispatch runs a single command and builds its response.
func (s *Server) Dispatch(ctx context.Context, cmd Command) Response {
	switch cmd.Type {
	case CmdSubmit:
		var sub dispatch.Submission
		if err := json.Unmarshal(cmd.Payload, &sub); err != nil {
			return Response{Error: "invalid payload", Code: CodeInvalid}
		}
		t, err := s.dispatcher.Submit(ctx, sub)
		return taskResponse(t, err)

	case CmdExecute:
		id, resp := taskID(cmd.Payload)
		if resp != nil {
			return *resp
		}
		t, err := s.coordinator.Execute(ctx, id)
		return taskResponse(t, err)

	case CmdCancel:
		id, resp := taskID(cmd.Payload)
		if resp != nil {
			return *resp
		}
		t, err := s.coordinator.Cancel(ctx, id)
		return taskResponse(t, err)

	case CmdGetTask:
		id, resp := taskID(cmd.Payload)
		if resp != nil {
			return *resp
		}
		t, err := s.store.GetTask(ctx, id)
		return taskResponse(t, err)

	case CmdListTasks:
		var req listRequest
		if len(cmd.Payload) > 0 {
			if err := json.Unmarshal(cmd.Payload, &req); err != nil {
				return Response{Error: "invalid payload", Code: CodeInvalid}
			}
		}
		filter := store.TaskFilter{Status: store.TaskStatus(req.Status), Agent: req.Agent, Limit: req.Limit}
		if filter.Status != "" && !filter.Status.Valid() {
			return Response{Error: "unknown status: " + req.Status, Code: CodeInvalid}
		}
		if filter.Limit <= 0 {
			filter.Limit = 50
		}
		tasks, err := s.store.ListTasks(ctx, filter)
		if err != nil {
			return errorResponse(err)
		}
		return Response{OK: true, Tasks: tasks}

	case CmdStatus:
		snap, err := s.status.Snapshot(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return Response{OK: true, Status: snap}

	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		return Response{Error: "unknown command: " + cmd.Type, Code: CodeInvalid}
	}
}

func taskID(payload json.RawMessage) (string, *Response) {
	var ref taskRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.ID == "" {
		return "", &Response{Error: "id is required", Code: CodeInvalid}
	}
	return ref.ID, nil
}

func taskResponse(t *store.Task, err error) Response {
	if err != nil {
		return errorResponse(err)
	}
	return Response{OK: true, Task: t}
}

func errorResponse(err error) Response {
	switch {
	case errors.Is(err, dispatch.ErrValidation):
		return Response{Error: err.Error(), Code: CodeInvalid}
	case errors.Is(err, store.ErrNotFound):
		return Response{Error: err.Error(), Code: CodeNotFound}
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		return Response{Error: err.Error(), Code: CodeConflict}
	default:
		slog.Error("ipc command failed", "error", err)
		return Response{Error: "internal error", Code: CodeInternal}
	}
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

// Requester is the part of natsbus.Client that callers need.
type Requester interface {
	Request(topic string, data []byte, timeout time.Duration) (*nats.Msg, error)
}

// Call sends one command and decodes the reply. A reply carrying an error is
// returned as the response, not as a Go error.
func Call(r Requester, cmdType string, payload any, timeout time.Duration) (*Response, error) {
	cmd := Command{Type: cmdType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		cmd.Payload = raw
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := r.Request(natsbus.TopicIPC, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}
