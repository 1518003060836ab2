package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/pkg/schema"
)

var terminalEvents = []string{
	schema.EventExecutionCompleted,
	schema.EventExecutionFailed,
	schema.EventExecutionRateLimited,
	schema.EventExecutionCancelled,
	schema.EventExecutionInterrupted,
}

// notificationSender is the subset of *server.MCPServer the notifier uses.
type notificationSender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// ExecutionNotifier tells the MCP client that started an execution when it ends.
type ExecutionNotifier struct {
	sender   notificationSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewExecutionNotifier creates a notifier that pushes over the client's MCP session.
func NewExecutionNotifier(sender notificationSender, sessions *SessionRegistry, logger *slog.Logger) *ExecutionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionNotifier{sender: sender, sessions: sessions, logger: logger}
}

// Watch forwards terminal execution events until ctx is done.
func (n *ExecutionNotifier) Watch(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: terminalEvents})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.Notify(ev); err != nil {
				n.logger.Warn("notify execution end",
					slog.String("execution_id", ev.ExecutionID), slog.Any("error", err))
			}
		}
	}
}

// Notify sends one terminal event to the session watching its execution.
// Best-effort: returns nil if no session is watching.
func (n *ExecutionNotifier) Notify(ev schema.ExecutionEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.ExecutionID)
	if !ok {
		return nil
	}
	n.sessions.Forget(ev.ExecutionID)

	payload := map[string]any{
		"level":  "info",
		"logger": "maestro",
		"data": map[string]any{
			"execution_id": ev.ExecutionID,
			"event":        ev.Type,
			"payload":      ev.Payload,
		},
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session closed between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
