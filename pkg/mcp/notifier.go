package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/playbookd/pkg/schema"
)

const executionFinishedMethod = "notifications/message"

// ClientNotifier pushes notifications to connected clients.
type ClientNotifier interface {
	Notify(ctx context.Context, clientID string, payload map[string]any) error
}

// MCPNotifier implements ClientNotifier over the client's MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to mcpServer's sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the client's session. A client that is not
// connected is not an error.
func (n *MCPNotifier) Notify(_ context.Context, clientID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(clientID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, executionFinishedMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// finishedPayload describes a terminal execution for a notification.
func finishedPayload(st *schema.ExecutionState) map[string]any {
	payload := map[string]any{
		"level":  "info",
		"logger": "playbookd",
		"data": map[string]any{
			"event":        "execution_finished",
			"execution_id": st.ExecutionID,
			"playbook":     st.PlaybookName,
			"status":       string(st.Status),
		},
	}
	if st.Error != nil {
		payload["level"] = "error"
		payload["data"].(map[string]any)["error"] = st.Error
	}
	return payload
}
