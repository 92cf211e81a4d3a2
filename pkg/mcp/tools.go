package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/playbookd/internal/engine"
	"github.com/rendis/playbookd/internal/playbooks"
	"github.com/rendis/playbookd/internal/store"
	"github.com/rendis/playbookd/internal/streaming"
	"github.com/rendis/playbookd/pkg/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleRun starts a playbook, optionally waiting for it to finish.
func (s *PlaybookServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("playbook")
	if err != nil {
		return mcp.NewToolResultError("playbook is required"), nil
	}
	if s.manager == nil || s.catalog == nil {
		return mcp.NewToolResultError("execution manager is not configured"), nil
	}
	params := mcp.ParseStringMap(req, "parameters", nil)
	clientID := req.GetString("client_id", "")

	pb, err := s.catalog.Get(name)
	if err != nil {
		return toolError("playbook lookup failed", err), nil
	}
	if s.validator != nil {
		if err := s.validator.ValidateInputs(pb, params); err != nil {
			return toolError("invalid parameters", err), nil
		}
	}

	x, err := s.manager.StartPlaybook(ctx, pb, params, engine.RunOptions{
		ExecutionID: req.GetString("execution_id", ""),
		DebugMode:   req.GetBool("debug_mode", false),
	})
	if err != nil {
		return toolError("start failed", err), nil
	}
	s.logger.InfoContext(ctx, "execution started via MCP", "execution_id", x.ID(), "playbook", pb.Ref(), "client_id", clientID)

	if clientID != "" {
		s.captureSession(ctx, clientID)
		go s.notifyWhenDone(x, clientID)
	}

	if !req.GetBool("wait", false) {
		return marshalResult(x.Snapshot())
	}
	st, err := x.Wait(ctx)
	if st == nil {
		return toolError("wait failed", err), nil
	}
	return marshalResult(st)
}

// handleStatus returns the current state of an execution.
func (s *PlaybookServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	if s.manager == nil {
		return mcp.NewToolResultError("execution manager is not configured"), nil
	}

	st, err := s.manager.Status(ctx, id)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(st)
}

// handleSignal delivers a control signal and records it as an event.
func (s *PlaybookServer) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	raw, err := req.RequireString("signal")
	if err != nil {
		return mcp.NewToolResultError("signal is required"), nil
	}
	sig, err := schema.ParseSignal(raw)
	if err != nil {
		return toolError("invalid signal", err), nil
	}
	if s.manager == nil {
		return mcp.NewToolResultError("execution manager is not configured"), nil
	}

	clientID := req.GetString("client_id", "")
	if clientID != "" {
		s.captureSession(ctx, clientID)
	}

	if err := s.manager.Signal(ctx, id, sig); err != nil {
		return toolError("signal failed", err), nil
	}
	streaming.Emit(ctx, s.hub, s.events, s.logger, id, "", schema.EventSignalReceived, map[string]any{
		"signal":    string(sig),
		"source":    "mcp",
		"client_id": clientID,
	})

	result := map[string]any{
		"ok":           true,
		"execution_id": id,
		"signal":       string(sig),
	}
	if st, err := s.manager.Status(ctx, id); err == nil {
		result["status"] = st.Status
	}
	return marshalResult(result)
}

// handleList lists loaded playbooks.
func (s *PlaybookServer) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return mcp.NewToolResultError("playbook catalog is not configured"), nil
	}
	domain := req.GetString("domain", "")
	out := make([]playbooks.Summary, 0)
	for _, sum := range s.catalog.List() {
		if domain != "" && string(sum.Domain) != domain {
			continue
		}
		out = append(out, sum)
	}
	return marshalResult(map[string]any{"playbooks": out, "count": len(out)})
}

// handleExecutionList lists executions matching the filter.
func (s *PlaybookServer) handleExecutionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.manager == nil {
		return mcp.NewToolResultError("execution manager is not configured"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	ef := store.ExecutionFilter{
		Limit:  min(extractInt(filter, "limit", defaultListLimit), maxListLimit),
		Offset: max(extractInt(filter, "offset", 0), 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.ExecutionStatus(status)
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", status)), nil
		}
		ef.Status = &st
	}
	if name, ok := filter["playbook"].(string); ok {
		ef.PlaybookName = name
	}
	if parent, ok := filter["parent_execution_id"].(string); ok {
		ef.ParentExecutionID = parent
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError("since must be an RFC 3339 timestamp"), nil
		}
		ef.Since = &t
	}

	list, err := s.manager.List(ctx, ef)
	if err != nil {
		return toolError("query failed", err), nil
	}
	if list == nil {
		list = []*schema.ExecutionState{}
	}
	return marshalResult(map[string]any{"executions": list, "count": len(list)})
}

// --- Internal helpers ---

// notifyWhenDone tells clientID when x reaches a terminal status.
func (s *PlaybookServer) notifyWhenDone(x *engine.Execution, clientID string) {
	<-x.Done()
	st := x.Snapshot()
	if err := s.notifier.Notify(context.Background(), clientID, finishedPayload(st)); err != nil {
		s.logger.Warn("execution notification failed", "execution_id", st.ExecutionID, "client_id", clientID, "error", err)
	}
}

// captureSession maps the client ID to its current MCP session for notifications.
func (s *PlaybookServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// toolError renders err as a tool error, keeping the structured code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if engErr := schema.AsEngineError(err); engErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, engErr.Code, engErr.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
