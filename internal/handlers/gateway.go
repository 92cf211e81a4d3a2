package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/playbookd/internal/bounded"
	"github.com/rendis/playbookd/internal/expressions"
	"github.com/rendis/playbookd/pkg/schema"
)

// Module is an installed gateway module.
type Module struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	State   string `json:"state"`
}

// GatewayResponse is the result of a raw gateway REST call.
type GatewayResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// GatewayClient is the narrow surface the gateway.* handlers drive.
// Every method must honour ctx cancellation.
type GatewayClient interface {
	Login(ctx context.Context, username, password string) error
	Logout(ctx context.Context) error
	Ping(ctx context.Context) (map[string]any, error)
	ListModules(ctx context.Context) ([]Module, error)
	UploadModule(ctx context.Context, path string) (*Module, error)
	ModuleState(ctx context.Context, id string) (string, error)
	Restart(ctx context.Context) error
	Request(ctx context.Context, method, path string, body any) (*GatewayResponse, error)
}

// GatewayDeps holds what the gateway.* handlers need.
type GatewayDeps struct {
	Client        GatewayClient
	JQ            *expressions.GoJQEngine
	WaitIncrement time.Duration
}

// GatewayHandlers returns the gateway.* handler family.
func GatewayHandlers(deps GatewayDeps) []Handler {
	return []Handler{
		&gatewayLogin{deps},
		&gatewayLogout{deps},
		&gatewayPing{deps},
		&gatewayListModules{deps},
		&gatewayUploadModule{deps},
		&gatewayWaitModule{deps},
		&gatewayRestart{deps},
		&gatewayRequest{deps},
	}
}

func (d GatewayDeps) poll(ctx context.Context, cond bounded.Condition, timeout, interval time.Duration) error {
	return bounded.Poll(ctx, cond, timeout, interval, bounded.WithIncrement(d.WaitIncrement))
}

// gatewayErr wraps a client failure as a retryable step error unless it
// already carries a code.
func gatewayErr(stepType string, err error) error {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	return execErr(stepType, "%v", err).WithCause(err)
}

// --- gateway.login ---

type gatewayLogin struct{ deps GatewayDeps }

func (h *gatewayLogin) Type() string { return "gateway.login" }

func (h *gatewayLogin) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Authenticate against the gateway. Accepts a credential object or username/password.",
		Optional:    []string{"credential", "username", "password"},
	}
}

func (h *gatewayLogin) Validate(params map[string]any) error {
	if _, ok := params["credential"]; ok {
		return nil
	}
	return requireParams(h.Type(), params, "username", "password")
}

func (h *gatewayLogin) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	user := stringParam(input.Params, "username", "")
	pass := stringParam(input.Params, "password", "")
	if cred := mapParam(input.Params, "credential"); cred != nil {
		user = stringParam(cred, "username", user)
		pass = stringParam(cred, "password", pass)
	}
	if err := h.deps.Client.Login(ctx, user, pass); err != nil {
		return nil, gatewayErr(h.Type(), err)
	}
	return Data(map[string]any{"authenticated": true, "username": user}), nil
}

// --- gateway.logout ---

type gatewayLogout struct{ deps GatewayDeps }

func (h *gatewayLogout) Type() string { return "gateway.logout" }

func (h *gatewayLogout) Describe() HandlerInfo {
	return HandlerInfo{Description: "End the gateway session."}
}

func (h *gatewayLogout) Validate(map[string]any) error { return nil }

func (h *gatewayLogout) Execute(ctx context.Context, _ StepInput) (*StepOutput, error) {
	if err := h.deps.Client.Logout(ctx); err != nil {
		return nil, gatewayErr(h.Type(), err)
	}
	return Data(map[string]any{"authenticated": false}), nil
}

// --- gateway.ping ---

type gatewayPing struct{ deps GatewayDeps }

func (h *gatewayPing) Type() string { return "gateway.ping" }

func (h *gatewayPing) Describe() HandlerInfo {
	return HandlerInfo{Description: "Fetch gateway status."}
}

func (h *gatewayPing) Validate(map[string]any) error { return nil }

func (h *gatewayPing) Execute(ctx context.Context, _ StepInput) (*StepOutput, error) {
	status, err := h.deps.Client.Ping(ctx)
	if err != nil {
		return nil, gatewayErr(h.Type(), err)
	}
	return Data(status), nil
}

// --- gateway.list_modules ---

type gatewayListModules struct{ deps GatewayDeps }

func (h *gatewayListModules) Type() string { return "gateway.list_modules" }

func (h *gatewayListModules) Describe() HandlerInfo {
	return HandlerInfo{Description: "List installed modules.", Optional: []string{"result_variable"}}
}

func (h *gatewayListModules) Validate(map[string]any) error { return nil }

func (h *gatewayListModules) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	mods, err := h.deps.Client.ListModules(ctx)
	if err != nil {
		return nil, gatewayErr(h.Type(), err)
	}
	list := make([]any, len(mods))
	for i, m := range mods {
		list[i] = map[string]any{"id": m.ID, "name": m.Name, "version": m.Version, "state": m.State}
	}
	out := Data(map[string]any{"modules": list, "count": len(list)})
	if name := stringParam(input.Params, "result_variable", ""); name != "" {
		out.Variables = map[string]any{name: list}
	}
	return out, nil
}

// --- gateway.upload_module ---

type gatewayUploadModule struct{ deps GatewayDeps }

func (h *gatewayUploadModule) Type() string { return "gateway.upload_module" }

func (h *gatewayUploadModule) Describe() HandlerInfo {
	return HandlerInfo{Description: "Upload a module file to the gateway.", Required: []string{"file"}}
}

func (h *gatewayUploadModule) Validate(params map[string]any) error {
	return requireParams(h.Type(), params, "file")
}

func (h *gatewayUploadModule) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	mod, err := h.deps.Client.UploadModule(ctx, stringParam(input.Params, "file", ""))
	if err != nil {
		return nil, gatewayErr(h.Type(), err)
	}
	return Data(map[string]any{"id": mod.ID, "name": mod.Name, "version": mod.Version, "state": mod.State}), nil
}

// --- gateway.wait_module ---

type gatewayWaitModule struct{ deps GatewayDeps }

func (h *gatewayWaitModule) Type() string { return "gateway.wait_module" }

func (h *gatewayWaitModule) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Poll until a module reaches the expected state.",
		Required:    []string{"module"},
		Optional:    []string{"state", "timeout", "interval"},
	}
}

func (h *gatewayWaitModule) Validate(params map[string]any) error {
	return requireParams(h.Type(), params, "module")
}

func (h *gatewayWaitModule) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	id := stringParam(input.Params, "module", "")
	want := stringParam(input.Params, "state", "RUNNING")
	timeout, err := durationParam(input.Params, "timeout", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	interval, err := durationParam(input.Params, "interval", 2*time.Second)
	if err != nil {
		return nil, err
	}

	var last string
	err = h.deps.poll(ctx, func(ctx context.Context) (bool, error) {
		state, err := h.deps.Client.ModuleState(ctx, id)
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			last = "ABSENT"
			return false, nil
		}
		if err != nil {
			return false, gatewayErr(h.Type(), err)
		}
		last = state
		return state == want, nil
	}, timeout, interval)
	if err != nil {
		return nil, withDetails(err, map[string]any{"module": id, "last_state": last, "expected": want})
	}
	return Data(map[string]any{"module": id, "state": last}), nil
}

// --- gateway.restart ---

type gatewayRestart struct{ deps GatewayDeps }

func (h *gatewayRestart) Type() string { return "gateway.restart" }

func (h *gatewayRestart) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Restart the gateway and wait until it answers again.",
		Optional:    []string{"timeout", "interval"},
	}
}

func (h *gatewayRestart) Validate(map[string]any) error { return nil }

func (h *gatewayRestart) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	timeout, err := durationParam(input.Params, "timeout", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	interval, err := durationParam(input.Params, "interval", 5*time.Second)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Client.Restart(ctx); err != nil {
		return nil, gatewayErr(h.Type(), err)
	}

	start := time.Now()
	// Ping errors are expected while the gateway is down.
	err = h.deps.poll(ctx, func(ctx context.Context) (bool, error) {
		_, perr := h.deps.Client.Ping(ctx)
		return perr == nil, nil
	}, timeout, interval)
	if err != nil {
		return nil, err
	}
	return Data(map[string]any{"restarted": true, "downtime_ms": time.Since(start).Milliseconds()}), nil
}

// --- gateway.request ---

type gatewayRequest struct{ deps GatewayDeps }

func (h *gatewayRequest) Type() string { return "gateway.request" }

func (h *gatewayRequest) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Call a gateway REST endpoint; optionally extract a value with a jq query.",
		Required:    []string{"path"},
		Optional:    []string{"method", "body", "extract", "result_variable", "expect_status"},
	}
}

func (h *gatewayRequest) Validate(params map[string]any) error {
	if err := requireParams(h.Type(), params, "path"); err != nil {
		return err
	}
	if q := stringParam(params, "extract", ""); q != "" && h.deps.JQ != nil {
		return h.deps.JQ.Check(q)
	}
	return nil
}

func (h *gatewayRequest) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	method := stringParam(input.Params, "method", "GET")
	resp, err := h.deps.Client.Request(ctx, method, stringParam(input.Params, "path", ""), input.Params["body"])
	if err != nil {
		return nil, gatewayErr(h.Type(), err)
	}

	data := map[string]any{"status_code": resp.StatusCode, "body": resp.Body, "duration_ms": resp.DurationMs}
	if want := intParam(input.Params, "expect_status", 0); want != 0 && resp.StatusCode != want {
		return nil, execErr(h.Type(), "expected status %d, got %d", want, resp.StatusCode).WithDetails(data)
	}

	result := resp.Body
	if q := stringParam(input.Params, "extract", ""); q != "" {
		if h.deps.JQ == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "gateway.request: extract requires a jq engine")
		}
		result, err = h.deps.JQ.Query(ctx, q, resp.Body)
		if err != nil {
			return nil, err
		}
		data["extracted"] = result
	}

	out := Data(data)
	if name := stringParam(input.Params, "result_variable", ""); name != "" {
		out.Variables = map[string]any{name: result}
	}
	return out, nil
}
