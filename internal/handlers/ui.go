package handlers

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/rendis/playbookd/internal/bounded"
)

// UIDriver is the narrow browser automation surface used by the browser.*
// and designer.* handlers. Implementations must honour ctx.
type UIDriver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Text(ctx context.Context, selector string) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// UIHandlers returns navigate, click, fill, verify_text, wait_for and
// screenshot under the given domain prefix ("browser" or "designer").
func UIHandlers(prefix string, driver UIDriver, waitIncrement time.Duration) []Handler {
	d := uiDeps{prefix: prefix, driver: driver, increment: waitIncrement}
	return []Handler{
		&uiNavigate{d},
		&uiClick{d},
		&uiFill{d},
		&uiVerifyText{d},
		&uiWaitFor{d},
		&uiScreenshot{d},
	}
}

type uiDeps struct {
	prefix    string
	driver    UIDriver
	increment time.Duration
}

func (d uiDeps) name(action string) string { return d.prefix + "." + action }

func (d uiDeps) wrap(action string, err error) error {
	return gatewayErr(d.name(action), err)
}

// --- navigate ---

type uiNavigate struct{ uiDeps }

func (h *uiNavigate) Type() string { return h.name("navigate") }

func (h *uiNavigate) Describe() HandlerInfo {
	return HandlerInfo{Description: "Open a URL.", Required: []string{"url"}}
}

func (h *uiNavigate) Validate(params map[string]any) error {
	return requireParams(h.Type(), params, "url")
}

func (h *uiNavigate) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	u := stringParam(input.Params, "url", "")
	if err := h.driver.Navigate(ctx, u); err != nil {
		return nil, h.wrap("navigate", err)
	}
	return Data(map[string]any{"url": u}), nil
}

// --- click ---

type uiClick struct{ uiDeps }

func (h *uiClick) Type() string { return h.name("click") }

func (h *uiClick) Describe() HandlerInfo {
	return HandlerInfo{Description: "Click an element.", Required: []string{"selector"}}
}

func (h *uiClick) Validate(params map[string]any) error {
	return requireParams(h.Type(), params, "selector")
}

func (h *uiClick) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	sel := stringParam(input.Params, "selector", "")
	if err := h.driver.Click(ctx, sel); err != nil {
		return nil, h.wrap("click", err)
	}
	return Data(map[string]any{"selector": sel}), nil
}

// --- fill ---

type uiFill struct{ uiDeps }

func (h *uiFill) Type() string { return h.name("fill") }

func (h *uiFill) Describe() HandlerInfo {
	return HandlerInfo{Description: "Type a value into an input.", Required: []string{"selector", "value"}}
}

func (h *uiFill) Validate(params map[string]any) error {
	return requireParams(h.Type(), params, "selector", "value")
}

func (h *uiFill) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	sel := stringParam(input.Params, "selector", "")
	if err := h.driver.Fill(ctx, sel, stringify(input.Params["value"])); err != nil {
		return nil, h.wrap("fill", err)
	}
	return Data(map[string]any{"selector": sel}), nil
}

// --- verify_text ---

type uiVerifyText struct{ uiDeps }

func (h *uiVerifyText) Type() string { return h.name("verify_text") }

func (h *uiVerifyText) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Poll until an element's text contains the expected value.",
		Required:    []string{"selector", "text"},
		Optional:    []string{"timeout", "interval", "exact"},
	}
}

func (h *uiVerifyText) Validate(params map[string]any) error {
	return requireParams(h.Type(), params, "selector", "text")
}

func (h *uiVerifyText) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	sel := stringParam(input.Params, "selector", "")
	want := stringify(input.Params["text"])
	exact := boolParam(input.Params, "exact", false)
	timeout, err := durationParam(input.Params, "timeout", 10*time.Second)
	if err != nil {
		return nil, err
	}
	interval, err := durationParam(input.Params, "interval", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}

	var last string
	err = bounded.Poll(ctx, func(ctx context.Context) (bool, error) {
		text, err := h.driver.Text(ctx, sel)
		if err != nil {
			// Element may not be rendered yet.
			return false, nil
		}
		last = text
		if exact {
			return strings.TrimSpace(text) == want, nil
		}
		return strings.Contains(text, want), nil
	}, timeout, interval, bounded.WithIncrement(h.increment))
	if err != nil {
		return nil, withDetails(err, map[string]any{"selector": sel, "expected": want, "actual": last})
	}
	return Data(map[string]any{"selector": sel, "text": last}), nil
}

// --- wait_for ---

type uiWaitFor struct{ uiDeps }

func (h *uiWaitFor) Type() string { return h.name("wait_for") }

func (h *uiWaitFor) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Poll until a selector exists.",
		Required:    []string{"selector"},
		Optional:    []string{"timeout", "interval"},
	}
}

func (h *uiWaitFor) Validate(params map[string]any) error {
	return requireParams(h.Type(), params, "selector")
}

func (h *uiWaitFor) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	sel := stringParam(input.Params, "selector", "")
	timeout, err := durationParam(input.Params, "timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	interval, err := durationParam(input.Params, "interval", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	err = bounded.Poll(ctx, func(ctx context.Context) (bool, error) {
		ok, err := h.driver.Exists(ctx, sel)
		return err == nil && ok, nil
	}, timeout, interval, bounded.WithIncrement(h.increment))
	if err != nil {
		return nil, withDetails(err, map[string]any{"selector": sel})
	}
	return Data(map[string]any{"selector": sel, "found": true}), nil
}

// --- screenshot ---

type uiScreenshot struct{ uiDeps }

func (h *uiScreenshot) Type() string { return h.name("screenshot") }

func (h *uiScreenshot) Describe() HandlerInfo {
	return HandlerInfo{Description: "Capture the current page as base64 PNG.", Optional: []string{"result_variable"}}
}

func (h *uiScreenshot) Validate(map[string]any) error { return nil }

func (h *uiScreenshot) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	img, err := h.driver.Screenshot(ctx)
	if err != nil {
		return nil, h.wrap("screenshot", err)
	}
	encoded := base64.StdEncoding.EncodeToString(img)
	out := Data(map[string]any{"png_base64": encoded, "bytes": len(img)})
	if name := stringParam(input.Params, "result_variable", ""); name != "" {
		out.Variables = map[string]any{name: encoded}
	}
	return out, nil
}
