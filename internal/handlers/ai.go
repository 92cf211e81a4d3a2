package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/playbookd/internal/expressions"
	"github.com/rendis/playbookd/pkg/schema"
)

// AIRequest is a single prompt to the assistant.
type AIRequest struct {
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Model   string         `json:"model,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// AIResponse is the assistant's answer.
type AIResponse struct {
	Answer string `json:"answer"`
	Model  string `json:"model,omitempty"`
}

// AIClient is the narrow assistant surface the ai.* handlers drive.
type AIClient interface {
	Ask(ctx context.Context, req AIRequest) (*AIResponse, error)
}

// AIDeps holds what the ai.* handlers need.
type AIDeps struct {
	Client AIClient
	CEL    *expressions.CELEngine
}

// AIHandlers returns ai.ask and ai.verify.
func AIHandlers(deps AIDeps) []Handler {
	return []Handler{&aiAsk{deps}, &aiVerify{deps}}
}

// --- ai.ask ---

type aiAsk struct{ deps AIDeps }

func (h *aiAsk) Type() string { return "ai.ask" }

func (h *aiAsk) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Send a prompt to the assistant and return its answer.",
		Required:    []string{"prompt"},
		Optional:    []string{"system", "model", "context", "result_variable"},
	}
}

func (h *aiAsk) Validate(params map[string]any) error {
	return requireParams(h.Type(), params, "prompt")
}

func (h *aiAsk) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	resp, err := h.deps.Client.Ask(ctx, requestFrom(input.Params))
	if err != nil {
		return nil, gatewayErr(h.Type(), err)
	}
	out := Data(map[string]any{"answer": resp.Answer, "model": resp.Model})
	if name := stringParam(input.Params, "result_variable", ""); name != "" {
		out.Variables = map[string]any{name: resp.Answer}
	}
	return out, nil
}

// --- ai.verify ---

const verifySystemPrompt = "You are verifying an automation result. Reply with PASS or FAIL on the first line, then a one-sentence reason."

type aiVerify struct{ deps AIDeps }

func (h *aiVerify) Type() string { return "ai.verify" }

func (h *aiVerify) Describe() HandlerInfo {
	return HandlerInfo{
		Description: "Ask the assistant to judge a result; fails the step unless it passes. An optional CEL condition over output.answer overrides the PASS/FAIL convention.",
		Required:    []string{"prompt"},
		Optional:    []string{"condition", "model", "context"},
	}
}

func (h *aiVerify) Validate(params map[string]any) error {
	if err := requireParams(h.Type(), params, "prompt"); err != nil {
		return err
	}
	if cond := stringParam(params, "condition", ""); cond != "" && h.deps.CEL != nil {
		return h.deps.CEL.Check(cond)
	}
	return nil
}

func (h *aiVerify) Execute(ctx context.Context, input StepInput) (*StepOutput, error) {
	req := requestFrom(input.Params)
	if req.System == "" {
		req.System = verifySystemPrompt
	}
	resp, err := h.deps.Client.Ask(ctx, req)
	if err != nil {
		return nil, gatewayErr(h.Type(), err)
	}

	data := map[string]any{"answer": resp.Answer, "model": resp.Model}
	var passed bool
	if cond := stringParam(input.Params, "condition", ""); cond != "" {
		if h.deps.CEL == nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "ai.verify: condition requires a CEL engine")
		}
		passed, err = h.deps.CEL.EvaluateBool(ctx, cond, expressions.Env(input.Variables, input.Parameters, data))
		if err != nil {
			return nil, err
		}
	} else {
		first, _, _ := strings.Cut(strings.TrimSpace(resp.Answer), "\n")
		passed = strings.HasPrefix(strings.ToUpper(strings.TrimSpace(first)), "PASS")
	}
	data["passed"] = passed
	if !passed {
		return nil, execErr(h.Type(), "assistant did not confirm the result").WithDetails(data)
	}
	return Data(data), nil
}

func requestFrom(params map[string]any) AIRequest {
	return AIRequest{
		System:  stringParam(params, "system", ""),
		Prompt:  stringify(params["prompt"]),
		Model:   stringParam(params, "model", ""),
		Context: mapParam(params, "context"),
	}
}

// HTTPAIConfig configures the chat-completions client.
type HTTPAIConfig struct {
	Endpoint   string // full URL of a chat-completions style endpoint
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPAIClient posts prompts to an OpenAI-compatible chat completions endpoint.
type HTTPAIClient struct {
	cfg    HTTPAIConfig
	client *http.Client
}

// NewHTTPAIClient creates an AI client. The endpoint is required.
func NewHTTPAIClient(cfg HTTPAIConfig) (*HTTPAIClient, error) {
	if cfg.Endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "ai endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPAIClient{cfg: cfg, client: client}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HTTPAIClient) Ask(ctx context.Context, req AIRequest) (*AIResponse, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	prompt := req.Prompt
	if len(req.Context) > 0 {
		b, err := json.MarshalIndent(req.Context, "", "  ")
		if err == nil {
			prompt += "\n\nContext:\n" + string(b)
		}
	}
	body := chatRequest{Model: model}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: prompt})

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ai request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read ai response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, execErr("ai", "decode response (status %d): %v", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 || parsed.Error != nil {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		code := schema.ErrCodeStepExecution
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			code = schema.ErrCodeValidation
		}
		return nil, schema.NewErrorf(code, "ai: %s", msg).WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	if len(parsed.Choices) == 0 {
		return nil, execErr("ai", "response carried no choices")
	}
	return &AIResponse{Answer: parsed.Choices[0].Message.Content, Model: parsed.Model}, nil
}

var _ AIClient = (*HTTPAIClient)(nil)
