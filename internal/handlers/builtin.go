package handlers

import (
	"log/slog"
	"time"

	"github.com/rendis/playbookd/internal/expressions"
)

// BuiltinConfig selects which handler families to register. Domain families
// whose client is nil are skipped, so a playbook using them fails validation
// with an unknown step type.
type BuiltinConfig struct {
	Logger        *slog.Logger
	WaitIncrement time.Duration

	Gateway  GatewayClient
	Browser  UIDriver
	Designer UIDriver
	AI       AIClient
}

// RegisterBuiltins registers every available handler family into reg and
// returns the unbound playbook.run handler for the engine to bind.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) (*PlaybookRunHandler, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	jq := expressions.NewGoJQEngine()

	all := UtilityHandlers(UtilityDeps{
		Logger:        cfg.Logger,
		WaitIncrement: cfg.WaitIncrement,
		Expr:          expressions.NewExprEngine(),
		CEL:           cel,
		JQ:            jq,
	})

	if cfg.Gateway != nil {
		all = append(all, GatewayHandlers(GatewayDeps{Client: cfg.Gateway, JQ: jq, WaitIncrement: cfg.WaitIncrement})...)
	}
	if cfg.Browser != nil {
		all = append(all, UIHandlers("browser", cfg.Browser, cfg.WaitIncrement)...)
	}
	if cfg.Designer != nil {
		all = append(all, UIHandlers("designer", cfg.Designer, cfg.WaitIncrement)...)
	}
	if cfg.AI != nil {
		all = append(all, AIHandlers(AIDeps{Client: cfg.AI, CEL: cel})...)
	}

	run := NewPlaybookRunHandler()
	all = append(all, run)

	if err := reg.RegisterAll(all...); err != nil {
		return nil, err
	}
	return run, nil
}
