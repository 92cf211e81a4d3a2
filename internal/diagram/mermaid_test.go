package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMermaidPlaybook(t *testing.T) {
	model, err := Build(gatewayPlaybook())
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% deploy-module@1.0.0")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `login["login (gateway.login)"]`)
	assert.Contains(t, out, `settle(["settle (utility.wait)"])`)
	assert.Contains(t, out, `summary{{"summary (ai.ask)"}}`)
	assert.Contains(t, out, "__start__ --> login")
	assert.Contains(t, out, "settle -->|continue on failure| summary")
	assert.Contains(t, out, "summary --> __end__")
	assert.Contains(t, out, "classDef paused")
}

func TestRenderMermaidSubPlaybook(t *testing.T) {
	model, err := Build(parentPlaybook(), WithSubPlaybooks(mapSource{"deploy-module": gatewayPlaybook()}))
	require.NoError(t, err)

	out := RenderMermaid(model)

	assert.Contains(t, out, `deploy[["deploy (playbook.run)"]]`)
	assert.Contains(t, out, `subgraph deploy_sub0["deploy: deploy-module@1.0.0"]`)
	assert.Contains(t, out, "deploy_login --> deploy_upload")
	assert.Contains(t, out, "deploy -.-> deploy_login")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	overlay := Overlay{
		"login":  {Status: StatusCompleted},
		"upload": {Status: StatusRetrying},
		"settle": {Status: StatusPaused},
		"bogus":  {Status: StatusFailed},
	}
	model, err := Build(gatewayPlaybook(), WithOverlay(overlay))
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "class login completed")
	assert.Contains(t, out, "class upload retrying")
	assert.Contains(t, out, "class settle paused")
	assert.NotContains(t, out, "class bogus")
	assert.NotContains(t, out, "class summary")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "deploy_login", mermaidSafeID("deploy.login"))
	assert.Equal(t, "fan_out", mermaidSafeID("fan-out"))
	assert.Equal(t, "a_b", mermaidSafeID("a b"))
}

func TestMermaidStatusClass(t *testing.T) {
	assert.Equal(t, "skipped", mermaidStatusClass(StatusSkipped))
	assert.Equal(t, "", mermaidStatusClass("suspended"))
}
