package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderImagePNG(t *testing.T) {
	model, err := Build(gatewayPlaybook())
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)

	// PNG magic bytes: 0x89 P N G.
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImageSVGWithSubPlaybook(t *testing.T) {
	overlay := Overlay{
		"prepare":      {Status: StatusCompleted},
		"deploy":       {Status: StatusRunning},
		"deploy.login": {Status: StatusSkipped},
	}
	model, err := Build(parentPlaybook(),
		WithSubPlaybooks(mapSource{"deploy-module": gatewayPlaybook()}),
		WithOverlay(overlay))
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "deploy-module@1.0.0")
}

func TestRenderImageUnknownFormat(t *testing.T) {
	model, err := Build(gatewayPlaybook())
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), model, "gif")
	assert.Error(t, err)
}
