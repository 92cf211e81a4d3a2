package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/playbookd/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	mu      sync.Mutex
	url     string
	clicks  []string
	filled  map[string]string
	texts   map[string]string
	textHit atomic.Int32
	failNav error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{filled: map[string]string{}, texts: map[string]string{}}
}

func (d *fakeDriver) Navigate(_ context.Context, url string) error {
	if d.failNav != nil {
		return d.failNav
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
	return nil
}

func (d *fakeDriver) Click(_ context.Context, selector string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clicks = append(d.clicks, selector)
	return nil
}

func (d *fakeDriver) Fill(_ context.Context, selector, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filled[selector] = value
	return nil
}

func (d *fakeDriver) Text(_ context.Context, selector string) (string, error) {
	d.textHit.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.texts[selector]
	if !ok {
		return "", errors.New("no such element")
	}
	return t, nil
}

func (d *fakeDriver) Exists(_ context.Context, selector string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.texts[selector]
	return ok, nil
}

func (d *fakeDriver) Screenshot(context.Context) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (d *fakeDriver) setText(selector, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts[selector] = text
}

func TestUIHandlers_Prefixes(t *testing.T) {
	d := newFakeDriver()
	reg := newTestRegistry(t, append(UIHandlers("browser", d, time.Millisecond), UIHandlers("designer", d, time.Millisecond)...)...)

	for _, action := range []string{"navigate", "click", "fill", "verify_text", "wait_for", "screenshot"} {
		assert.True(t, reg.Has("browser."+action), action)
		assert.True(t, reg.Has("designer."+action), action)
	}
}

func TestUI_NavigateClickFill(t *testing.T) {
	d := newFakeDriver()
	reg := newTestRegistry(t, UIHandlers("browser", d, time.Millisecond)...)
	ctx := context.Background()

	_, _, err := reg.Dispatch(ctx, Call{StepID: "open", Type: "browser.navigate", Params: map[string]any{"url": "http://gw:8088/web"}})
	require.NoError(t, err)
	_, _, err = reg.Dispatch(ctx, Call{StepID: "user", Type: "browser.fill", Params: map[string]any{"selector": "#user", "value": "admin"}})
	require.NoError(t, err)
	_, _, err = reg.Dispatch(ctx, Call{StepID: "go", Type: "browser.click", Params: map[string]any{"selector": "#login"}})
	require.NoError(t, err)

	assert.Equal(t, "http://gw:8088/web", d.url)
	assert.Equal(t, "admin", d.filled["#user"])
	assert.Equal(t, []string{"#login"}, d.clicks)
}

func TestUI_ValidateRequiresSelector(t *testing.T) {
	reg := newTestRegistry(t, UIHandlers("designer", newFakeDriver(), time.Millisecond)...)

	_, attempts, err := reg.Dispatch(context.Background(), Call{StepID: "c", Type: "designer.click", Params: map[string]any{}})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Zero(t, attempts)
}

func TestUI_DriverFailureIsRetryable(t *testing.T) {
	d := newFakeDriver()
	d.failNav = errors.New("session not created")
	reg := newTestRegistry(t, UIHandlers("browser", d, time.Millisecond)...)

	_, attempts, err := reg.Dispatch(context.Background(), Call{
		StepID: "open", Type: "browser.navigate", RetryCount: 1, Params: map[string]any{"url": "http://x"},
	})
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
	assert.Equal(t, 2, attempts)
}

func TestUI_VerifyTextEventuallyMatches(t *testing.T) {
	d := newFakeDriver()
	reg := newTestRegistry(t, UIHandlers("browser", d, time.Millisecond)...)
	time.AfterFunc(30*time.Millisecond, func() { d.setText("#banner", "Welcome, admin") })

	out, _, err := reg.Dispatch(context.Background(), Call{
		StepID: "check", Type: "browser.verify_text",
		Params: map[string]any{"selector": "#banner", "text": "admin", "interval": "5ms", "timeout": "2s"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Welcome, admin", out.Data["text"])
	assert.Greater(t, d.textHit.Load(), int32(1))
}

func TestUI_VerifyTextExactMismatchTimesOut(t *testing.T) {
	d := newFakeDriver()
	d.setText("#banner", "Welcome, admin")
	reg := newTestRegistry(t, UIHandlers("browser", d, time.Millisecond)...)

	_, _, err := reg.Dispatch(context.Background(), Call{
		StepID: "check", Type: "browser.verify_text",
		Params: map[string]any{"selector": "#banner", "text": "admin", "exact": true, "interval": "5ms", "timeout": "30ms"},
	})
	require.Error(t, err)
	engErr := schema.AsEngineError(err)
	assert.Equal(t, schema.ErrCodeTimeout, engErr.Code)
	assert.Equal(t, "Welcome, admin", engErr.Details["actual"])
}

func TestUI_WaitFor(t *testing.T) {
	d := newFakeDriver()
	reg := newTestRegistry(t, UIHandlers("designer", d, time.Millisecond)...)
	time.AfterFunc(20*time.Millisecond, func() { d.setText("#tree", "") })

	out, _, err := reg.Dispatch(context.Background(), Call{
		StepID: "w", Type: "designer.wait_for", Params: map[string]any{"selector": "#tree", "interval": "5ms"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out.Data["found"])
}

func TestUI_Screenshot(t *testing.T) {
	reg := newTestRegistry(t, UIHandlers("browser", newFakeDriver(), time.Millisecond)...)

	out, _, err := reg.Dispatch(context.Background(), Call{
		StepID: "shot", Type: "browser.screenshot", Params: map[string]any{"result_variable": "img"},
	})
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(out.Variables["img"].(string))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, decoded)
	assert.Equal(t, 4, out.Data["bytes"])
}
