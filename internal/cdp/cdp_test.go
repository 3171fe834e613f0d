package cdp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"captchabridge/pkg/model"
)

func TestParseWidgetResult(t *testing.T) {
	raw := []byte(`{"ready":true,"results":[{"ok":true,"token":"t1"},{"ok":false,"error":"boom"},{"ok":true,"token":""}]}`)
	res, err := parseWidgetResult(raw)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, model.CallResult{OK: true, Token: "t1"}, res[0])
	assert.Equal(t, model.CallResult{OK: false, Error: "boom"}, res[1])
	assert.False(t, res[2].OK, "empty token never counts as success")
}

func TestParseWidgetResultNotReady(t *testing.T) {
	_, err := parseWidgetResult([]byte(`{"ready":false,"results":[]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")

	_, err = parseWidgetResult([]byte(`undefined`))
	assert.Error(t, err)
}

func TestWidgetScriptQuotesInputs(t *testing.T) {
	js := widgetScript(`k"ey`, "VIDEO_GENERATION", 3, 5*time.Second)
	assert.Contains(t, js, `const KEY = "k\"ey", ACTION = "VIDEO_GENERATION", COUNT = 3, TIMEOUT = 5000;`)
	assert.Contains(t, js, "Promise.all")
}

func TestBuildChromeArgs(t *testing.T) {
	args := buildChromeArgs("/tmp/p", model.BrowserOptions{
		Headless: true,
		Proxy:    &model.ProxyConfig{Host: "10.0.0.1", Port: "1080", Protocol: model.ProxySOCKS5, Username: "u", Password: "p"},
	})
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--remote-debugging-port=0")
	assert.Contains(t, joined, "--user-data-dir=/tmp/p")
	assert.Contains(t, joined, "--headless=new")
	assert.Contains(t, joined, "--proxy-server=socks5://10.0.0.1:1080")
	assert.NotContains(t, joined, "u:p@", "credentials are answered through the auth challenge")
	assert.Equal(t, "about:blank", args[len(args)-1])
}

func TestFindChromeExecutableCustomMissing(t *testing.T) {
	_, err := FindChromeExecutable(filepath.Join(t.TempDir(), "no-chrome"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser executable not found")
}

func TestWaitDevToolsPort(t *testing.T) {
	dir := t.TempDir()
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, "DevToolsActivePort"), []byte("45123\n/devtools/browser/abc"), 0o600)
	}()
	port, err := waitDevToolsPort(context.Background(), dir, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 45123, port)

	_, err = waitDevToolsPort(context.Background(), t.TempDir(), 200*time.Millisecond)
	assert.Error(t, err)
}
