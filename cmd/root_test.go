package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ssr-proxy/internal/config"
)

type fakeRunner struct {
	err error
	ran bool
}

func (f *fakeRunner) Run(context.Context) error {
	f.ran = true
	return f.err
}

// stubApp swaps the application factory for the duration of a test. Tests
// that use it must not run in parallel.
func stubApp(t *testing.T, runner *fakeRunner) *config.Config {
	t.Helper()
	var captured config.Config
	prev := newApp
	newApp = func(_ context.Context, cfg config.Config) (Runner, error) {
		captured = cfg
		return runner, nil
	}
	t.Cleanup(func() { newApp = prev })
	return &captured
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestServeAppliesFlags(t *testing.T) {
	runner := &fakeRunner{}
	cfg := stubApp(t, runner)

	_, err := execute(t, "serve",
		"--port", "9000",
		"--target", "http://backend:3000",
		"--proxy-order", "StaticFile,HttpForward",
		"--log-level", "debug",
	)
	require.NoError(t, err)
	require.True(t, runner.ran)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "http://backend:3000", cfg.Server.TargetRoute)
	assert.Equal(t, []string{"StaticFile", "HttpForward"}, cfg.Proxy.Order)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "./public", cfg.Static.Dir)
}

func TestServeFlagsOverrideFile(t *testing.T) {
	runner := &fakeRunner{}
	cfg := stubApp(t, runner)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
proxy:
  order: [Render, HttpForward, StaticFile]
`), 0o600))

	_, err := execute(t, "serve", "--config", path, "--proxy-order", "HttpForward")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, []string{"HttpForward"}, cfg.Proxy.Order)
}

func TestServeRejectsInvalidOrder(t *testing.T) {
	runner := &fakeRunner{}
	stubApp(t, runner)

	_, err := execute(t, "serve", "--proxy-order", "Teleport")
	require.ErrorContains(t, err, "Teleport")
	assert.False(t, runner.ran)
}

func TestServeReportsRunError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("listen tcp: address in use")}
	stubApp(t, runner)

	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "address in use")
}

func TestServeIgnoresCanceledContext(t *testing.T) {
	runner := &fakeRunner{err: context.Canceled}
	stubApp(t, runner)

	_, err := execute(t, "serve")
	require.NoError(t, err)
}

func TestConfigPrintsEffectiveYAMLWithoutSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
admin:
  auth:
    enabled: true
    api_key: hunter2
`), 0o600))

	out, err := execute(t, "config", "--config", path, "--port", "9100")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 9100")
	assert.Contains(t, out, "target_route: http://localhost:80")
	assert.Contains(t, out, "- Render")
	assert.NotContains(t, out, "hunter2")
}
