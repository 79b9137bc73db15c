package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/enginelink/pkg/retry"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, DefaultEngineVersion, cfg.Engine.Version)
	assert.Equal(t, 30*time.Second, cfg.Connect.Timeout)
	assert.Equal(t, retry.None(), cfg.Connect.Policy())
	assert.Empty(t, cfg.Workdir)
	assert.NotEmpty(t, cfg.Cache.Dir)
	assert.Equal(t, "enginelink", cfg.Telemetry.ServiceName)
}

func TestLoad_Layering(t *testing.T) {
	path := writeFile(t, "enginelink.yaml", `
workdir: /from/file
labels:
  team: infra
engine:
  version: v0.10.0
connect:
  timeout: 5s
  retries: 2
  backoff: 100ms
`)

	t.Run("file", func(t *testing.T) {
		cfg, err := Load(LoadOptions{File: path})
		require.NoError(t, err)
		assert.Equal(t, "/from/file", cfg.Workdir)
		assert.Equal(t, "infra", cfg.Labels["team"])
		assert.Equal(t, "v0.10.0", cfg.Engine.Version)
		assert.Equal(t, 5*time.Second, cfg.Connect.Timeout)
		assert.Equal(t, retry.Bounded(3, 100*time.Millisecond), cfg.Connect.Policy())
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("ENGINELINK_CONNECT__TIMEOUT", "7s")
		t.Setenv("ENGINELINK_WORKDIR", "/from/env")

		cfg, err := Load(LoadOptions{File: path})
		require.NoError(t, err)
		assert.Equal(t, 7*time.Second, cfg.Connect.Timeout)
		assert.Equal(t, "/from/env", cfg.Workdir)
	})

	t.Run("set overrides env", func(t *testing.T) {
		t.Setenv("ENGINELINK_CONNECT__RETRIES", "4")

		cfg, err := Load(LoadOptions{File: path, Set: []string{"connect.retries=1"}})
		require.NoError(t, err)
		assert.Equal(t, 1, cfg.Connect.Retries)
	})

	t.Run("changed flags override everything", func(t *testing.T) {
		t.Setenv("ENGINELINK_WORKDIR", "/from/env")

		flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
		flags.String("workdir", "", "")
		flags.Duration("timeout", 0, "")
		flags.Int("retries", 0, "")
		require.NoError(t, flags.Parse([]string{"--workdir", "/from/flag", "--timeout", "9s"}))

		cfg, err := Load(LoadOptions{File: path, Flags: flags})
		require.NoError(t, err)
		assert.Equal(t, "/from/flag", cfg.Workdir)
		assert.Equal(t, 9*time.Second, cfg.Connect.Timeout)
		// unchanged flag keeps the file value
		assert.Equal(t, 2, cfg.Connect.Retries)
	})
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts func(t *testing.T) LoadOptions
		want string
	}{
		{
			name: "missing file",
			opts: func(t *testing.T) LoadOptions {
				return LoadOptions{File: filepath.Join(t.TempDir(), "nope.yaml")}
			},
			want: "error reading config file",
		},
		{
			name: "bad override",
			opts: func(t *testing.T) LoadOptions { return LoadOptions{Set: []string{"novalue"}} },
			want: "expected key=value",
		},
		{
			name: "negative retries",
			opts: func(t *testing.T) LoadOptions { return LoadOptions{Set: []string{"connect.retries=-1"}} },
			want: "Connect.Retries",
		},
		{
			name: "bad manifest url",
			opts: func(t *testing.T) LoadOptions { return LoadOptions{Set: []string{"engine.manifest_url=::nope"}} },
			want: "Engine.ManifestURL",
		},
		{
			name: "remote without host",
			opts: func(t *testing.T) LoadOptions { return LoadOptions{Set: []string{"remote.enabled=true"}} },
			want: "remote.ssh",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			_, err := Load(tt.opts(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConnectConfig_Policy(t *testing.T) {
	tests := []struct {
		name string
		cfg  ConnectConfig
		want retry.Policy
	}{
		{name: "no retries", cfg: ConnectConfig{}, want: retry.None()},
		{name: "two retries", cfg: ConnectConfig{Retries: 2, Backoff: time.Second}, want: retry.Bounded(3, time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.Policy())
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "ENGINE_SESSION_PORT=4242\nENGINELINK_TEST_ONLY=from-file\n")
	t.Setenv("ENGINELINK_TEST_ONLY", "already-set")
	t.Cleanup(func() { os.Unsetenv("ENGINE_SESSION_PORT") })

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "4242", os.Getenv("ENGINE_SESSION_PORT"))
	assert.Equal(t, "already-set", os.Getenv("ENGINELINK_TEST_ONLY"))

	assert.NoError(t, LoadEnvFile(""))
	assert.Error(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
