package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/enginelink/pkg/download"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, envFile, overrides, verbose, jsonOutput = "", "", nil, false, false
	t.Chdir(t.TempDir())

	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand("test", "none", "today")
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"version", "run", "sessions", "cache", "metrics"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestCacheList_JSON(t *testing.T) {
	cache := t.TempDir()
	for _, v := range []string{"v0.8.0", "v0.9.0"} {
		path := filepath.Join(cache, v, download.Platform(), download.BinaryName)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(v), 0o755))
	}

	out, err := execute(t, "cache", "list", "--json",
		"--cache-dir", cache,
		"--engine-version", "v0.9.0",
		"--set", "store.path=",
		"--log-level", "error")
	require.NoError(t, err)

	var entries []download.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Current)
	assert.True(t, entries[1].Current)
}

func TestCachePrune_WithStore(t *testing.T) {
	cache := t.TempDir()
	for _, v := range []string{"v0.7.0", "v0.9.0"} {
		path := filepath.Join(cache, v, download.Platform(), download.BinaryName)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(v), 0o755))
	}

	out, err := execute(t, "cache", "prune",
		"--cache-dir", cache,
		"--engine-version", "v0.9.0",
		"--store", filepath.Join(t.TempDir(), "ledger.db"),
		"--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "removed v0.7.0")

	_, err = os.Stat(filepath.Join(cache, "v0.9.0"))
	assert.NoError(t, err)
}

func TestSessions_Empty(t *testing.T) {
	out, err := execute(t, "sessions", "--json",
		"--store", filepath.Join(t.TempDir(), "ledger.db"),
		"--cache-dir", t.TempDir(),
		"--log-level", "error")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestSessions_LedgerDisabled(t *testing.T) {
	_, err := execute(t, "sessions", "--set", "store.path=", "--cache-dir", t.TempDir(), "--log-level", "error")
	assert.ErrorContains(t, err, "ledger is disabled")
}

func TestConfigErrorsSurface(t *testing.T) {
	_, err := execute(t, "cache", "list", "--retries=-1", "--cache-dir", t.TempDir())
	assert.ErrorContains(t, err, "Connect.Retries")
}
