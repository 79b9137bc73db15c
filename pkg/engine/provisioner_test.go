package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/enginelink/pkg/session"
)

func testProvisioner(launcher *fakeLauncher) *Provisioner {
	return NewProvisioner(Options{
		Probe:      session.StaticProbe{},
		Downloader: &fakeDownloader{path: "/bin/engine"},
		Launcher:   launcher,
		LookupEnv:  noEnv,
	})
}

func TestProvisioner_BlockAndShare(t *testing.T) {
	launcher := &fakeLauncher{
		params: session.NewConnectParams("127.0.0.1:41234", "secret", nil),
		delay:  50 * time.Millisecond,
	}
	p := testProvisioner(launcher)
	cfg := testConfig(t)

	const n = 10
	engines := make([]*Engine, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := p.Acquire(context.Background(), cfg)
			assert.NoError(t, err)
			engines[i] = e
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), launcher.calls.Load())
	for _, e := range engines {
		assert.Same(t, engines[0], e)
	}
	assert.Equal(t, n, p.Refs(cfg))

	for i := 0; i < n-1; i++ {
		require.NoError(t, p.Release(context.Background(), engines[i]))
	}
	assert.Equal(t, int32(0), launcher.shutdowns.Load())

	require.NoError(t, p.Release(context.Background(), engines[n-1]))
	assert.Equal(t, int32(1), launcher.shutdowns.Load())
	assert.Equal(t, 0, p.Refs(cfg))

	require.NoError(t, p.Release(context.Background(), engines[0]))
	assert.Equal(t, int32(1), launcher.shutdowns.Load())
}

func TestProvisioner_ScopesAreIndependent(t *testing.T) {
	launcher := &fakeLauncher{params: session.NewConnectParams("127.0.0.1:41234", "secret", nil)}
	p := testProvisioner(launcher)

	a := testConfig(t)
	b := testConfig(t)
	b.Engine.Version = "v0.10.0"
	c := testConfig(t)
	c.Workdir = "/other"

	assert.NotEqual(t, ScopeKey(a), ScopeKey(b))
	assert.NotEqual(t, ScopeKey(a), ScopeKey(c))

	ea, err := p.Acquire(context.Background(), a)
	require.NoError(t, err)
	eb, err := p.Acquire(context.Background(), b)
	require.NoError(t, err)
	ec, err := p.Acquire(context.Background(), c)
	require.NoError(t, err)

	assert.NotSame(t, ea, eb)
	assert.NotSame(t, ea, ec)
	assert.Equal(t, int32(3), launcher.calls.Load())

	for _, e := range []*Engine{ea, eb, ec} {
		require.NoError(t, p.Release(context.Background(), e))
	}
	assert.Equal(t, int32(3), launcher.shutdowns.Load())
}

func TestProvisioner_FailureIsNotCached(t *testing.T) {
	launcher := &fakeLauncher{
		params: session.NewConnectParams("127.0.0.1:41234", "secret", nil),
		err:    errors.New("port in use"),
	}
	p := testProvisioner(launcher)
	cfg := testConfig(t)

	_, err := p.Acquire(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, IsLaunch(err))
	assert.Equal(t, 0, p.Refs(cfg))

	launcher.err = nil
	e, err := p.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, StateProvisioned, e.State())
	assert.Equal(t, int32(2), launcher.calls.Load())
	require.NoError(t, p.Release(context.Background(), e))
}

func TestScopeKey_Remote(t *testing.T) {
	cfg := testConfig(t)
	local := ScopeKey(cfg)

	cfg.Remote.Enabled = true
	cfg.Remote.SSH.Host = "build-1"
	cfg.Remote.SSH.Port = 22

	assert.NotEqual(t, local, ScopeKey(cfg))
	assert.Contains(t, ScopeKey(cfg), "build-1:22")
}
