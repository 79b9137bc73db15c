package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/enginelink/pkg/protocol"
	"github.com/openfroyo/enginelink/pkg/retry"
	"github.com/openfroyo/enginelink/pkg/session"
)

type fakeTransport struct {
	id     int
	closed atomic.Bool
}

func (f *fakeTransport) Version(context.Context) (string, error) { return "v0.9.0", nil }

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeDialer fails the first failures dials and then succeeds.
type fakeDialer struct {
	failures int
	delay    time.Duration
	err      error

	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, _ session.ConnectParams) (Transport, error) {
	n := int(d.dials.Add(1))
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= d.failures {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("connection refused")
	}
	return &fakeTransport{id: n}, nil
}

var testParams = session.NewConnectParams("127.0.0.1:41234", "token", nil)

func TestShared_SameInstance(t *testing.T) {
	assert.Same(t, Shared(), Shared())
}

func TestShared_ConcurrentAcquireDialsOnce(t *testing.T) {
	dialer := &fakeDialer{delay: 20 * time.Millisecond}
	s := newSharedConnection()
	require.NoError(t, s.Configure(testParams, Config{Dialer: dialer}))

	const n = 10
	var wg sync.WaitGroup
	transports := make([]Transport, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			transports[i], errs[i] = s.Acquire(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dialer.dials.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, transports[0], transports[i])
	}
	assert.Equal(t, n, s.Refs())
	assert.True(t, s.IsConnected())
}

func TestShared_AcquireReleaseClamp(t *testing.T) {
	tests := []struct {
		name string
		ops  string // a = acquire, r = release
	}{
		{name: "single pair", ops: "ar"},
		{name: "nested", ops: "aarr"},
		{name: "extra releases", ops: "arrr"},
		{name: "release first", ops: "rra"},
		{name: "interleaved", ops: "aararrra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := &fakeDialer{}
			s := newSharedConnection()
			require.NoError(t, s.Configure(testParams, Config{Dialer: dialer}))

			held := 0
			for _, op := range tt.ops {
				if op == 'a' {
					_, err := s.Acquire(context.Background())
					require.NoError(t, err)
					held++
				} else {
					require.NoError(t, s.Release(context.Background()))
					if held > 0 {
						held--
					}
				}
				assert.Equal(t, held > 0, s.IsConnected())
				assert.Equal(t, held, s.Refs())
			}
		})
	}
}

func TestShared_LastReleaseCloses(t *testing.T) {
	s := newSharedConnection()
	require.NoError(t, s.Configure(testParams, Config{Dialer: &fakeDialer{}}))

	t1, err := s.Acquire(context.Background())
	require.NoError(t, err)
	_, err = s.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.Release(context.Background()))
	assert.False(t, t1.(*fakeTransport).closed.Load())

	require.NoError(t, s.Release(context.Background()))
	assert.True(t, t1.(*fakeTransport).closed.Load())
	assert.False(t, s.IsConnected())
}

func TestShared_FailedAcquireLeavesNoState(t *testing.T) {
	dialer := &fakeDialer{failures: 100}
	s := newSharedConnection()
	require.NoError(t, s.Configure(testParams, Config{Dialer: dialer, Retry: retry.Bounded(2, time.Millisecond)}))

	_, err := s.Acquire(context.Background())
	require.Error(t, err)

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Attempts)
	assert.Equal(t, testParams.Endpoint(), ce.Endpoint)
	assert.Equal(t, 0, s.Refs())
	assert.False(t, s.IsConnected())

	// a later successful acquire starts from zero
	dialer.failures = 0
	_, err = s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Refs())
}

func TestShared_FailedAcquireWhileHeldIsImpossible(t *testing.T) {
	dialer := &fakeDialer{}
	s := newSharedConnection()
	require.NoError(t, s.Configure(testParams, Config{Dialer: dialer}))

	_, err := s.Acquire(context.Background())
	require.NoError(t, err)
	dialer.failures = 100

	// held transports are shared without dialing
	_, err = s.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestShared_Configure(t *testing.T) {
	s := newSharedConnection()
	require.NoError(t, s.Configure(testParams, Config{Dialer: &fakeDialer{}}))

	_, err := s.Acquire(context.Background())
	require.NoError(t, err)

	other := session.NewConnectParams("127.0.0.1:9999", "other", nil)
	assert.ErrorIs(t, s.Configure(other, Config{}), ErrParamsInUse)

	same := session.NewConnectParams(testParams.Endpoint(), testParams.Token(), map[string]string{"x": "y"})
	assert.NoError(t, s.Configure(same, Config{}))

	require.NoError(t, s.Release(context.Background()))
	assert.NoError(t, s.Configure(other, Config{}))
	assert.Equal(t, other, s.Params())
}

func TestShared_NotConfigured(t *testing.T) {
	s := newSharedConnection()
	_, err := s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, 0, s.Refs())
}

func TestShared_AcquireWithBindsParamsToDial(t *testing.T) {
	var (
		mu     sync.Mutex
		dialed []string
	)
	dialer := DialerFunc(func(_ context.Context, params session.ConnectParams) (Transport, error) {
		mu.Lock()
		dialed = append(dialed, params.Endpoint())
		mu.Unlock()
		return &fakeTransport{}, nil
	})
	s := newSharedConnection()
	other := session.NewConnectParams("127.0.0.1:9999", "other", nil)

	first, err := s.AcquireWith(context.Background(), testParams, Config{Dialer: dialer})
	require.NoError(t, err)

	// a second session cannot take over the held connection
	_, err = s.AcquireWith(context.Background(), other, Config{Dialer: dialer})
	assert.ErrorIs(t, err, ErrParamsInUse)
	assert.Equal(t, 1, s.Refs())

	again, err := s.AcquireWith(context.Background(), testParams, Config{Dialer: dialer})
	require.NoError(t, err)
	assert.Same(t, first, again)

	require.NoError(t, s.Release(context.Background()))
	require.NoError(t, s.Release(context.Background()))

	_, err = s.AcquireWith(context.Background(), other, Config{Dialer: dialer})
	require.NoError(t, err)
	assert.Equal(t, other, s.Params())
	assert.Equal(t, []string{testParams.Endpoint(), other.Endpoint()}, dialed)
}

func TestShared_WaiterHonoursOwnContext(t *testing.T) {
	dialer := &fakeDialer{delay: 500 * time.Millisecond}
	s := newSharedConnection()
	require.NoError(t, s.Configure(testParams, Config{Dialer: dialer}))

	done := make(chan error, 1)
	go func() {
		_, err := s.Acquire(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return dialer.dials.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	require.NoError(t, <-done)
	assert.Equal(t, 1, s.Refs())
}

func TestSharedLease(t *testing.T) {
	dialer := &fakeDialer{}
	s := newSharedConnection()
	a := s.Lease(testParams, Config{Dialer: dialer})
	b := s.Lease(testParams, Config{Dialer: dialer})

	// closing a lease that holds nothing leaves others alone
	require.NoError(t, b.Close(context.Background()))

	ta, err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, b.IsConnected())
	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, 1, s.Refs())

	tb, err := b.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, ta, tb)
	assert.Same(t, s, a.Shared())

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 1, s.Refs())
	require.NoError(t, b.Close(context.Background()))
	assert.False(t, s.IsConnected())
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestConnect_RetryPolicies(t *testing.T) {
	t.Run("bounded succeeds on third attempt", func(t *testing.T) {
		dialer := &fakeDialer{failures: 2}
		tr, err := connect(context.Background(), testParams, Config{Dialer: dialer, Retry: retry.Bounded(3, time.Millisecond)})
		require.NoError(t, err)
		assert.Equal(t, 3, tr.(*fakeTransport).id)
		assert.Equal(t, int32(3), dialer.dials.Load())
	})

	t.Run("none fails immediately", func(t *testing.T) {
		dialer := &fakeDialer{failures: 1}
		_, err := connect(context.Background(), testParams, Config{Dialer: dialer, Retry: retry.None()})
		require.Error(t, err)
		assert.True(t, IsConnectError(err))
		assert.Equal(t, int32(1), dialer.dials.Load())
	})

	t.Run("timeout is a failed attempt", func(t *testing.T) {
		dialer := &fakeDialer{delay: time.Second}
		_, err := connect(context.Background(), testParams, Config{
			Dialer:  dialer,
			Retry:   retry.Bounded(2, time.Millisecond),
			Timeout: 10 * time.Millisecond,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, int32(2), dialer.dials.Load())
	})

	t.Run("unauthorized is not retried", func(t *testing.T) {
		dialer := &fakeDialer{failures: 5, err: &protocol.ErrorMessage{Code: protocol.CodeUnauthorized, Message: "bad token"}}
		_, err := connect(context.Background(), testParams, Config{Dialer: dialer, Retry: retry.Bounded(5, time.Millisecond)})
		var em *protocol.ErrorMessage
		require.ErrorAs(t, err, &em)
		assert.Equal(t, protocol.CodeUnauthorized, em.Code)
		assert.Equal(t, int32(1), dialer.dials.Load())
	})
}

func TestIsolated_Independent(t *testing.T) {
	dialer := &fakeDialer{}
	a := NewIsolated(testParams, Config{Dialer: dialer})
	b := NewIsolated(testParams, Config{Dialer: dialer})

	ta, err := a.Connect(context.Background())
	require.NoError(t, err)
	tb, err := b.Connect(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, ta, tb)

	again, err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, ta, again)
	assert.Equal(t, int32(2), dialer.dials.Load())

	require.NoError(t, a.Close(context.Background()))
	assert.False(t, a.IsConnected())
	assert.True(t, b.IsConnected())
	assert.True(t, ta.(*fakeTransport).closed.Load())
	assert.False(t, tb.(*fakeTransport).closed.Load())

	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, testParams, a.Params())
}

func TestConnectionInterface(t *testing.T) {
	var _ Connection = (*SharedConnection)(nil)
	var _ Connection = (*SharedLease)(nil)
	var _ Connection = (*IsolatedConnection)(nil)
	var _ Transport = (*Client)(nil)
}
