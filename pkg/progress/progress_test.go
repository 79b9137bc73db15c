package progress

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/enginelink/pkg/telemetry"
)

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(zerolog.New(&buf))
	ctx := context.Background()

	s.Start(ctx, PhaseProvisioning)
	s.Update(ctx, PhaseCreating)
	s.Stop(ctx)

	out := buf.String()
	assert.Contains(t, out, `"phase":"Provisioning engine"`)
	assert.Contains(t, out, `"phase":"Creating new engine session"`)
	assert.Contains(t, out, `"component":"progress"`)
}

func TestEventSink(t *testing.T) {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 8})
	require.NoError(t, err)

	var mu sync.Mutex
	var types []string
	ep.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		types = append(types, e.Type+":"+e.Message)
		mu.Unlock()
	}, nil)

	s := NewEventSink(ep)
	ctx := context.Background()
	s.Start(ctx, PhaseProvisioning)
	s.Update(ctx, PhaseRunning)
	s.Stop(ctx)

	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, ep.Shutdown(sctx))

	assert.Equal(t, []string{
		"progress.start:Provisioning engine",
		"progress.update:Running pipelines",
		"progress.stop:",
	}, types)
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, Nop{}, b}
	ctx := context.Background()

	m.Start(ctx, PhaseProvisioning)
	m.Update(ctx, PhaseEstablishing)
	m.Stop(ctx)

	want := []Call{
		{Method: "start", Phase: PhaseProvisioning},
		{Method: "update", Phase: PhaseEstablishing},
		{Method: "stop"},
	}
	assert.Equal(t, want, a.Calls())
	assert.Equal(t, want, b.Calls())
	assert.Equal(t, []string{PhaseProvisioning, PhaseEstablishing}, a.Phases())
}
