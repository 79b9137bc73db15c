package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/enginelink/pkg/config"
)

// Provisioner shares provisioned Engines between callers of the same scope.
// Concurrent Acquire calls for a scope block on a single Provision and all
// receive the same Engine. The last Release closes it.
type Provisioner struct {
	opts  Options
	group singleflight.Group

	mu     sync.Mutex
	scopes map[string]*scope
}

type scope struct {
	engine *Engine
	refs   int
}

// NewProvisioner returns a Provisioner that builds Engines with opts.
func NewProvisioner(opts Options) *Provisioner {
	return &Provisioner{
		opts:   opts,
		scopes: make(map[string]*scope),
	}
}

var defaultProvisioner = sync.OnceValue(func() *Provisioner {
	return NewProvisioner(Options{})
})

// DefaultProvisioner returns the process-wide Provisioner used by Connect.
func DefaultProvisioner() *Provisioner {
	return defaultProvisioner()
}

// ScopeKey identifies engines that can be shared: the same host, workdir
// and engine version.
func ScopeKey(cfg *config.Config) string {
	host := "local"
	if cfg.Remote.Enabled {
		host = cfg.Remote.SSH.Address()
	}
	return strings.Join([]string{host, cfg.Workdir, cfg.Engine.Version}, "|")
}

// Acquire returns a provisioned Engine for cfg's scope, provisioning one if
// none is live. The first caller's ctx governs a shared Provision.
func (p *Provisioner) Acquire(ctx context.Context, cfg *config.Config) (*Engine, error) {
	return p.AcquireWith(ctx, cfg, p.opts)
}

// AcquireWith is Acquire with per-call collaborators. They are only used
// when this call ends up provisioning; joiners get the live Engine as is.
func (p *Provisioner) AcquireWith(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	key := ScopeKey(cfg)

	for {
		if e := p.ref(key, nil); e != nil {
			return e, nil
		}

		v, err, shared := p.group.Do(key, func() (interface{}, error) {
			if e := p.lookup(key); e != nil {
				return e, nil
			}

			e := New(cfg, opts)
			if err := e.Provision(ctx); err != nil {
				return nil, e.CloseWithCause(ctx, err)
			}

			p.mu.Lock()
			p.scopes[key] = &scope{engine: e}
			p.mu.Unlock()
			return e, nil
		})
		if err != nil {
			return nil, err
		}

		log.Debug().Str("scope", key).Bool("shared", shared).Msg("Engine acquired")
		if e := p.ref(key, v.(*Engine)); e != nil {
			return e, nil
		}
		// The scope was released between provisioning and taking a reference.
	}
}

// ref takes a reference on the live engine for key. When want is set the
// live engine must be that one.
func (p *Provisioner) ref(key string, want *Engine) *Engine {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.scopes[key]
	if !ok || (want != nil && s.engine != want) {
		return nil
	}
	s.refs++
	return s.engine
}

func (p *Provisioner) lookup(key string) *Engine {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.scopes[key]; ok {
		return s.engine
	}
	return nil
}

// Release drops a reference taken by Acquire and closes the Engine when it
// was the last one. Releasing an unknown Engine is a no-op.
func (p *Provisioner) Release(ctx context.Context, e *Engine) error {
	key := ScopeKey(e.cfg)

	p.mu.Lock()
	s, ok := p.scopes[key]
	if !ok || s.engine != e || s.refs == 0 {
		p.mu.Unlock()
		return nil
	}
	s.refs--
	if s.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.scopes, key)
	p.mu.Unlock()

	log.Debug().Str("scope", key).Msg("Closing engine")
	return e.Close(ctx)
}

// Refs returns the number of holders of the engine for cfg's scope.
func (p *Provisioner) Refs(cfg *config.Config) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.scopes[ScopeKey(cfg)]; ok {
		return s.refs
	}
	return 0
}
