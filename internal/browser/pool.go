package browser

import (
	"context"
	"log"
	"sync"
)

// Launcher is the opaque automation collaborator contract. Only create and
// stop semantics are needed here; the tool layer drives the sessions.
type Launcher interface {
	Create(ctx context.Context) (id string, err error)
	Stop(ctx context.Context, id string) error
}

// Pool tracks automation sessions opened during one generation run. It is
// owned by the orchestrator instance, not shared process-wide, and stops
// each tracked id exactly once.
type Pool struct {
	mu       sync.Mutex
	launcher Launcher
	tracked  map[string]struct{}
	stopped  map[string]struct{}
}

func NewPool(l Launcher) *Pool {
	return &Pool{
		launcher: l,
		tracked:  make(map[string]struct{}),
		stopped:  make(map[string]struct{}),
	}
}

// Track registers sessions for teardown. Duplicate ids collapse.
func (p *Pool) Track(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			p.tracked[id] = struct{}{}
		}
	}
}

// StopAll tears down every tracked session, once each. Individual stop
// failures are logged and the rest proceed.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.Lock()
	var pending []string
	for id := range p.tracked {
		if _, done := p.stopped[id]; !done {
			p.stopped[id] = struct{}{}
			pending = append(pending, id)
		}
	}
	p.mu.Unlock()

	if p.launcher == nil {
		return
	}
	for _, id := range pending {
		if err := p.launcher.Stop(ctx, id); err != nil {
			log.Printf("[browser] stop session %s: %v", id, err)
		}
	}
}

// NopLauncher satisfies Launcher for deployments without automation tools.
type NopLauncher struct{}

func (NopLauncher) Create(context.Context) (string, error) { return "", nil }
func (NopLauncher) Stop(context.Context, string) error     { return nil }
