package wasm

import (
	"context"
	"sync/atomic"

	wazeroapi "github.com/tetratelabs/wazero/api"
)

// guestInstance is one instantiated guest with its resolved entry points.
// Instances are single-threaded and not re-entrant: the pool hands each one
// to at most one request at a time.
type guestInstance struct {
	mod            wazeroapi.Module
	handleRequest  wazeroapi.Function
	handleResponse wazeroapi.Function
}

func (g *guestInstance) close(ctx context.Context) {
	if g.mod != nil {
		_ = g.mod.Close(ctx)
	}
}

// instancePool is a channel-based pool of pre-instantiated guests.
// Channel-based (not sync.Pool) because instances are expensive and must not
// be GC'd while idle.
type instancePool struct {
	instantiate func(context.Context) (*guestInstance, error)
	instances   chan *guestInstance

	borrows    atomic.Int64
	returns    atomic.Int64
	poolMisses atomic.Int64
	discards   atomic.Int64

	closed atomic.Bool
}

func newInstancePool(ctx context.Context, size int, instantiate func(context.Context) (*guestInstance, error)) (*instancePool, error) {
	if size <= 0 {
		size = 4
	}
	p := &instancePool{
		instantiate: instantiate,
		instances:   make(chan *guestInstance, size),
	}
	for i := 0; i < size; i++ {
		g, err := instantiate(ctx)
		if err != nil {
			p.close(ctx)
			return nil, err
		}
		p.instances <- g
	}
	return p, nil
}

// borrow returns an instance from the pool, instantiating a fresh one when
// the pool is empty rather than queueing the request.
func (p *instancePool) borrow(ctx context.Context) (*guestInstance, error) {
	p.borrows.Add(1)
	select {
	case g := <-p.instances:
		return g, nil
	default:
		p.poolMisses.Add(1)
		return p.instantiate(ctx)
	}
}

// giveBack returns a healthy instance. Excess instances are closed.
func (p *instancePool) giveBack(ctx context.Context, g *guestInstance) {
	p.returns.Add(1)
	if p.closed.Load() {
		g.close(ctx)
		return
	}
	select {
	case p.instances <- g:
	default:
		g.close(ctx)
	}
}

// discard ejects a trapped instance. A trapped instance is never reused; the
// next borrow replaces it.
func (p *instancePool) discard(ctx context.Context, g *guestInstance) {
	p.discards.Add(1)
	g.close(ctx)
}

func (p *instancePool) close(ctx context.Context) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.instances)
	for g := range p.instances {
		g.close(ctx)
	}
}

// PoolStats is a point-in-time view of pool usage.
type PoolStats struct {
	Borrows    int64 `json:"borrows"`
	Returns    int64 `json:"returns"`
	PoolMisses int64 `json:"pool_misses"`
	Discards   int64 `json:"discards"`
	PoolSize   int   `json:"pool_size"`
}

func (p *instancePool) stats() PoolStats {
	return PoolStats{
		Borrows:    p.borrows.Load(),
		Returns:    p.returns.Load(),
		PoolMisses: p.poolMisses.Load(),
		Discards:   p.discards.Load(),
		PoolSize:   len(p.instances),
	}
}
