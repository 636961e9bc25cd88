// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/Azure/azure-remote-shuffle/common"
)

// PoolConfig sizes the process-wide client pool.
type PoolConfig struct {
	// RPCTimeout is the per-round-trip deadline inherited by every transport
	// operation. Zero picks the default.
	RPCTimeout time.Duration

	// MaxIdlePerHost caps how many spare connections we keep per worker.
	MaxIdlePerHost int

	// MaxHosts caps how many workers we keep idle connections to; the least
	// recently used worker's connections are dropped beyond that.
	MaxHosts int

	// MaxConcurrentFetches caps in-flight chunk pulls across all readers
	// sharing the pool.
	MaxConcurrentFetches int64

	// MaxChunkSize sizes the pooled chunk buffers.
	MaxChunkSize uint32
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 30 * time.Second
	}
	if c.MaxIdlePerHost <= 0 {
		c.MaxIdlePerHost = 4
	}
	if c.MaxHosts <= 0 {
		c.MaxHosts = 256
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = 64
	}
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = 1 << 24
	}
	return c
}

// idleClients is the per-worker stack of spare connections.
type idleClients struct {
	clients []*ChunkStreamClient
}

// ClientPool hands out ChunkStreamClients keyed by worker address. Created
// once per process and shared across epoch readers; connections are made
// lazily, reused when healthy, and dropped when the worker set outgrows the
// LRU bound.
type ClientPool struct {
	mu        sync.Mutex
	idle      *lru.Cache // addr -> *idleClients
	cfg       PoolConfig
	slicePool common.ByteSlicePooler
	limiter   common.FetchLimiter
	logger    common.ILogger
	closed    bool
}

func NewClientPool(cfg PoolConfig, logger common.ILogger) *ClientPool {
	cfg = cfg.withDefaults()
	p := &ClientPool{
		cfg:       cfg,
		slicePool: common.NewMultiSizeSlicePool(cfg.MaxChunkSize),
		limiter:   common.NewFetchLimiter(cfg.MaxConcurrentFetches),
		logger:    logger,
	}
	p.idle = lru.New(cfg.MaxHosts)
	p.idle.OnEvicted = func(key lru.Key, value interface{}) {
		for _, c := range value.(*idleClients).clients {
			_ = c.Close()
		}
	}
	return p
}

// SlicePool exposes the pool's buffer pool, so callers can return buffers
// they sourced from clients of this pool.
func (p *ClientPool) SlicePool() common.ByteSlicePooler {
	return p.slicePool
}

// Checkout returns a client connected to addr, reusing an idle connection when
// one exists. The caller owns the client until Return (or Discard via close).
func (p *ClientPool) Checkout(ctx context.Context, addr string) (*ChunkStreamClient, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, common.ErrInvalidArgument("client pool is closed")
	}
	if v, ok := p.idle.Get(addr); ok {
		stack := v.(*idleClients)
		for len(stack.clients) > 0 {
			c := stack.clients[len(stack.clients)-1]
			stack.clients = stack.clients[:len(stack.clients)-1]
			if c.isBroken() {
				_ = c.Close()
				continue
			}
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	return dialChunkStreamClient(ctx, addr, p.cfg.RPCTimeout, p.slicePool, p.limiter, p.logger)
}

// Return puts a healthy client back for reuse; broken or surplus clients are
// closed instead.
func (p *ClientPool) Return(c *ChunkStreamClient) {
	if c == nil {
		return
	}
	if c.isBroken() || c.streamOpen {
		_ = c.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = c.Close()
		return
	}
	var stack *idleClients
	if v, ok := p.idle.Get(c.addr); ok {
		stack = v.(*idleClients)
	} else {
		stack = &idleClients{}
		p.idle.Add(c.addr, stack)
	}
	if len(stack.clients) >= p.cfg.MaxIdlePerHost {
		_ = c.Close()
		return
	}
	stack.clients = append(stack.clients, c)
}

// Close drops every idle connection. Clients currently checked out stay valid;
// they are closed when returned.
func (p *ClientPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.idle.Clear() // OnEvicted closes each connection
}
