// Package connection provides a thread-safe pool of gRPC client connections.
// It manages connections to many remote hosts, which is what a node pushing
// gossip to every peer needs.
package connection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var ErrPoolClosed = errors.New("connection pool is closed")

// peerPool holds up to maxSize connections to one address, handed out
// round-robin. A gRPC connection multiplexes calls, so a handful is enough.
type peerPool struct {
	mu      sync.Mutex
	conns   []*grpc.ClientConn
	next    atomic.Uint64
	maxSize int
	address string
}

// ConnectionPoolManager manages one peerPool per remote address.
type ConnectionPoolManager struct {
	mu       sync.RWMutex
	pools    map[string]*peerPool
	maxSize  int
	dialOpts []grpc.DialOption
	closed   bool
}

// NewConnectionPoolManager creates a new manager for connection pools.
// maxSize is the number of connections per address. Without dial options,
// connections use insecure transport credentials.
func NewConnectionPoolManager(maxSize int, dialOpts ...grpc.DialOption) *ConnectionPoolManager {
	if maxSize <= 0 {
		maxSize = 1
	}
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &ConnectionPoolManager{
		pools:    make(map[string]*peerPool),
		maxSize:  maxSize,
		dialOpts: dialOpts,
	}
}

// Get returns a connection to address, creating the pool on first use.
func (m *ConnectionPoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	if !ok {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrPoolClosed
		}
		// Double-check after acquiring write lock
		pool, ok = m.pools[address]
		if !ok {
			pool = &peerPool{maxSize: m.maxSize, address: address}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}
	return pool.get(m.dialOpts)
}

func (p *peerPool) get(dialOpts []grpc.DialOption) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) < p.maxSize {
		conn, err := grpc.NewClient(p.address, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection to %s: %w", p.address, err)
		}
		p.conns = append(p.conns, conn)
		return conn, nil
	}
	i := p.next.Add(1)
	return p.conns[i%uint64(len(p.conns))], nil
}

func (p *peerPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	for _, conn := range p.conns {
		errs = multierr.Append(errs, conn.Close())
	}
	p.conns = nil
	return errs
}

// Remove closes and forgets the connections to address.
func (m *ConnectionPoolManager) Remove(address string) error {
	m.mu.Lock()
	pool, ok := m.pools[address]
	delete(m.pools, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return pool.close()
}

// Close shuts down every pool. Later Gets fail with ErrPoolClosed.
func (m *ConnectionPoolManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs error
	for _, pool := range m.pools {
		errs = multierr.Append(errs, pool.close())
	}
	m.pools = make(map[string]*peerPool)
	m.closed = true
	return errs
}
