package gossipservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/sushant-115/versiondb/core/convergence"
	"github.com/sushant-115/versiondb/pkg/connection"
)

const DefaultCallTimeout = 5 * time.Second

// Client pushes gossip to peers over gRPC. It implements convergence.Transport.
type Client struct {
	pool    *connection.ConnectionPoolManager
	timeout time.Duration

	mu    sync.RWMutex
	peers map[convergence.NodeID]string
}

func NewClient(pool *connection.ConnectionPoolManager, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{pool: pool, timeout: timeout, peers: make(map[convergence.NodeID]string)}
}

// SetPeer records the address peer listens on.
func (c *Client) SetPeer(peer convergence.NodeID, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[peer] = address
}

func (c *Client) Push(ctx context.Context, peer convergence.NodeID, msg *convergence.GossipMessage) (*convergence.GossipAck, error) {
	c.mu.RLock()
	address, ok := c.peers[peer]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", convergence.ErrUnknownPeer, peer)
	}
	conn, err := c.pool.Get(address)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ack := new(convergence.GossipAck)
	if err := conn.Invoke(ctx, pushMethod, msg, ack, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, fmt.Errorf("gossip push to %s at %s failed: %w", peer, address, err)
	}
	return ack, nil
}
