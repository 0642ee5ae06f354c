package convergence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrPartitioned = errors.New("peer unreachable: network partitioned")

// Transport delivers a push to a peer and returns its ack.
type Transport interface {
	Push(ctx context.Context, peer NodeID, msg *GossipMessage) (*GossipAck, error)
}

// Receiver handles pushes addressed to one node. *Node implements it.
type Receiver interface {
	HandleGossip(ctx context.Context, msg *GossipMessage) (*GossipAck, error)
}

// LocalNetwork connects nodes in one process. Messages are encoded and
// decoded on every hop, so sender and receiver never share memory.
type LocalNetwork struct {
	mu    sync.RWMutex
	nodes map[NodeID]Receiver
	cut   map[[2]NodeID]struct{}
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes: make(map[NodeID]Receiver),
		cut:   make(map[[2]NodeID]struct{}),
	}
}

// Join makes r reachable as id.
func (ln *LocalNetwork) Join(id NodeID, r Receiver) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.nodes[id] = r
}

// Partition drops all traffic between a and b in both directions.
func (ln *LocalNetwork) Partition(a, b NodeID) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	ln.cut[linkKey(a, b)] = struct{}{}
}

// Heal restores the link between a and b.
func (ln *LocalNetwork) Heal(a, b NodeID) {
	ln.mu.Lock()
	defer ln.mu.Unlock()
	delete(ln.cut, linkKey(a, b))
}

func (ln *LocalNetwork) Push(ctx context.Context, peer NodeID, msg *GossipMessage) (*GossipAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ln.mu.RLock()
	r, ok := ln.nodes[peer]
	_, cut := ln.cut[linkKey(msg.From, peer)]
	ln.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	if cut {
		return nil, fmt.Errorf("%w: %s -> %s", ErrPartitioned, msg.From, peer)
	}

	var wire GossipMessage
	if err := roundTrip(msg, &wire); err != nil {
		return nil, err
	}
	ack, err := r.HandleGossip(ctx, &wire)
	if err != nil && ack == nil {
		return nil, err
	}
	var out GossipAck
	if err := roundTrip(ack, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func roundTrip(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode gossip payload: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode gossip payload: %w", err)
	}
	return nil
}

func linkKey(a, b NodeID) [2]NodeID {
	if a > b {
		a, b = b, a
	}
	return [2]NodeID{a, b}
}
