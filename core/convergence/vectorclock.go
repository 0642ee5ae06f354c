package convergence

import "sort"

// NodeID names a participant in gossip.
type NodeID string

// Ordering is the causal relation between two vector clocks.
type Ordering int

const (
	Before Ordering = iota
	After
	Equal
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Before:
		return "BEFORE"
	case After:
		return "AFTER"
	case Equal:
		return "EQUAL"
	case Concurrent:
		return "CONCURRENT"
	}
	return "UNKNOWN"
}

// VectorClock maps a node to the number of commits it has originated that
// the holder has observed. A missing entry is zero.
type VectorClock map[NodeID]uint64

// Increment bumps node's counter and returns the new value.
func (vc VectorClock) Increment(node NodeID) uint64 {
	vc[node]++
	return vc[node]
}

// Merge returns the pointwise maximum of vc and other. Neither input is modified.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for node, n := range other {
		if n > merged[node] {
			merged[node] = n
		}
	}
	return merged
}

// Compare reports how vc relates to other: Before when other dominates,
// After when vc dominates, Concurrent when neither does.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool
	for node, n := range vc {
		switch o := other[node]; {
		case n > o:
			greater = true
		case n < o:
			less = true
		}
	}
	for node, o := range other {
		if _, ok := vc[node]; !ok && o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	}
	return Equal
}

// Copy returns an independent copy.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	for node, n := range vc {
		c[node] = n
	}
	return c
}

// Nodes lists the nodes with an entry, sorted.
func (vc VectorClock) Nodes() []NodeID {
	nodes := make([]NodeID, 0, len(vc))
	for node := range vc {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}
