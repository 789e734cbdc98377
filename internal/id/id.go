// Package id generates time-ordered 63-bit event identifiers.
package id

import (
	"fmt"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMask        = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	epoch     int64 = 1735689600000 // 2025-01-01 00:00:00 UTC
)

// Node generates ids for one process. IDs from one node are strictly
// increasing; ids from different nodes never collide.
type Node struct {
	mu     sync.Mutex
	nodeID int64
	last   int64
	step   int64
	now    func() int64
}

func NewNode(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > nodeMax {
		return nil, fmt.Errorf("node id %d out of range [0, %d]", nodeID, nodeMax)
	}
	return &Node{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ms := n.now()
	if ms < n.last {
		// clock went backwards; keep issuing from the last timestamp
		ms = n.last
	}
	if ms == n.last {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for ms <= n.last {
				ms = n.now()
			}
		}
	} else {
		n.step = 0
	}
	n.last = ms
	return (ms-epoch)<<timeShift | n.nodeID<<stepBits | n.step
}

// NodeOf returns the node id encoded in an id.
func NodeOf(v int64) int64 {
	return v >> stepBits & nodeMax
}
