package transaction

import (
	"sync"
	"sync/atomic"
)

// XidGenerator hands out monotonically increasing transaction ids.
type XidGenerator struct {
	next atomic.Uint64
}

// NewXidGenerator starts at start, or at FirstNormalTxnID when start is lower.
func NewXidGenerator(start TxnID) *XidGenerator {
	g := &XidGenerator{}
	if start < FirstNormalTxnID {
		start = FirstNormalTxnID
	}
	g.next.Store(uint64(start))
	return g
}

// Next assigns a new id.
func (g *XidGenerator) Next() TxnID {
	return TxnID(g.next.Add(1) - 1)
}

// Peek returns the id the next call to Next will return.
func (g *XidGenerator) Peek() TxnID {
	return TxnID(g.next.Load())
}

// AdvancePast makes sure no id at or below xid is handed out again.
func (g *XidGenerator) AdvancePast(xid TxnID) {
	for {
		cur := g.next.Load()
		if uint64(xid) < cur {
			return
		}
		if g.next.CompareAndSwap(cur, uint64(xid)+1) {
			return
		}
	}
}

// SubTransMap is the ephemeral child -> parent index. It is rebuilt on
// startup and never persisted.
type SubTransMap struct {
	mu      sync.RWMutex
	parents map[TxnID]TxnID
}

func NewSubTransMap() *SubTransMap {
	return &SubTransMap{parents: make(map[TxnID]TxnID)}
}

func (s *SubTransMap) SetParent(child, parent TxnID) {
	s.mu.Lock()
	s.parents[child] = parent
	s.mu.Unlock()
}

// Parent returns InvalidTxnID when child has no recorded parent.
func (s *SubTransMap) Parent(child TxnID) TxnID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parents[child]
}

// TopParent follows the parent chain up to the top-level transaction.
func (s *SubTransMap) TopParent(xid TxnID) TxnID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		p, ok := s.parents[xid]
		if !ok || p == InvalidTxnID {
			return xid
		}
		xid = p
	}
}
