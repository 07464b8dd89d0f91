package transaction

import "sync"

// ProcArray is the in-memory visibility index. Handles are tracked by identity,
// so a prepared transaction and the session that prepared it can both be
// published for the same xid for a short window.
type ProcArray struct {
	mu                 sync.RWMutex
	handles            map[*Handle]struct{}
	latestCompletedXid TxnID
}

func NewProcArray() *ProcArray {
	return &ProcArray{handles: make(map[*Handle]struct{})}
}

func (p *ProcArray) Publish(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	p.handles[h] = struct{}{}
	p.mu.Unlock()
}

// Withdraw removes h and advances the latest completed xid.
func (p *ProcArray) Withdraw(h *Handle, latestXid TxnID) {
	if h == nil {
		return
	}
	p.mu.Lock()
	delete(p.handles, h)
	if p.latestCompletedXid.Precedes(latestXid) {
		p.latestCompletedXid = latestXid
	}
	p.mu.Unlock()
}

// IsInProgress reports whether xid, or a transaction having xid as a subtransaction, is published.
func (p *ProcArray) IsInProgress(xid TxnID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for h := range p.handles {
		if h.Xid == xid {
			return true
		}
		for _, sub := range h.Subxids {
			if sub == xid {
				return true
			}
		}
	}
	return false
}

func (p *ProcArray) LatestCompletedXid() TxnID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latestCompletedXid
}

func (p *ProcArray) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}
