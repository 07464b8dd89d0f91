package twophase

import (
	"fmt"

	"github.com/sushant-115/gojo2pc/core/transaction"
)

// RMID is the resource-manager kind of a prepare sub-record.
type RMID uint16

const (
	RMEnd          RMID = 0 // terminates the sub-record list
	RMLock         RMID = 1
	RMInvalidation RMID = 2
	RMNotify       RMID = 3
	RMStats        RMID = 4
	RMMaxID             = RMStats
)

func (id RMID) String() string {
	switch id {
	case RMEnd:
		return "end"
	case RMLock:
		return "lock"
	case RMInvalidation:
		return "invalidation"
	case RMNotify:
		return "notify"
	case RMStats:
		return "stats"
	default:
		return fmt.Sprintf("rm(%d)", uint16(id))
	}
}

// Callback consumes one sub-record of a prepared transaction.
type Callback func(xid transaction.TxnID, info uint16, data []byte)

// CallbackTable is indexed by RMID; nil slots are skipped.
type CallbackTable [RMMaxID + 1]Callback

// ResourceManager bundles the handlers one kind contributes.
type ResourceManager struct {
	PostCommit Callback
	PostAbort  Callback
	Recover    Callback
}

// Callbacks are the three dispatch tables used after commit, after abort and
// during recovery.
type Callbacks struct {
	PostCommit CallbackTable
	PostAbort  CallbackTable
	Recover    CallbackTable
}

// Register installs rm's handlers under id. The end kind cannot be registered.
func (c *Callbacks) Register(id RMID, rm ResourceManager) error {
	if id == RMEnd || id > RMMaxID {
		return fmt.Errorf("cannot register resource manager %s", id)
	}
	c.PostCommit[id] = rm.PostCommit
	c.PostAbort[id] = rm.PostAbort
	c.Recover[id] = rm.Recover
	return nil
}
