package transaction

import "fmt"

// TxnID identifies a local transaction or subtransaction.
type TxnID uint64

// InvalidTxnID is never assigned to a transaction.
const InvalidTxnID TxnID = 0

// FirstNormalTxnID is the first id handed out by a fresh XidGenerator.
const FirstNormalTxnID TxnID = 3

func (id TxnID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// Precedes reports whether id was assigned before other.
func (id TxnID) Precedes(other TxnID) bool {
	return id < other
}

// LatestTxnID returns the largest id among xid and its children.
func LatestTxnID(xid TxnID, children []TxnID) TxnID {
	latest := xid
	for _, c := range children {
		if latest.Precedes(c) {
			latest = c
		}
	}
	return latest
}

// TransactionState represents the durable or in-memory state of a transaction on a participant.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, or its outcome is not recorded yet
	TxnStatePrepared                          // Participant has voted COMMIT and is waiting for global decision
	TxnStateCommitted                         // Participant has received COMMIT decision
	TxnStateAborted                           // Participant has received ABORT decision or decided to abort locally
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStatePrepared:
		return "prepared"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

// Resolved reports whether the state is a final outcome.
func (s TransactionState) Resolved() bool {
	return s == TxnStateCommitted || s == TxnStateAborted
}

// Handle is the visibility record of one transaction: while published, its xid
// and subtransaction ids are reported as in progress by the visibility index.
type Handle struct {
	Xid        TxnID
	Subxids    []TxnID
	DatabaseID uint32
	OwnerID    uint32
	Prepared   bool
}

// StatusLog is the durable commit/abort status of transactions.
type StatusLog interface {
	MarkCommitted(xid TxnID) error
	MarkAborted(xid TxnID) error
	Status(xid TxnID) (TransactionState, error)
}

// XidHorizon is implemented by status logs that can report the highest xid
// they hold an outcome for. The xid counter must never restart below it.
type XidHorizon interface {
	LatestXid() (TxnID, error)
}

// VisibilityIndex publishes running transactions to snapshot takers.
type VisibilityIndex interface {
	Publish(h *Handle)
	Withdraw(h *Handle, latestXid TxnID)
}

// SubTransIndex maps subtransaction ids to their parent.
type SubTransIndex interface {
	SetParent(child, parent TxnID)
}

// XidCounter is the source of new transaction ids.
type XidCounter interface {
	Peek() TxnID
	AdvancePast(xid TxnID)
}
