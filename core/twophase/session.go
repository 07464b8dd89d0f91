package twophase

import (
	"github.com/google/uuid"
	"github.com/sushant-115/gojo2pc/core/transaction"
)

// Role is the part a session plays in a distributed transaction.
type Role int

const (
	RoleDispatch Role = iota // coordinator-facing session
	RoleExecute              // segment worker; may finish transactions of any database
	RoleUtility
)

// Session is the caller identity used by the registry. A session is used by
// one goroutine at a time and holds at most one registry entry.
type Session struct {
	ID         uuid.UUID
	UserID     uint32
	DatabaseID uint32
	Superuser  bool
	Role       Role

	// Xact is the session's own visibility handle for the transaction being
	// prepared. Prepare withdraws it once the prepared handle is published.
	Xact *transaction.Handle

	held *Entry
}

func NewSession(userID, databaseID uint32) *Session {
	return &Session{ID: uuid.New(), UserID: userID, DatabaseID: databaseID}
}

// HoldsEntry reports whether the session currently holds a registry entry.
func (s *Session) HoldsEntry() bool {
	return s.held != nil
}
