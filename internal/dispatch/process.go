package dispatch

import (
	"github.com/google/uuid"
)

// ProcessID identifies this relay instance in OrderDispatched events. It is
// generated once at startup and passed to the components that need it.
type ProcessID uuid.UUID

// NewProcessID returns a fresh random ProcessID.
func NewProcessID() ProcessID {
	return ProcessID(uuid.New())
}

// UUID returns the id as a uuid.UUID.
func (p ProcessID) UUID() uuid.UUID { return uuid.UUID(p) }

func (p ProcessID) String() string { return uuid.UUID(p).String() }
