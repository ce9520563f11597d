package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEntity is returned for nodes or edges missing required fields
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrNotFound is returned when a node or edge id does not resolve
	ErrNotFound = errors.New("not found")
)

// ReferentialIntegrityError reports an edge that would reference a missing node
// where the caller asked for strict reference checking.
type ReferentialIntegrityError struct {
	Edge    EdgeKey
	Missing []string // Node ids that could not be resolved
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("referential integrity: edge %s references missing node(s) %v", e.Edge, e.Missing)
}

// PersistenceFormatError reports a snapshot that is structurally invalid
type PersistenceFormatError struct {
	Entry  string // "snapshot", "node" or "edge"
	Index  int    // Position of the entry in its collection, -1 for the whole snapshot
	ID     string // Offending id or edge key when known
	Reason string
}

func (e *PersistenceFormatError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("snapshot format: %s", e.Reason)
	}
	if e.ID != "" {
		return fmt.Sprintf("snapshot format: %s[%d] %q: %s", e.Entry, e.Index, e.ID, e.Reason)
	}
	return fmt.Sprintf("snapshot format: %s[%d]: %s", e.Entry, e.Index, e.Reason)
}

// InvalidOptionsError reports malformed options passed to a read or maintenance operation
type InvalidOptionsError struct {
	Option string
	Value  any
	Reason string
}

func (e *InvalidOptionsError) Error() string {
	return fmt.Sprintf("invalid option %s=%v: %s", e.Option, e.Value, e.Reason)
}
