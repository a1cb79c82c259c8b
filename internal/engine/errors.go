package engine

import (
	"fmt"
	"strings"
)

// InvalidTransitionError reports an attempt to move an entity along an edge
// the lifecycle does not have. Never retried automatically.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// PendingAcceptanceError blocks finalize while assigned technicians have not
// accepted.
type PendingAcceptanceError struct {
	Technicians []string
}

func (e PendingAcceptanceError) Error() string {
	return fmt.Sprintf("technicians pending acceptance: %s", strings.Join(e.Technicians, ", "))
}

// IncompleteEvidenceError blocks finalize while mandatory requirement groups
// lack linked evidence. Missing holds the canonical human titles.
type IncompleteEvidenceError struct {
	Missing []string
}

func (e IncompleteEvidenceError) Error() string {
	return fmt.Sprintf("mandatory requirements without evidence: %s", strings.Join(e.Missing, ", "))
}

// ConcurrentModificationError signals a lost optimistic check; the whole
// operation is safe to retry from fresh state.
type ConcurrentModificationError struct {
	Op string
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification during %s; retry", e.Op)
}
