// Package escrow models milestone escrow agreements as they are mirrored from
// the ledger and defines the workflow rules that gate every state-changing
// request before it is submitted.
package escrow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPreconditionRejected marks a guard violation. The snapshot the guard was
// evaluated against is never modified; callers must re-evaluate against a
// fresh snapshot before trying again.
var ErrPreconditionRejected = errors.New("escrow: precondition rejected")

// ErrInvalidSnapshot is returned when mirrored ledger data violates an
// invariant of the data model.
var ErrInvalidSnapshot = errors.New("escrow: invalid snapshot")

// Phase is the agreement-level lifecycle stage.
type Phase uint8

const (
	PhaseCreated Phase = iota
	PhaseFunded
	PhaseInProgress
	PhaseCompleted
	PhaseDisputed
	PhaseRefunded
)

var phaseNames = [...]string{"Created", "Funded", "InProgress", "Completed", "Disputed", "Refunded"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Valid reports whether the phase value is within the supported range.
func (p Phase) Valid() bool { return int(p) < len(phaseNames) }

// Terminal reports whether no further phase transition is reachable.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseRefunded }

// ParsePhase resolves a phase label case-insensitively.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown phase %q", s)
}

// UnitStatus is the lifecycle status of a single work unit.
type UnitStatus uint8

const (
	UnitPending UnitStatus = iota
	UnitSubmitted
	UnitUnderRevision
	UnitApproved
	UnitPaid
	UnitDisputed
	UnitCancelled
)

var unitStatusNames = [...]string{"Pending", "Submitted", "UnderRevision", "Approved", "Paid", "Disputed", "Cancelled"}

func (s UnitStatus) String() string {
	if int(s) < len(unitStatusNames) {
		return unitStatusNames[s]
	}
	return fmt.Sprintf("UnitStatus(%d)", uint8(s))
}

// Valid reports whether the status value is within the supported range.
func (s UnitStatus) Valid() bool { return int(s) < len(unitStatusNames) }

// Terminal reports whether the unit has been finally settled.
func (s UnitStatus) Terminal() bool { return s == UnitPaid || s == UnitCancelled }

// ParseUnitStatus resolves a status label case-insensitively.
func ParseUnitStatus(s string) (UnitStatus, error) {
	for i, name := range unitStatusNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return UnitStatus(i), nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown unit status %q", s)
}

// DisputeType classifies the grievance behind a dispute.
type DisputeType uint8

const (
	DisputeNone DisputeType = iota
	DisputeQualityIssue
	DisputeMissedDeadline
	DisputeScopeChange
	DisputeNonPayment
	DisputeAbandonment
)

var disputeTypeNames = [...]string{"None", "QualityIssue", "MissedDeadline", "ScopeChange", "NonPayment", "Abandonment"}

func (d DisputeType) String() string {
	if int(d) < len(disputeTypeNames) {
		return disputeTypeNames[d]
	}
	return fmt.Sprintf("DisputeType(%d)", uint8(d))
}

// Valid reports whether the dispute type value is within the supported range.
func (d DisputeType) Valid() bool { return int(d) < len(disputeTypeNames) }

// ParseDisputeType resolves a dispute type label case-insensitively.
func ParseDisputeType(s string) (DisputeType, error) {
	for i, name := range disputeTypeNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return DisputeType(i), nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown dispute type %q", s)
}

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionRejected, fmt.Sprintf(format, args...))
}
