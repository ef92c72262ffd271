package escrow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var progressByStatus = map[UnitStatus]uint8{
	UnitPending:       0,
	UnitSubmitted:     50,
	UnitUnderRevision: 25,
	UnitApproved:      75,
	UnitPaid:          100,
	UnitDisputed:      0,
	UnitCancelled:     0,
}

// ProgressPercent is an approximate workflow-progress indicator for display.
// It is not a payment calculation and must never feed one.
func ProgressPercent(status UnitStatus) uint8 {
	return progressByStatus[status]
}

// IsOverdue reports whether a deadline has passed. A zero deadline means the
// unit has none and is never overdue; otherwise the unit becomes overdue only
// once now is strictly past the deadline second.
func IsOverdue(deadline int64, now time.Time) bool {
	return deadline > 0 && now.Unix() > deadline
}

// Overdue reports whether the unit's deadline has passed.
func (u *WorkUnit) Overdue(now time.Time) bool {
	if u == nil {
		return false
	}
	return IsOverdue(u.Deadline, now)
}

// TimeRemaining returns the time left before the deadline. The boolean is
// false when the unit has no deadline.
func (u *WorkUnit) TimeRemaining(now time.Time) (time.Duration, bool) {
	if u == nil || u.Deadline <= 0 {
		return 0, false
	}
	return time.Unix(u.Deadline, 0).Sub(now), true
}

// IsClient reports whether the caller is the agreement's client.
func (s *Snapshot) IsClient(caller common.Address) bool {
	return s != nil && caller != (common.Address{}) && s.Agreement.Client == caller
}

// IsAssignee reports whether the caller is assigned to at least one unit.
func (s *Snapshot) IsAssignee(caller common.Address) bool {
	if s == nil || caller == (common.Address{}) {
		return false
	}
	for _, u := range s.Units {
		if u.Assignee == caller {
			return true
		}
	}
	return false
}

// IsParticipant reports whether the caller is the client, the resolved
// counterparty or an assignee.
func (s *Snapshot) IsParticipant(caller common.Address) bool {
	if s == nil {
		return false
	}
	if cp := s.Agreement.Counterparty; cp != nil && *cp == caller && caller != (common.Address{}) {
		return true
	}
	return s.IsClient(caller) || s.IsAssignee(caller)
}

// UnitsFor returns copies of the units assigned to the supplied address.
func (s *Snapshot) UnitsFor(assignee common.Address) []*WorkUnit {
	if s == nil {
		return nil
	}
	var out []*WorkUnit
	for _, u := range s.Units {
		if u.Assignee == assignee {
			out = append(out, u.Clone())
		}
	}
	return out
}

// AssigneeSummary aggregates the units of a single assignee.
type AssigneeSummary struct {
	Pending     int
	Submitted   int
	Paid        int
	TotalEarned *big.Int
}

// SummaryFor computes the assignee summary from the snapshot.
func (s *Snapshot) SummaryFor(assignee common.Address) AssigneeSummary {
	summary := AssigneeSummary{TotalEarned: new(big.Int)}
	if s == nil {
		return summary
	}
	for _, u := range s.Units {
		if u.Assignee != assignee {
			continue
		}
		switch u.Status() {
		case UnitPending:
			summary.Pending++
		case UnitSubmitted:
			summary.Submitted++
		case UnitPaid:
			summary.Paid++
			summary.TotalEarned.Add(summary.TotalEarned, amount(u.Amount))
		}
	}
	return summary
}

// Progress is the agreement-wide progress view.
type Progress struct {
	TotalUnits     uint64
	CompletedUnits uint64
	TotalPaid      *big.Int
	Remaining      *big.Int
}

// Progress reports completion counts and the amount still held in escrow.
func (s *Snapshot) Progress() Progress {
	if s == nil {
		return Progress{TotalPaid: new(big.Int), Remaining: new(big.Int)}
	}
	a := &s.Agreement
	remaining := new(big.Int).Sub(amount(a.TotalAmount), amount(a.TotalPaid))
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return Progress{
		TotalUnits:     a.UnitCount,
		CompletedUnits: a.CompletedUnits,
		TotalPaid:      cloneAmount(a.TotalPaid),
		Remaining:      remaining,
	}
}
