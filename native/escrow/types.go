package escrow

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Agreement captures the root escrow record governing one multi-party deal.
type Agreement struct {
	Address common.Address
	Client  common.Address
	// Counterparty stays nil until an accept action fixes it.
	Counterparty   *common.Address
	PaymentAsset   common.Address
	TotalAmount    *big.Int
	TotalPaid      *big.Int
	FeesCollected  *big.Int
	Phase          Phase
	FundedAt       int64
	UnitCount      uint64
	CompletedUnits uint64
	SetupFinalized bool
}

// Funded reports whether a funding timestamp has been recorded.
func (a *Agreement) Funded() bool { return a != nil && a.FundedAt > 0 }

// NativeAsset reports whether the agreement is paid in the ledger's native
// asset rather than a token contract.
func (a *Agreement) NativeAsset() bool { return a != nil && a.PaymentAsset == (common.Address{}) }

// Clone returns a deep copy of the agreement.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Counterparty != nil {
		cp := *a.Counterparty
		clone.Counterparty = &cp
	}
	clone.TotalAmount = cloneAmount(a.TotalAmount)
	clone.TotalPaid = cloneAmount(a.TotalPaid)
	clone.FeesCollected = cloneAmount(a.FeesCollected)
	return &clone
}

// UnitState is the status of a work unit. A disputed state always carries the
// status the unit held immediately before the dispute, and no other state
// carries one.
type UnitState struct {
	status   UnitStatus
	previous UnitStatus
}

// ActiveState builds a non-disputed unit state. Passing UnitDisputed is a
// programming error; use DisputedState instead.
func ActiveState(status UnitStatus) UnitState {
	if status == UnitDisputed {
		panic("escrow: disputed state requires a previous status")
	}
	return UnitState{status: status}
}

// DisputedState builds the disputed variant remembering the prior status.
func DisputedState(previous UnitStatus) UnitState {
	return UnitState{status: UnitDisputed, previous: previous}
}

// Status reports the current unit status.
func (s UnitState) Status() UnitStatus { return s.status }

// Previous returns the status to restore when the dispute is cancelled. The
// boolean is false for non-disputed states.
func (s UnitState) Previous() (UnitStatus, bool) {
	if s.status != UnitDisputed {
		return 0, false
	}
	return s.previous, true
}

func (s UnitState) String() string {
	if prev, ok := s.Previous(); ok {
		return fmt.Sprintf("Disputed(from %s)", prev)
	}
	return s.status.String()
}

// WorkUnit is a payable milestone with its own status lifecycle.
type WorkUnit struct {
	ID            uint64
	Assignee      common.Address
	Amount        *big.Int
	Deadline      int64
	RevisionLimit uint32
	RevisionCount uint32
	State         UnitState
	Description   string
	CreatedAt     int64
	Dependencies  []uint64
}

// Status is shorthand for State.Status().
func (u *WorkUnit) Status() UnitStatus { return u.State.Status() }

// Clone returns a deep copy of the unit.
func (u *WorkUnit) Clone() *WorkUnit {
	if u == nil {
		return nil
	}
	clone := *u
	clone.Amount = cloneAmount(u.Amount)
	if len(u.Dependencies) > 0 {
		clone.Dependencies = append([]uint64(nil), u.Dependencies...)
	}
	return &clone
}

// Dispute is raised by a participant against a single unit. The status to
// restore on cancellation lives in the unit's disputed state.
type Dispute struct {
	UnitID    uint64
	Type      DisputeType
	Initiator common.Address
	Reason    string
	RaisedAt  int64
	Resolved  bool
	Winner    *common.Address
}

// Open reports whether the dispute still awaits resolution or cancellation.
func (d *Dispute) Open() bool { return d != nil && !d.Resolved }

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Winner != nil {
		w := *d.Winner
		clone.Winner = &w
	}
	return &clone
}

// Snapshot is a read-consistent view of one agreement at a ledger height.
// Snapshots handed out by the mirror are copies; mutating one never affects
// another reader.
type Snapshot struct {
	Agreement Agreement
	Units     []*WorkUnit
	// Disputes holds the latest dispute per unit, open or resolved.
	Disputes  map[uint64]*Dispute
	Block     uint64
	FetchedAt time.Time
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	clone := &Snapshot{
		Agreement: *s.Agreement.Clone(),
		Block:     s.Block,
		FetchedAt: s.FetchedAt,
	}
	if len(s.Units) > 0 {
		clone.Units = make([]*WorkUnit, len(s.Units))
		for i, u := range s.Units {
			clone.Units[i] = u.Clone()
		}
	}
	clone.Disputes = make(map[uint64]*Dispute, len(s.Disputes))
	for id, d := range s.Disputes {
		clone.Disputes[id] = d.Clone()
	}
	return clone
}

// Unit returns the unit with the supplied identifier, or nil.
func (s *Snapshot) Unit(id uint64) *WorkUnit {
	if s == nil {
		return nil
	}
	// Units are stored in id order and ids are assigned sequentially, so the
	// index is usually the id itself.
	if id < uint64(len(s.Units)) && s.Units[id] != nil && s.Units[id].ID == id {
		return s.Units[id]
	}
	for _, u := range s.Units {
		if u != nil && u.ID == id {
			return u
		}
	}
	return nil
}

// OpenDispute returns the unresolved dispute for a unit, or nil.
func (s *Snapshot) OpenDispute(unitID uint64) *Dispute {
	if s == nil {
		return nil
	}
	if d := s.Disputes[unitID]; d.Open() {
		return d
	}
	return nil
}

// DisputePrevious reports the status a disputed unit returns to when its
// dispute is cancelled.
func (s *Snapshot) DisputePrevious(unitID uint64) (UnitStatus, bool) {
	u := s.Unit(unitID)
	if u == nil {
		return 0, false
	}
	return u.State.Previous()
}

// OpenDisputes counts unresolved disputes.
func (s *Snapshot) OpenDisputes() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, d := range s.Disputes {
		if d.Open() {
			n++
		}
	}
	return n
}

// SortUnits orders units by identifier.
func (s *Snapshot) SortUnits() {
	sort.Slice(s.Units, func(i, j int) bool { return s.Units[i].ID < s.Units[j].ID })
}

// Validate checks the data model invariants. Ledger reads that fail
// validation must not replace a previously good view.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}
	a := &s.Agreement
	if !a.Phase.Valid() {
		return fmt.Errorf("%w: phase %d out of range", ErrInvalidSnapshot, a.Phase)
	}
	if amount(a.TotalPaid).Cmp(amount(a.TotalAmount)) > 0 {
		return fmt.Errorf("%w: total paid %s exceeds total %s", ErrInvalidSnapshot, amount(a.TotalPaid), amount(a.TotalAmount))
	}
	if a.CompletedUnits > a.UnitCount {
		return fmt.Errorf("%w: completed units %d exceed unit count %d", ErrInvalidSnapshot, a.CompletedUnits, a.UnitCount)
	}
	if a.UnitCount != uint64(len(s.Units)) {
		return fmt.Errorf("%w: unit count %d but %d units mirrored", ErrInvalidSnapshot, a.UnitCount, len(s.Units))
	}
	seen := make(map[uint64]struct{}, len(s.Units))
	for _, u := range s.Units {
		if u == nil {
			return fmt.Errorf("%w: nil unit", ErrInvalidSnapshot)
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("%w: duplicate unit %d", ErrInvalidSnapshot, u.ID)
		}
		seen[u.ID] = struct{}{}
		if !u.Status().Valid() {
			return fmt.Errorf("%w: unit %d status %d out of range", ErrInvalidSnapshot, u.ID, u.Status())
		}
		if u.RevisionCount > u.RevisionLimit {
			return fmt.Errorf("%w: unit %d revision count %d exceeds limit %d", ErrInvalidSnapshot, u.ID, u.RevisionCount, u.RevisionLimit)
		}
		disputed := u.Status() == UnitDisputed
		if disputed != (s.OpenDispute(u.ID) != nil) {
			return fmt.Errorf("%w: unit %d is %s but open dispute present=%t", ErrInvalidSnapshot, u.ID, u.Status(), !disputed)
		}
	}
	for id := range s.Disputes {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("%w: dispute for unknown unit %d", ErrInvalidSnapshot, id)
		}
	}
	return nil
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// amount treats nil as zero without allocating for non-nil values.
func amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
