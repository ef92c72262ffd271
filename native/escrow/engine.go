package escrow

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/native/fees"
)

// Engine evaluates workflow actions against a snapshot. It never mutates the
// snapshot it is given: Apply returns the successor state and Check only
// reports whether the guards hold.
type Engine struct {
	now      func() time.Time
	fees     fees.Schedule
	arbiter  common.Address
	resolver *Resolver
}

// EngineOption customises an engine.
type EngineOption func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithFeeSchedule sets the approval and deployment rates.
func WithFeeSchedule(schedule fees.Schedule) EngineOption {
	return func(e *Engine) { e.fees = schedule }
}

// WithArbiter sets the address allowed to resolve disputes. Without one no
// dispute can be resolved.
func WithArbiter(addr common.Address) EngineOption {
	return func(e *Engine) { e.arbiter = addr }
}

// WithResolver sets the dependency resolver used for submission.
func WithResolver(r *Resolver) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.resolver = r
		}
	}
}

// NewEngine constructs an engine with the default fee schedule and a
// resolver requiring paid dependencies.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		now:      func() time.Time { return time.Now().UTC() },
		fees:     fees.DefaultSchedule(),
		resolver: NewResolver(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Resolver returns the dependency resolver in use.
func (e *Engine) Resolver() *Resolver { return e.resolver }

// Fees returns the fee schedule in use.
func (e *Engine) Fees() fees.Schedule { return e.fees }

// Arbiter returns the configured dispute arbiter.
func (e *Engine) Arbiter() common.Address { return e.arbiter }

// ApprovalFee computes the value the client must attach to approve a unit.
func (e *Engine) ApprovalFee(snap *Snapshot, unitID uint64) (*big.Int, error) {
	unit := snap.Unit(unitID)
	if unit == nil {
		return nil, rejectf("unit %d not found", unitID)
	}
	return e.fees.ApprovalFee(amount(unit.Amount))
}

// DeploymentFee computes the value attached to an agreement creation.
func (e *Engine) DeploymentFee(total *big.Int) (*big.Int, error) {
	return e.fees.DeploymentFee(total)
}

// Check evaluates the guards of an action without producing a successor.
// Creation actions are checked without a snapshot.
func (e *Engine) Check(snap *Snapshot, action Action) error {
	if action.Kind() == ActionCreateAgreement {
		_, err := e.Create(action, common.Address{})
		return err
	}
	_, err := e.Apply(snap, action)
	return err
}

// Create builds the initial snapshot of an agreement deployed at addr.
func (e *Engine) Create(action Action, addr common.Address) (*Snapshot, error) {
	args, ok := action.Args.(CreateArgs)
	if !ok {
		return nil, rejectf("expected agreement creation, got %q", action.Kind())
	}
	if args.Client == (common.Address{}) {
		return nil, rejectf("client address required")
	}
	if action.Caller != args.Client {
		return nil, rejectf("caller %s is not the client", action.Caller)
	}
	total := amount(args.TotalAmount)
	if total.Sign() <= 0 {
		return nil, rejectf("total amount must be positive")
	}
	fee, err := e.fees.DeploymentFee(total)
	if err != nil {
		return nil, err
	}
	if amount(action.Value).Cmp(fee) < 0 {
		return nil, rejectf("attached value %s below deployment fee %s", amount(action.Value), fee)
	}

	now := e.now().Unix()
	snap := &Snapshot{
		Agreement: Agreement{
			Address:       addr,
			Client:        args.Client,
			PaymentAsset:  args.PaymentAsset,
			TotalAmount:   new(big.Int).Set(total),
			TotalPaid:     new(big.Int),
			FeesCollected: new(big.Int),
			Phase:         PhaseCreated,
		},
		Disputes:  map[uint64]*Dispute{},
		FetchedAt: e.now(),
	}
	for i, spec := range args.Units {
		if err := validateUnitSpec(spec); err != nil {
			return nil, err
		}
		snap.Units = append(snap.Units, newUnit(uint64(i), spec, now))
	}
	if err := checkAllocation(snap.Units, total); err != nil {
		return nil, err
	}
	if err := ValidateDependencies(snap.Units); err != nil {
		return nil, err
	}
	snap.Agreement.UnitCount = uint64(len(snap.Units))
	return snap, nil
}

// Apply evaluates the action against a copy of snap and returns the
// successor snapshot. On error the returned snapshot is nil.
func (e *Engine) Apply(snap *Snapshot, action Action) (*Snapshot, error) {
	if snap == nil {
		return nil, rejectf("no snapshot available")
	}
	if action.Args == nil {
		return nil, rejectf("action arguments required")
	}
	if action.Agreement != (common.Address{}) && action.Agreement != snap.Agreement.Address {
		return nil, rejectf("action targets %s, snapshot is %s", action.Agreement, snap.Agreement.Address)
	}
	if snap.Agreement.Phase.Terminal() {
		return nil, rejectf("agreement is %s", snap.Agreement.Phase)
	}
	next := snap.Clone()
	now := e.now().Unix()

	var err error
	switch args := action.Args.(type) {
	case CreateArgs:
		err = rejectf("agreement %s already exists", snap.Agreement.Address)
	case AcceptArgs:
		err = e.accept(next, action.Caller)
	case AddUnitArgs:
		err = e.addUnit(next, action.Caller, args.Unit, now)
	case FinalizeSetupArgs:
		err = e.finalizeSetup(next, action.Caller)
	case DepositArgs:
		err = e.deposit(next, action.Caller, action.Value, now)
	case SubmitArgs:
		err = e.submit(snap, next, action.Caller, args.UnitID)
	case RevisionArgs:
		err = e.requestRevision(next, action.Caller, args.UnitID)
	case ApproveArgs:
		err = e.approve(next, action.Caller, action.Value, args.UnitID)
	case RaiseDisputeArgs:
		err = e.raiseDispute(next, action.Caller, args, now)
	case ResolveDisputeArgs:
		err = e.resolveDispute(next, action.Caller, args.UnitID, args.Winner)
	case CancelDisputeArgs:
		err = e.cancelDispute(next, action.Caller, args.UnitID)
	case CancelUnitArgs:
		err = e.cancelUnit(next, action.Caller, args.UnitID)
	case RefundArgs:
		err = e.refund(next, action.Caller)
	default:
		err = rejectf("unsupported action %q", action.Kind())
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (e *Engine) accept(s *Snapshot, caller common.Address) error {
	a := &s.Agreement
	if a.Counterparty != nil {
		return rejectf("counterparty already resolved to %s", a.Counterparty.Hex())
	}
	if caller == (common.Address{}) {
		return rejectf("caller address required")
	}
	if caller == a.Client {
		return rejectf("client cannot accept its own agreement")
	}
	if a.Phase != PhaseCreated && a.Phase != PhaseFunded {
		return rejectf("agreement is %s", a.Phase)
	}
	cp := caller
	a.Counterparty = &cp
	return nil
}

func (e *Engine) addUnit(s *Snapshot, caller common.Address, spec UnitSpec, now int64) error {
	a := &s.Agreement
	if err := requireClient(s, caller); err != nil {
		return err
	}
	if a.SetupFinalized {
		return rejectf("setup already finalized")
	}
	switch a.Phase {
	case PhaseCreated, PhaseFunded, PhaseInProgress:
	default:
		return rejectf("cannot add units while %s", a.Phase)
	}
	if err := validateUnitSpec(spec); err != nil {
		return err
	}
	var id uint64
	for _, u := range s.Units {
		if u.ID >= id {
			id = u.ID + 1
		}
	}
	s.Units = append(s.Units, newUnit(id, spec, now))
	if err := checkAllocation(s.Units, a.TotalAmount); err != nil {
		return err
	}
	if err := ValidateDependencies(s.Units); err != nil {
		return err
	}
	a.UnitCount++
	return settle(s)
}

func (e *Engine) finalizeSetup(s *Snapshot, caller common.Address) error {
	if err := requireClient(s, caller); err != nil {
		return err
	}
	if s.Agreement.SetupFinalized {
		return rejectf("setup already finalized")
	}
	if s.Agreement.UnitCount == 0 {
		return rejectf("at least one unit is required")
	}
	s.Agreement.SetupFinalized = true
	return settle(s)
}

func (e *Engine) deposit(s *Snapshot, caller common.Address, value *big.Int, now int64) error {
	a := &s.Agreement
	if err := requireClient(s, caller); err != nil {
		return err
	}
	if a.Phase != PhaseCreated {
		return rejectf("agreement is %s", a.Phase)
	}
	if a.NativeAsset() {
		if amount(value).Cmp(amount(a.TotalAmount)) != 0 {
			return rejectf("attached value %s must equal total %s", amount(value), amount(a.TotalAmount))
		}
	} else if amount(value).Sign() != 0 {
		return rejectf("token agreements take no attached value")
	}
	if err := ValidatePhaseTransition(a.Phase, PhaseFunded); err != nil {
		return err
	}
	a.Phase = PhaseFunded
	a.FundedAt = now
	return settle(s)
}

func (e *Engine) submit(prev, s *Snapshot, caller common.Address, unitID uint64) error {
	unit, err := unitFor(s, unitID)
	if err != nil {
		return err
	}
	if caller != unit.Assignee {
		return rejectf("caller %s is not the assignee of unit %d", caller, unitID)
	}
	if st := unit.Status(); st != UnitPending && st != UnitUnderRevision {
		return rejectf("unit %d is %s", unitID, st)
	}
	if p := s.Agreement.Phase; p != PhaseFunded && p != PhaseInProgress {
		return rejectf("agreement is %s", p)
	}
	if blockers := e.resolver.Blockers(unitID, prev); len(blockers) > 0 {
		return rejectf("unit %d waits on units %v", unitID, blockers)
	}
	return transition(unit, UnitSubmitted)
}

func (e *Engine) requestRevision(s *Snapshot, caller common.Address, unitID uint64) error {
	if err := requireClient(s, caller); err != nil {
		return err
	}
	unit, err := unitFor(s, unitID)
	if err != nil {
		return err
	}
	if unit.Status() != UnitSubmitted {
		return rejectf("unit %d is %s", unitID, unit.Status())
	}
	if unit.RevisionCount >= unit.RevisionLimit {
		return rejectf("unit %d used all %d revisions", unitID, unit.RevisionLimit)
	}
	if err := transition(unit, UnitUnderRevision); err != nil {
		return err
	}
	unit.RevisionCount++
	return nil
}

func (e *Engine) approve(s *Snapshot, caller common.Address, value *big.Int, unitID uint64) error {
	if err := requireClient(s, caller); err != nil {
		return err
	}
	unit, err := unitFor(s, unitID)
	if err != nil {
		return err
	}
	if unit.Status() != UnitSubmitted {
		return rejectf("unit %d is %s", unitID, unit.Status())
	}
	fee, err := e.fees.ApprovalFee(amount(unit.Amount))
	if err != nil {
		return err
	}
	if amount(value).Cmp(fee) < 0 {
		return rejectf("attached value %s below approval fee %s", amount(value), fee)
	}
	if err := transition(unit, UnitApproved); err != nil {
		return err
	}
	if err := pay(s, unit); err != nil {
		return err
	}
	collected, err := fees.CheckedAdd(s.Agreement.FeesCollected, fee)
	if err != nil {
		return err
	}
	s.Agreement.FeesCollected = collected
	return settle(s)
}

func (e *Engine) raiseDispute(s *Snapshot, caller common.Address, args RaiseDisputeArgs, now int64) error {
	unit, err := unitFor(s, args.UnitID)
	if err != nil {
		return err
	}
	if caller != s.Agreement.Client && caller != unit.Assignee {
		return rejectf("caller %s is not a party to unit %d", caller, args.UnitID)
	}
	switch unit.Status() {
	case UnitPending, UnitSubmitted, UnitUnderRevision:
	default:
		return rejectf("unit %d is %s", args.UnitID, unit.Status())
	}
	if s.OpenDispute(args.UnitID) != nil {
		return rejectf("unit %d already has an open dispute", args.UnitID)
	}
	if args.Type == DisputeNone || !args.Type.Valid() {
		return rejectf("dispute type %s is not allowed", args.Type)
	}
	switch s.Agreement.Phase {
	case PhaseFunded, PhaseInProgress, PhaseDisputed:
	default:
		return rejectf("agreement is %s", s.Agreement.Phase)
	}
	if err := transition(unit, UnitDisputed); err != nil {
		return err
	}
	if s.Disputes == nil {
		s.Disputes = map[uint64]*Dispute{}
	}
	s.Disputes[args.UnitID] = &Dispute{
		UnitID:    args.UnitID,
		Type:      args.Type,
		Initiator: caller,
		Reason:    args.Reason,
		RaisedAt:  now,
	}
	return settle(s)
}

func (e *Engine) resolveDispute(s *Snapshot, caller common.Address, unitID uint64, winner common.Address) error {
	if e.arbiter == (common.Address{}) {
		return rejectf("no arbiter configured")
	}
	if caller != e.arbiter {
		return rejectf("caller %s is not the arbiter", caller)
	}
	unit, err := unitFor(s, unitID)
	if err != nil {
		return err
	}
	dispute := s.OpenDispute(unitID)
	if dispute == nil {
		return rejectf("unit %d has no open dispute", unitID)
	}
	switch winner {
	case unit.Assignee:
		if err := transition(unit, UnitPaid); err != nil {
			return err
		}
		if err := pay(s, unit); err != nil {
			return err
		}
	case s.Agreement.Client:
		if err := transition(unit, UnitCancelled); err != nil {
			return err
		}
		s.Agreement.CompletedUnits++
	default:
		return rejectf("winner %s is not a party to unit %d", winner, unitID)
	}
	w := winner
	dispute.Resolved = true
	dispute.Winner = &w
	return settle(s)
}

func (e *Engine) cancelDispute(s *Snapshot, caller common.Address, unitID uint64) error {
	unit, err := unitFor(s, unitID)
	if err != nil {
		return err
	}
	dispute := s.OpenDispute(unitID)
	if dispute == nil {
		return rejectf("unit %d has no open dispute", unitID)
	}
	if caller != dispute.Initiator {
		return rejectf("only the initiator can cancel the dispute on unit %d", unitID)
	}
	prev, ok := unit.State.Previous()
	if !ok {
		return rejectf("unit %d is %s", unitID, unit.Status())
	}
	if err := transition(unit, prev); err != nil {
		return err
	}
	dispute.Resolved = true
	return settle(s)
}

func (e *Engine) cancelUnit(s *Snapshot, caller common.Address, unitID uint64) error {
	if err := requireClient(s, caller); err != nil {
		return err
	}
	unit, err := unitFor(s, unitID)
	if err != nil {
		return err
	}
	if unit.Status() != UnitPending {
		return rejectf("unit %d is %s", unitID, unit.Status())
	}
	if unit.RevisionCount != 0 {
		return rejectf("unit %d has already been worked on", unitID)
	}
	if err := transition(unit, UnitCancelled); err != nil {
		return err
	}
	s.Agreement.CompletedUnits++
	return settle(s)
}

func (e *Engine) refund(s *Snapshot, caller common.Address) error {
	if err := requireClient(s, caller); err != nil {
		return err
	}
	a := &s.Agreement
	if a.Phase != PhaseCreated && a.Phase != PhaseFunded {
		return rejectf("agreement is %s", a.Phase)
	}
	if err := ValidatePhaseTransition(a.Phase, PhaseRefunded); err != nil {
		return err
	}
	a.Phase = PhaseRefunded
	return nil
}

// settle moves the agreement phase to reflect open disputes and completion.
// Unfunded and terminal agreements are left alone.
func settle(s *Snapshot) error {
	a := &s.Agreement
	if a.Phase == PhaseCreated || a.Phase.Terminal() {
		return nil
	}
	target := PhaseDisputed
	if s.OpenDisputes() == 0 {
		target = phaseAfter(a)
	}
	for a.Phase != target {
		step := target
		if ValidatePhaseTransition(a.Phase, step) != nil {
			step = PhaseInProgress
		}
		if step == a.Phase {
			return rejectf("agreement cannot move from %s to %s", a.Phase, target)
		}
		if err := ValidatePhaseTransition(a.Phase, step); err != nil {
			return err
		}
		a.Phase = step
	}
	return nil
}

func pay(s *Snapshot, unit *WorkUnit) error {
	if unit.Status() == UnitApproved {
		if err := transition(unit, UnitPaid); err != nil {
			return err
		}
	}
	paid, err := fees.CheckedAdd(s.Agreement.TotalPaid, unit.Amount)
	if err != nil {
		return err
	}
	if paid.Cmp(amount(s.Agreement.TotalAmount)) > 0 {
		return rejectf("payment of unit %d exceeds the agreement total", unit.ID)
	}
	s.Agreement.TotalPaid = paid
	s.Agreement.CompletedUnits++
	return nil
}

func transition(unit *WorkUnit, next UnitStatus) error {
	current := unit.Status()
	if err := ValidateUnitTransition(current, next); err != nil {
		return err
	}
	if next == UnitDisputed {
		unit.State = DisputedState(current)
		return nil
	}
	unit.State = ActiveState(next)
	return nil
}

func requireClient(s *Snapshot, caller common.Address) error {
	if !s.IsClient(caller) {
		return rejectf("caller %s is not the client", caller)
	}
	return nil
}

func unitFor(s *Snapshot, id uint64) (*WorkUnit, error) {
	unit := s.Unit(id)
	if unit == nil {
		return nil, rejectf("unit %d not found", id)
	}
	return unit, nil
}

func validateUnitSpec(spec UnitSpec) error {
	if spec.Assignee == (common.Address{}) {
		return rejectf("unit assignee required")
	}
	if amount(spec.Amount).Sign() <= 0 {
		return rejectf("unit amount must be positive")
	}
	if spec.Deadline < 0 {
		return rejectf("unit deadline must not be negative")
	}
	return nil
}

func newUnit(id uint64, spec UnitSpec, now int64) *WorkUnit {
	unit := &WorkUnit{
		ID:            id,
		Assignee:      spec.Assignee,
		Amount:        cloneAmount(spec.Amount),
		Deadline:      spec.Deadline,
		RevisionLimit: spec.RevisionLimit,
		State:         ActiveState(UnitPending),
		Description:   spec.Description,
		CreatedAt:     now,
	}
	if len(spec.Dependencies) > 0 {
		unit.Dependencies = append([]uint64(nil), spec.Dependencies...)
	}
	return unit
}

// checkAllocation ensures unit amounts never add up to more than the total.
func checkAllocation(units []*WorkUnit, total *big.Int) error {
	sum := new(big.Int)
	for _, u := range units {
		next, err := fees.CheckedAdd(sum, u.Amount)
		if err != nil {
			return err
		}
		sum = next
	}
	if sum.Cmp(amount(total)) > 0 {
		return rejectf("unit amounts %s exceed total %s", sum, amount(total))
	}
	return nil
}
