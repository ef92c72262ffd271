// Package coordinator drives escrow agreements through their workflow: it
// mirrors ledger state, gates every request through the workflow engine,
// and tracks submitted requests until the ledger confirms them.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"

	"escrowcoord/native/escrow"
	"escrowcoord/observability"
)

// DefaultConfirmTimeout bounds how long an action waits for confirmation
// before the caller gets ErrConfirmationTimeout.
const DefaultConfirmTimeout = 2 * time.Minute

// Result describes a confirmed and reconciled action.
type Result struct {
	PendingID common.Hash
	Kind      escrow.ActionKind
	// Resource is set for actions that create a new agreement.
	Resource *common.Address
	// Snapshot is the refreshed view after confirmation. It is nil when the
	// post-confirmation refresh failed.
	Snapshot *escrow.Snapshot
}

// Coordinator serializes workflow requests for one agreement: a request is
// checked against the view left by the previous one.
type Coordinator struct {
	agreement common.Address
	engine    *escrow.Engine
	mirror    *Mirror
	tracker   *Tracker
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *observability.CoordinatorMetrics
	sem       *semaphore.Weighted
}

func newCoordinator(agreement common.Address, engine *escrow.Engine, mirror *Mirror, tracker *Tracker, timeout time.Duration, logger *slog.Logger, metrics *observability.CoordinatorMetrics) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Coordinator{
		agreement: agreement,
		engine:    engine,
		mirror:    mirror,
		tracker:   tracker,
		timeout:   timeout,
		logger:    logger.With("agreement", agreement.Hex()),
		metrics:   metrics,
		sem:       semaphore.NewWeighted(1),
	}
}

// Agreement returns the agreement address.
func (c *Coordinator) Agreement() common.Address { return c.agreement }

// View returns the current mirrored snapshot.
func (c *Coordinator) View() (*escrow.Snapshot, bool) { return c.mirror.View() }

// Refresh re-reads the agreement from the ledger.
func (c *Coordinator) Refresh(ctx context.Context) (*escrow.Snapshot, error) {
	return c.mirror.Refresh(ctx)
}

// Participant derives the caller's role from the current view.
func (c *Coordinator) Participant(caller common.Address) (ParticipantView, error) {
	return c.mirror.Participant(caller)
}

// Progress reports the agreement-wide progress from the current view.
func (c *Coordinator) Progress() (escrow.Progress, error) {
	snap, ok := c.mirror.View()
	if !ok {
		return escrow.Progress{}, fmt.Errorf("%w: agreement %s not mirrored", ErrStaleView, c.agreement.Hex())
	}
	return snap.Progress(), nil
}

// Pending lists the tracked actions targeting this agreement.
func (c *Coordinator) Pending() []PendingAction {
	var out []PendingAction
	for _, pa := range c.tracker.Pending() {
		if pa.Agreement == c.agreement {
			out = append(out, pa)
		}
	}
	return out
}

func (c *Coordinator) Accept(ctx context.Context, caller common.Address) (*Result, error) {
	return c.execute(ctx, caller, escrow.AcceptArgs{}, nil)
}

func (c *Coordinator) AddUnit(ctx context.Context, caller common.Address, unit escrow.UnitSpec) (*Result, error) {
	return c.execute(ctx, caller, escrow.AddUnitArgs{Unit: unit}, nil)
}

func (c *Coordinator) FinalizeSetup(ctx context.Context, caller common.Address) (*Result, error) {
	return c.execute(ctx, caller, escrow.FinalizeSetupArgs{}, nil)
}

// Deposit funds the agreement. Native-asset agreements attach the full total;
// token agreements attach nothing.
func (c *Coordinator) Deposit(ctx context.Context, caller common.Address) (*Result, error) {
	return c.execute(ctx, caller, escrow.DepositArgs{}, func(snap *escrow.Snapshot) (*big.Int, error) {
		if snap.Agreement.NativeAsset() {
			return new(big.Int).Set(snap.Agreement.TotalAmount), nil
		}
		return new(big.Int), nil
	})
}

func (c *Coordinator) SubmitUnit(ctx context.Context, caller common.Address, args escrow.SubmitArgs) (*Result, error) {
	return c.execute(ctx, caller, args, nil)
}

func (c *Coordinator) RequestRevision(ctx context.Context, caller common.Address, args escrow.RevisionArgs) (*Result, error) {
	return c.execute(ctx, caller, args, nil)
}

// ApproveUnit approves a submitted unit, attaching the approval fee computed
// from the unit amount.
func (c *Coordinator) ApproveUnit(ctx context.Context, caller common.Address, unitID uint64) (*Result, error) {
	return c.execute(ctx, caller, escrow.ApproveArgs{UnitID: unitID}, func(snap *escrow.Snapshot) (*big.Int, error) {
		return c.engine.ApprovalFee(snap, unitID)
	})
}

func (c *Coordinator) RaiseDispute(ctx context.Context, caller common.Address, args escrow.RaiseDisputeArgs) (*Result, error) {
	return c.execute(ctx, caller, args, nil)
}

func (c *Coordinator) ResolveDispute(ctx context.Context, caller common.Address, args escrow.ResolveDisputeArgs) (*Result, error) {
	return c.execute(ctx, caller, args, nil)
}

func (c *Coordinator) CancelDispute(ctx context.Context, caller common.Address, unitID uint64) (*Result, error) {
	return c.execute(ctx, caller, escrow.CancelDisputeArgs{UnitID: unitID}, nil)
}

func (c *Coordinator) CancelUnit(ctx context.Context, caller common.Address, unitID uint64) (*Result, error) {
	return c.execute(ctx, caller, escrow.CancelUnitArgs{UnitID: unitID}, nil)
}

func (c *Coordinator) Refund(ctx context.Context, caller common.Address) (*Result, error) {
	return c.execute(ctx, caller, escrow.RefundArgs{}, nil)
}

// Await resumes waiting on an action that previously timed out.
func (c *Coordinator) Await(ctx context.Context, id common.Hash, timeout time.Duration) (*Result, error) {
	handle, ok := c.tracker.handle(id)
	if !ok || handle.Agreement != c.agreement {
		return nil, actionError("", id, fmt.Errorf("%w: %s", ErrUnknownAction, id.Hex()))
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	return c.finish(ctx, handle, timeout)
}

// execute runs one action: guards against the current view, submission,
// confirmation and reconciliation of the mirror. Nothing is submitted when
// a guard fails.
func (c *Coordinator) execute(ctx context.Context, caller common.Address, args escrow.ActionArgs, value func(*escrow.Snapshot) (*big.Int, error)) (*Result, error) {
	kind := args.Kind()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, actionError(kind, common.Hash{}, fmt.Errorf("%w: agreement %s busy: %w", ErrStaleView, c.agreement.Hex(), err))
	}
	defer c.sem.Release(1)

	snap, ok := c.mirror.View()
	if !ok {
		return nil, actionError(kind, common.Hash{}, fmt.Errorf("%w: agreement %s not mirrored", ErrStaleView, c.agreement.Hex()))
	}
	action := escrow.Action{Agreement: c.agreement, Caller: caller, Args: args}
	if value != nil {
		v, err := value(snap)
		if err != nil {
			c.metrics.RecordAction(string(kind), "rejected")
			return nil, actionError(kind, common.Hash{}, err)
		}
		action.Value = v
	}
	if err := c.engine.Check(snap, action); err != nil {
		c.metrics.RecordAction(string(kind), "rejected")
		c.logger.Info("action rejected", "kind", string(kind), "caller", caller.Hex(), "error", err)
		return nil, actionError(kind, common.Hash{}, err)
	}

	handle, err := c.tracker.Submit(ctx, action)
	if err != nil {
		return nil, actionError(kind, common.Hash{}, err)
	}
	return c.finish(ctx, handle, c.timeout)
}

// finish waits for confirmation and reconciles the mirror. The action stays
// confirmed in the tracker until a refresh at or past its block succeeds.
func (c *Coordinator) finish(ctx context.Context, handle PendingHandle, timeout time.Duration) (*Result, error) {
	defer c.tracker.hold(handle.ID)()
	outcome, err := c.tracker.Await(ctx, handle, timeout)
	if err != nil {
		return nil, actionError(handle.Kind, handle.ID, err)
	}
	result := &Result{PendingID: handle.ID, Kind: handle.Kind, Resource: outcome.Resource}
	snap, err := c.mirror.Refresh(ctx)
	if err != nil {
		return result, actionError(handle.Kind, handle.ID, err)
	}
	if err := reconciled(snap, outcome); err != nil {
		c.logger.Warn("refreshed view predates confirmation", "kind", string(handle.Kind), "pending_id", handle.ID.Hex(), "view_block", snap.Block, "confirmed_block", outcome.Block)
		return result, actionError(handle.Kind, handle.ID, err)
	}
	c.tracker.Discard(ctx, handle.ID)
	result.Snapshot = snap
	c.logger.Info("action reconciled", "kind", string(handle.Kind), "pending_id", handle.ID.Hex(), "phase", snap.Agreement.Phase.String())
	return result, nil
}

// reconciled reports ErrStaleView when snap was read before the block that
// confirmed outcome.
func reconciled(snap *escrow.Snapshot, outcome Outcome) error {
	if snap == nil {
		return fmt.Errorf("%w: no view after confirmation", ErrStaleView)
	}
	if snap.Block < outcome.Block {
		return fmt.Errorf("%w: view at block %d predates confirmation in block %d", ErrStaleView, snap.Block, outcome.Block)
	}
	return nil
}
