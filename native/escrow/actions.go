package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ActionKind names a logical workflow request.
type ActionKind string

const (
	ActionCreateAgreement ActionKind = "createAgreement"
	ActionAccept          ActionKind = "accept"
	ActionAddUnit         ActionKind = "addUnit"
	ActionFinalizeSetup   ActionKind = "finalizeSetup"
	ActionDeposit         ActionKind = "deposit"
	ActionSubmitUnit      ActionKind = "submitUnit"
	ActionRequestRevision ActionKind = "requestRevision"
	ActionApproveUnit     ActionKind = "approveUnit"
	ActionRaiseDispute    ActionKind = "raiseDispute"
	ActionResolveDispute  ActionKind = "resolveDispute"
	ActionCancelDispute   ActionKind = "cancelDispute"
	ActionCancelUnit      ActionKind = "cancelUnit"
	ActionRefund          ActionKind = "refund"
)

// ProducesResource reports whether a confirmed action of this kind yields a
// new resource identifier that has to be recovered from event data.
func (k ActionKind) ProducesResource() bool { return k == ActionCreateAgreement }

// ActionArgs is implemented by the typed argument set of each action kind.
type ActionArgs interface {
	Kind() ActionKind
}

// Action is a logical request against the ledger. Agreement is zero for
// agreement creation, which targets the factory.
type Action struct {
	Agreement common.Address
	Caller    common.Address
	Value     *big.Int
	Args      ActionArgs
}

// Kind reports the action kind, or the empty string when no arguments are set.
func (a Action) Kind() ActionKind {
	if a.Args == nil {
		return ""
	}
	return a.Args.Kind()
}

// UnitSpec describes a unit to be created.
type UnitSpec struct {
	Assignee      common.Address `json:"assignee"`
	Amount        *big.Int       `json:"amount"`
	Deadline      int64          `json:"deadline"`
	RevisionLimit uint32         `json:"revisionLimit"`
	Description   string         `json:"description"`
	Dependencies  []uint64       `json:"dependencies,omitempty"`
}

type CreateArgs struct {
	Client       common.Address `json:"client"`
	PaymentAsset common.Address `json:"paymentAsset"`
	TotalAmount  *big.Int       `json:"totalAmount"`
	Units        []UnitSpec     `json:"units"`
}

type AcceptArgs struct{}

type AddUnitArgs struct {
	Unit UnitSpec `json:"unit"`
}

type FinalizeSetupArgs struct{}

type DepositArgs struct{}

type SubmitArgs struct {
	UnitID      uint64 `json:"unitId"`
	Deliverable string `json:"deliverable"`
	Note        string `json:"note,omitempty"`
}

type RevisionArgs struct {
	UnitID   uint64 `json:"unitId"`
	Feedback string `json:"feedback"`
}

type ApproveArgs struct {
	UnitID uint64 `json:"unitId"`
}

type RaiseDisputeArgs struct {
	UnitID uint64      `json:"unitId"`
	Type   DisputeType `json:"disputeType"`
	Reason string      `json:"reason"`
}

type ResolveDisputeArgs struct {
	UnitID uint64         `json:"unitId"`
	Winner common.Address `json:"winner"`
}

type CancelDisputeArgs struct {
	UnitID uint64 `json:"unitId"`
}

type CancelUnitArgs struct {
	UnitID uint64 `json:"unitId"`
}

type RefundArgs struct{}

func (CreateArgs) Kind() ActionKind         { return ActionCreateAgreement }
func (AcceptArgs) Kind() ActionKind         { return ActionAccept }
func (AddUnitArgs) Kind() ActionKind        { return ActionAddUnit }
func (FinalizeSetupArgs) Kind() ActionKind  { return ActionFinalizeSetup }
func (DepositArgs) Kind() ActionKind        { return ActionDeposit }
func (SubmitArgs) Kind() ActionKind         { return ActionSubmitUnit }
func (RevisionArgs) Kind() ActionKind       { return ActionRequestRevision }
func (ApproveArgs) Kind() ActionKind        { return ActionApproveUnit }
func (RaiseDisputeArgs) Kind() ActionKind   { return ActionRaiseDispute }
func (ResolveDisputeArgs) Kind() ActionKind { return ActionResolveDispute }
func (CancelDisputeArgs) Kind() ActionKind  { return ActionCancelDispute }
func (CancelUnitArgs) Kind() ActionKind     { return ActionCancelUnit }
func (RefundArgs) Kind() ActionKind         { return ActionRefund }
