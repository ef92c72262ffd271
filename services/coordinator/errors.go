package coordinator

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/native/escrow"
	"escrowcoord/native/fees"
)

var (
	// ErrPreconditionRejected reports a failed workflow guard. It is not
	// retryable without re-evaluating against a fresh snapshot.
	ErrPreconditionRejected = escrow.ErrPreconditionRejected
	// ErrArithmeticOverflow reports a fee computation outside the 256-bit
	// range. The action is abandoned.
	ErrArithmeticOverflow = fees.ErrArithmeticOverflow
	// ErrStaleView reports that no usable snapshot is available and the
	// mirror must be refreshed before retrying.
	ErrStaleView = errors.New("coordinator: stale view")
	// ErrSubmissionFailed reports that the ledger rejected the request or
	// that the confirmed request reverted.
	ErrSubmissionFailed = errors.New("coordinator: submission failed")
	// ErrConfirmationTimeout reports that a submitted action is still
	// unresolved after the caller's wait budget. It may be polled again.
	ErrConfirmationTimeout = errors.New("coordinator: confirmation timeout")
	// ErrIdentifierUnrecoverable reports a confirmed action whose resulting
	// identifier could not be extracted from any configured endpoint.
	ErrIdentifierUnrecoverable = errors.New("coordinator: identifier unrecoverable")
	// ErrUnknownAction is returned for pending identifiers the tracker does
	// not hold.
	ErrUnknownAction = errors.New("coordinator: unknown pending action")
	// ErrUnknownAgreement is returned for agreements without a coordinator.
	ErrUnknownAgreement = errors.New("coordinator: unknown agreement")
)

// ActionError is returned by every caller-facing operation. PendingID is
// set once the action has been accepted for inclusion.
type ActionError struct {
	Op        escrow.ActionKind
	PendingID common.Hash
	Err       error
}

func (e *ActionError) Error() string {
	if e.PendingID != (common.Hash{}) {
		return fmt.Sprintf("%s (pending %s): %v", e.Op, e.PendingID.Hex(), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Disposition tells a caller what to do with a failed operation.
type Disposition string

const (
	DispositionNone              Disposition = ""
	DispositionRetryAfterRefresh Disposition = "retry-after-refresh"
	DispositionWait              Disposition = "wait"
	DispositionAbort             Disposition = "abort"
	DispositionRecover           Disposition = "recover"
)

// DispositionOf classifies err against the error taxonomy.
func DispositionOf(err error) Disposition {
	switch {
	case err == nil:
		return DispositionNone
	case errors.Is(err, ErrIdentifierUnrecoverable):
		return DispositionRecover
	case errors.Is(err, ErrConfirmationTimeout):
		return DispositionWait
	case errors.Is(err, ErrPreconditionRejected), errors.Is(err, ErrStaleView):
		return DispositionRetryAfterRefresh
	default:
		return DispositionAbort
	}
}

func actionError(op escrow.ActionKind, pending common.Hash, err error) error {
	if err == nil {
		return nil
	}
	var existing *ActionError
	if errors.As(err, &existing) {
		return err
	}
	return &ActionError{Op: op, PendingID: pending, Err: err}
}
