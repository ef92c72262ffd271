package coordinator

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"escrowcoord/native/escrow"
)

// Submitter hands a logical action to the signing and broadcast collaborator
// and returns the opaque pending identifier it issued.
type Submitter interface {
	Submit(ctx context.Context, action escrow.Action) (common.Hash, error)
}

// AgreementReader returns a read-consistent snapshot of one agreement.
type AgreementReader interface {
	ReadAgreement(ctx context.Context, agreement common.Address) (*escrow.Snapshot, error)
}

// ChainClient defines the subset of the Ethereum RPC used to confirm actions.
type ChainClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Endpoint is a named read-only confirmation source. Timeout bounds each
// lookup and Limiter, when set, shapes the request rate against it.
type Endpoint struct {
	Name    string
	Client  ChainClient
	Timeout time.Duration
	Limiter *rate.Limiter
}

func (e Endpoint) label() string {
	if e.Name == "" {
		return "unnamed"
	}
	return e.Name
}

func (e Endpoint) receipt(ctx context.Context, id common.Hash) (*gethtypes.Receipt, error) {
	if e.Limiter != nil {
		if err := e.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	return e.Client.TransactionReceipt(ctx, id)
}
