// Package fees implements the basis-point arithmetic used to price workflow
// actions. Every operation is bounded to 256 bits and reports overflow
// instead of wrapping or clamping.
package fees

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// BpsDenominator is the number of basis points in a whole.
const BpsDenominator = 10_000

const (
	// DefaultApprovalBps is the platform fee attached when a unit is approved.
	DefaultApprovalBps = 250
	// DefaultDeploymentBps is the fee attached when an agreement is created.
	DefaultDeploymentBps = 50
)

var (
	// ErrArithmeticOverflow is returned when an amount or intermediate product
	// does not fit the ledger's 256-bit integer range.
	ErrArithmeticOverflow = errors.New("fees: arithmetic overflow")
	// ErrInvalidRate is returned for rates above BpsDenominator.
	ErrInvalidRate = errors.New("fees: invalid rate")
	// ErrNegativeAmount is returned for amounts below zero.
	ErrNegativeAmount = errors.New("fees: negative amount")
)

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, v)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("%w: %d-bit amount", ErrArithmeticOverflow, v.BitLen())
	}
	return out, nil
}

// ApplyBps computes floor(amount * bps / 10000). The product is computed at
// 256 bits; an overflowing product is an error, never a clamped value.
func ApplyBps(amount *big.Int, bps uint32) (*big.Int, error) {
	if bps > BpsDenominator {
		return nil, fmt.Errorf("%w: %d bps", ErrInvalidRate, bps)
	}
	x, err := toUint256(amount)
	if err != nil {
		return nil, err
	}
	product, overflow := new(uint256.Int).MulOverflow(x, uint256.NewInt(uint64(bps)))
	if overflow {
		return nil, fmt.Errorf("%w: %s * %d", ErrArithmeticOverflow, amount, bps)
	}
	return product.Div(product, uint256.NewInt(BpsDenominator)).ToBig(), nil
}

// CheckedAdd returns a+b, failing when the sum leaves the 256-bit range.
func CheckedAdd(a, b *big.Int) (*big.Int, error) {
	x, err := toUint256(a)
	if err != nil {
		return nil, err
	}
	y, err := toUint256(b)
	if err != nil {
		return nil, err
	}
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrArithmeticOverflow, a, b)
	}
	return sum.ToBig(), nil
}

// Remaining returns total-paid, or zero when paid exceeds total.
func Remaining(total, paid *big.Int) (*big.Int, error) {
	x, err := toUint256(total)
	if err != nil {
		return nil, err
	}
	y, err := toUint256(paid)
	if err != nil {
		return nil, err
	}
	if y.Gt(x) {
		return new(big.Int), nil
	}
	return new(uint256.Int).Sub(x, y).ToBig(), nil
}

// Schedule holds the rates charged by the platform.
type Schedule struct {
	ApprovalBps   uint32 `yaml:"approval_bps"`
	DeploymentBps uint32 `yaml:"deployment_bps"`
}

// DefaultSchedule returns the stock platform rates.
func DefaultSchedule() Schedule {
	return Schedule{ApprovalBps: DefaultApprovalBps, DeploymentBps: DefaultDeploymentBps}
}

// Validate ensures both rates are within range.
func (s Schedule) Validate() error {
	if s.ApprovalBps > BpsDenominator {
		return fmt.Errorf("%w: approval %d bps", ErrInvalidRate, s.ApprovalBps)
	}
	if s.DeploymentBps > BpsDenominator {
		return fmt.Errorf("%w: deployment %d bps", ErrInvalidRate, s.DeploymentBps)
	}
	return nil
}

// ApprovalFee is the value a client attaches when approving a unit.
func (s Schedule) ApprovalFee(unitAmount *big.Int) (*big.Int, error) {
	return ApplyBps(unitAmount, s.ApprovalBps)
}

// DeploymentFee is the value attached when creating an agreement.
func (s Schedule) DeploymentFee(total *big.Int) (*big.Int, error) {
	return ApplyBps(total, s.DeploymentBps)
}
