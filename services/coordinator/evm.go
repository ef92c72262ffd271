package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"escrowcoord/native/escrow"
)

// agreementABI covers the read-only views of a deployed escrow agreement.
const agreementABI = `[
  {"type":"function","name":"getProjectInfo","stateMutability":"view","inputs":[],"outputs":[
    {"name":"client","type":"address"},
    {"name":"paymentToken","type":"address"},
    {"name":"totalAmount","type":"uint256"},
    {"name":"totalPaid","type":"uint256"},
    {"name":"platformFeeCollected","type":"uint256"},
    {"name":"currentPhase","type":"uint8"},
    {"name":"fundedAt","type":"uint256"},
    {"name":"milestoneCount","type":"uint256"},
    {"name":"completedMilestones","type":"uint256"},
    {"name":"allMilestonesCreated","type":"bool"}]},
  {"type":"function","name":"counterparty","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"address"}]},
  {"type":"function","name":"getAllMilestones","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"tuple[]","components":[
      {"name":"milestoneId","type":"uint256"},
      {"name":"worker","type":"address"},
      {"name":"amount","type":"uint256"},
      {"name":"deadline","type":"uint256"},
      {"name":"revisionLimit","type":"uint256"},
      {"name":"revisionCount","type":"uint256"},
      {"name":"status","type":"uint8"},
      {"name":"description","type":"string"},
      {"name":"createdAt","type":"uint256"},
      {"name":"exists","type":"bool"}]}]},
  {"type":"function","name":"getMilestoneDependencies","stateMutability":"view","inputs":[
    {"name":"milestoneId","type":"uint256"}],"outputs":[
    {"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getDispute","stateMutability":"view","inputs":[
    {"name":"milestoneId","type":"uint256"}],"outputs":[
    {"name":"disputeType","type":"uint8"},
    {"name":"initiator","type":"address"},
    {"name":"reason","type":"string"},
    {"name":"raisedAt","type":"uint256"},
    {"name":"resolved","type":"bool"},
    {"name":"winner","type":"address"},
    {"name":"previousStatus","type":"uint8"}]}
]`

// ContractBackend is the subset of the Ethereum RPC used to read agreements.
type ContractBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

type milestoneTuple struct {
	MilestoneId   *big.Int
	Worker        common.Address
	Amount        *big.Int
	Deadline      *big.Int
	RevisionLimit *big.Int
	RevisionCount *big.Int
	Status        uint8
	Description   string
	CreatedAt     *big.Int
	Exists        bool
}

// EVMReader reads agreement snapshots through contract view calls, all
// pinned to the same block.
type EVMReader struct {
	backend ContractBackend
	abi     abi.ABI
	now     func() time.Time
}

// NewEVMReader constructs a reader over the backend.
func NewEVMReader(backend ContractBackend) (*EVMReader, error) {
	if backend == nil {
		return nil, errors.New("coordinator: contract backend required")
	}
	parsed, err := abi.JSON(strings.NewReader(agreementABI))
	if err != nil {
		return nil, fmt.Errorf("parse agreement abi: %w", err)
	}
	return &EVMReader{backend: backend, abi: parsed, now: time.Now}, nil
}

// ReadAgreement implements AgreementReader.
func (r *EVMReader) ReadAgreement(ctx context.Context, agreement common.Address) (*escrow.Snapshot, error) {
	header, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil {
		return nil, errors.New("block metadata unavailable")
	}
	block := new(big.Int).Set(header.Number)

	info, err := r.call(ctx, agreement, block, "getProjectInfo")
	if err != nil {
		return nil, err
	}
	if len(info) != 10 {
		return nil, fmt.Errorf("getProjectInfo returned %d values", len(info))
	}
	snap := &escrow.Snapshot{
		Agreement: escrow.Agreement{
			Address:        agreement,
			Client:         *abi.ConvertType(info[0], new(common.Address)).(*common.Address),
			PaymentAsset:   *abi.ConvertType(info[1], new(common.Address)).(*common.Address),
			TotalAmount:    bigValue(info[2]),
			TotalPaid:      bigValue(info[3]),
			FeesCollected:  bigValue(info[4]),
			Phase:          escrow.Phase(*abi.ConvertType(info[5], new(uint8)).(*uint8)),
			SetupFinalized: *abi.ConvertType(info[9], new(bool)).(*bool),
		},
		Disputes:  map[uint64]*escrow.Dispute{},
		Block:     block.Uint64(),
		FetchedAt: r.now(),
	}
	a := &snap.Agreement
	if a.FundedAt, err = int64Value(info[6], "fundedAt"); err != nil {
		return nil, err
	}
	if a.UnitCount, err = uint64Value(info[7], "milestoneCount"); err != nil {
		return nil, err
	}
	if a.CompletedUnits, err = uint64Value(info[8], "completedMilestones"); err != nil {
		return nil, err
	}

	if a.Counterparty, err = r.counterparty(ctx, agreement, block); err != nil {
		return nil, err
	}

	out, err := r.call(ctx, agreement, block, "getAllMilestones")
	if err != nil {
		return nil, err
	}
	milestones := *abi.ConvertType(out[0], new([]milestoneTuple)).(*[]milestoneTuple)
	for _, m := range milestones {
		if !m.Exists {
			continue
		}
		unit, disputed, err := r.unit(ctx, agreement, block, m)
		if err != nil {
			return nil, err
		}
		if disputed != nil {
			snap.Disputes[unit.ID] = disputed
		}
		snap.Units = append(snap.Units, unit)
	}
	snap.SortUnits()
	return snap, nil
}

func (r *EVMReader) unit(ctx context.Context, agreement common.Address, block *big.Int, m milestoneTuple) (*escrow.WorkUnit, *escrow.Dispute, error) {
	id, err := uint64Value(m.MilestoneId, "milestoneId")
	if err != nil {
		return nil, nil, err
	}
	unit := &escrow.WorkUnit{
		ID:          id,
		Assignee:    m.Worker,
		Amount:      bigValue(m.Amount),
		Description: m.Description,
	}
	if unit.Deadline, err = int64Value(m.Deadline, "deadline"); err != nil {
		return nil, nil, err
	}
	if unit.CreatedAt, err = int64Value(m.CreatedAt, "createdAt"); err != nil {
		return nil, nil, err
	}
	limit, err := uint64Value(m.RevisionLimit, "revisionLimit")
	if err != nil || limit > uint64(^uint32(0)) {
		return nil, nil, fmt.Errorf("milestone %d revision limit out of range", id)
	}
	count, err := uint64Value(m.RevisionCount, "revisionCount")
	if err != nil || count > uint64(^uint32(0)) {
		return nil, nil, fmt.Errorf("milestone %d revision count out of range", id)
	}
	unit.RevisionLimit, unit.RevisionCount = uint32(limit), uint32(count)

	deps, err := r.call(ctx, agreement, block, "getMilestoneDependencies", m.MilestoneId)
	if err != nil {
		return nil, nil, err
	}
	for _, dep := range *abi.ConvertType(deps[0], new([]*big.Int)).(*[]*big.Int) {
		depID, err := uint64Value(dep, "dependency")
		if err != nil {
			return nil, nil, err
		}
		unit.Dependencies = append(unit.Dependencies, depID)
	}

	dispute, previous, err := r.dispute(ctx, agreement, block, id, m.MilestoneId)
	if err != nil {
		return nil, nil, err
	}
	status := escrow.UnitStatus(m.Status)
	if status == escrow.UnitDisputed {
		if dispute == nil || !dispute.Open() {
			return nil, nil, fmt.Errorf("%w: milestone %d disputed without an open dispute", escrow.ErrInvalidSnapshot, id)
		}
		unit.State = escrow.DisputedState(previous)
	} else {
		unit.State = escrow.ActiveState(status)
	}
	return unit, dispute, nil
}

func (r *EVMReader) dispute(ctx context.Context, agreement common.Address, block *big.Int, id uint64, raw *big.Int) (*escrow.Dispute, escrow.UnitStatus, error) {
	out, err := r.call(ctx, agreement, block, "getDispute", raw)
	if err != nil {
		return nil, 0, err
	}
	if len(out) != 7 {
		return nil, 0, fmt.Errorf("getDispute returned %d values", len(out))
	}
	raisedAt, err := int64Value(out[3], "raisedAt")
	if err != nil {
		return nil, 0, err
	}
	if raisedAt == 0 {
		return nil, 0, nil
	}
	d := &escrow.Dispute{
		UnitID:    id,
		Type:      escrow.DisputeType(*abi.ConvertType(out[0], new(uint8)).(*uint8)),
		Initiator: *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Reason:    *abi.ConvertType(out[2], new(string)).(*string),
		RaisedAt:  raisedAt,
		Resolved:  *abi.ConvertType(out[4], new(bool)).(*bool),
	}
	if winner := *abi.ConvertType(out[5], new(common.Address)).(*common.Address); winner != (common.Address{}) {
		d.Winner = &winner
	}
	previous := escrow.UnitStatus(*abi.ConvertType(out[6], new(uint8)).(*uint8))
	return d, previous, nil
}

// counterparty reads the optional counterparty view. Agreements deployed
// without it revert or return nothing, which leaves the counterparty
// unresolved.
func (r *EVMReader) counterparty(ctx context.Context, agreement common.Address, block *big.Int) (*common.Address, error) {
	input, err := r.abi.Pack("counterparty")
	if err != nil {
		return nil, fmt.Errorf("pack counterparty: %w", err)
	}
	output, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &agreement, Data: input}, block)
	if err != nil {
		if isRevert(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("call counterparty: %w", err)
	}
	if len(output) == 0 {
		return nil, nil
	}
	values, err := r.abi.Unpack("counterparty", output)
	if err != nil {
		return nil, fmt.Errorf("unpack counterparty: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	addr := *abi.ConvertType(values[0], new(common.Address)).(*common.Address)
	if addr == (common.Address{}) {
		return nil, nil
	}
	return &addr, nil
}

func isRevert(err error) bool {
	return errors.Is(err, vm.ErrExecutionReverted) || strings.Contains(err.Error(), "execution reverted")
}

func (r *EVMReader) call(ctx context.Context, to common.Address, block *big.Int, method string, args ...any) ([]any, error) {
	input, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	output, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := r.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return values, nil
}

func bigValue(v any) *big.Int {
	b, _ := v.(*big.Int)
	if b == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b)
}

func uint64Value(v any, field string) (uint64, error) {
	b := bigValue(v)
	if !b.IsUint64() {
		return 0, fmt.Errorf("%s %s out of range", field, b)
	}
	return b.Uint64(), nil
}

func int64Value(v any, field string) (int64, error) {
	b := bigValue(v)
	if !b.IsInt64() {
		return 0, fmt.Errorf("%s %s out of range", field, b)
	}
	return b.Int64(), nil
}

// EndpointConfig describes one confirmation endpoint.
type EndpointConfig struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
	// RateLimit caps lookups per second; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// DialEndpoint connects to an endpoint and returns it with the underlying
// client, which the caller closes.
func DialEndpoint(cfg EndpointConfig) (Endpoint, *ethclient.Client, error) {
	trimmed := strings.TrimSpace(cfg.URL)
	if trimmed == "" {
		return Endpoint{}, nil, fmt.Errorf("endpoint %q: url required", cfg.Name)
	}
	client, err := ethclient.Dial(trimmed)
	if err != nil {
		return Endpoint{}, nil, fmt.Errorf("dial endpoint %q: %w", cfg.Name, err)
	}
	ep := Endpoint{Name: cfg.Name, Client: client, Timeout: cfg.Timeout.Duration}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		ep.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ep, client, nil
}
