package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"escrowcoord/native/escrow"
)

var (
	testFactory = common.HexToAddress("0x00000000000000000000000000000000000fac70")
	testClient  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	testWorkerA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testWorkerB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testArbiter = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	testNow     = time.Unix(1_700_000_000, 0).UTC()
)

func testEngine() *escrow.Engine {
	return escrow.NewEngine(
		escrow.WithClock(func() time.Time { return testNow }),
		escrow.WithArbiter(testArbiter),
	)
}

func creationLog(factory, agreement common.Address) *gethtypes.Log {
	return &gethtypes.Log{
		Address: factory,
		Topics: []common.Hash{
			escrow.AgreementCreatedTopic,
			common.BytesToHash(testClient.Bytes()),
			common.BytesToHash(agreement.Bytes()),
		},
	}
}

// fakeLedger applies submitted actions with the workflow engine and serves
// receipts, heads and snapshots from the resulting state.
type fakeLedger struct {
	mu         sync.Mutex
	engine     *escrow.Engine
	agreements map[common.Address]*escrow.Snapshot
	receipts   map[common.Hash]*gethtypes.Receipt
	held       map[common.Hash]*gethtypes.Receipt
	submitted  []escrow.Action
	block      uint64
	created    byte

	submitErr error
	readErr   error
	reads     atomic.Int32
	hold      bool
	dropLogs  bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		engine:     testEngine(),
		agreements: map[common.Address]*escrow.Snapshot{},
		receipts:   map[common.Hash]*gethtypes.Receipt{},
		held:       map[common.Hash]*gethtypes.Receipt{},
		block:      100,
	}
}

func (l *fakeLedger) Submit(_ context.Context, action escrow.Action) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.submitErr != nil {
		return common.Hash{}, l.submitErr
	}
	l.block++
	l.submitted = append(l.submitted, action)
	id := common.BigToHash(big.NewInt(int64(len(l.submitted))))
	receipt := &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(l.block),
		TxHash:      id,
	}
	if action.Kind() == escrow.ActionCreateAgreement {
		l.created++
		addr := common.BytesToAddress([]byte{0xe5, 0xc0, l.created})
		snap, err := l.engine.Create(action, addr)
		if err != nil {
			receipt.Status = gethtypes.ReceiptStatusFailed
		} else {
			snap.Block = l.block
			l.agreements[addr] = snap
			if !l.dropLogs {
				receipt.Logs = []*gethtypes.Log{creationLog(testFactory, addr)}
			}
		}
	} else {
		next, err := l.engine.Apply(l.agreements[action.Agreement], action)
		if err != nil {
			receipt.Status = gethtypes.ReceiptStatusFailed
		} else {
			next.Block = l.block
			l.agreements[action.Agreement] = next
		}
	}
	if l.hold {
		l.held[id] = receipt
	} else {
		l.receipts[id] = receipt
	}
	return id, nil
}

func (l *fakeLedger) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, r := range l.held {
		l.receipts[id] = r
		delete(l.held, id)
	}
	l.hold = false
}

func (l *fakeLedger) submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.submitted)
}

func (l *fakeLedger) TransactionReceipt(_ context.Context, id common.Hash) (*gethtypes.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.receipts[id]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (l *fakeLedger) HeaderByNumber(_ context.Context, _ *big.Int) (*gethtypes.Header, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &gethtypes.Header{Number: new(big.Int).SetUint64(l.block)}, nil
}

func (l *fakeLedger) ReadAgreement(_ context.Context, addr common.Address) (*escrow.Snapshot, error) {
	l.reads.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	snap, ok := l.agreements[addr]
	if !ok {
		return nil, errors.New("agreement not deployed")
	}
	return snap.Clone(), nil
}

func (l *fakeLedger) setReadErr(err error) {
	l.mu.Lock()
	l.readErr = err
	l.mu.Unlock()
}

// seed deploys an agreement directly, bypassing the factory.
func (l *fakeLedger) seed(t *testing.T, addr common.Address, units ...escrow.UnitSpec) {
	t.Helper()
	args := escrow.CreateArgs{Client: testClient, TotalAmount: big.NewInt(3_000_000), Units: units}
	fee, err := l.engine.DeploymentFee(args.TotalAmount)
	if err != nil {
		t.Fatalf("deployment fee: %v", err)
	}
	snap, err := l.engine.Create(escrow.Action{Caller: testClient, Value: fee, Args: args}, addr)
	if err != nil {
		t.Fatalf("seed agreement: %v", err)
	}
	l.mu.Lock()
	snap.Block = l.block
	l.agreements[addr] = snap
	l.mu.Unlock()
}

func defaultUnits() []escrow.UnitSpec {
	return []escrow.UnitSpec{
		{Assignee: testWorkerA, Amount: big.NewInt(1_000_000), RevisionLimit: 1, Description: "design"},
		{Assignee: testWorkerB, Amount: big.NewInt(1_000_000), RevisionLimit: 2, Dependencies: []uint64{0}, Description: "build"},
		{Assignee: testWorkerA, Amount: big.NewInt(1_000_000), Description: "handover"},
	}
}

func newTestTracker(t *testing.T, ledger *fakeLedger, fallbacks ...Endpoint) *Tracker {
	t.Helper()
	tracker, err := NewTracker(TrackerConfig{
		Submitter:    ledger,
		Primary:      Endpoint{Name: "primary", Client: ledger},
		Fallbacks:    fallbacks,
		Factory:      testFactory,
		EventTopic:   escrow.AgreementCreatedTopic,
		PollInterval: 5 * time.Millisecond,
		Clock:        func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tracker
}

func newTestService(t *testing.T, ledger *fakeLedger, discovery *Discovery) *Service {
	t.Helper()
	svc, err := NewService(ServiceConfig{
		Engine:         ledger.engine,
		Reader:         ledger,
		Tracker:        newTestTracker(t, ledger),
		Discovery:      discovery,
		ConfirmTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

// stubEndpoint serves a fixed receipt and counts lookups.
type stubEndpoint struct {
	mu      sync.Mutex
	receipt *gethtypes.Receipt
	err     error
	head    uint64
	calls   atomic.Int32
}

func (s *stubEndpoint) set(r *gethtypes.Receipt, err error) {
	s.mu.Lock()
	s.receipt, s.err = r, err
	s.mu.Unlock()
}

func (s *stubEndpoint) TransactionReceipt(_ context.Context, _ common.Hash) (*gethtypes.Receipt, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if s.receipt == nil {
		return nil, ethereum.NotFound
	}
	return s.receipt, nil
}

func (s *stubEndpoint) HeaderByNumber(_ context.Context, _ *big.Int) (*gethtypes.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &gethtypes.Header{Number: new(big.Int).SetUint64(s.head)}, nil
}

type stubSubmitter struct {
	id  common.Hash
	err error
}

func (s stubSubmitter) Submit(context.Context, escrow.Action) (common.Hash, error) {
	return s.id, s.err
}

func successReceipt(block int64, logs ...*gethtypes.Log) *gethtypes.Receipt {
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(block), Logs: logs}
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
