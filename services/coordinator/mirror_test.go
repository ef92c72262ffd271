package coordinator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"escrowcoord/native/escrow"
)

var mirroredAgreement = common.HexToAddress("0x00000000000000000000000000000000000a9e10")

type readerFunc func(ctx context.Context, agreement common.Address) (*escrow.Snapshot, error)

func (f readerFunc) ReadAgreement(ctx context.Context, agreement common.Address) (*escrow.Snapshot, error) {
	return f(ctx, agreement)
}

func mirrorSnapshot(t *testing.T, block uint64) *escrow.Snapshot {
	t.Helper()
	engine := testEngine()
	args := escrow.CreateArgs{Client: testClient, TotalAmount: big.NewInt(3_000_000), Units: defaultUnits()}
	fee, err := engine.DeploymentFee(args.TotalAmount)
	require.NoError(t, err)
	snap, err := engine.Create(escrow.Action{Caller: testClient, Value: fee, Args: args}, mirroredAgreement)
	require.NoError(t, err)
	snap.Block = block
	return snap
}

func TestMirrorEmptyUntilRefreshed(t *testing.T) {
	m := NewMirror(mirroredAgreement, readerFunc(func(context.Context, common.Address) (*escrow.Snapshot, error) {
		return mirrorSnapshot(t, 5), nil
	}))
	_, ok := m.View()
	require.False(t, ok)
	_, err := m.Participant(testClient)
	require.ErrorIs(t, err, ErrStaleView)
	_, err = m.UnitsFor(testWorkerA)
	require.ErrorIs(t, err, ErrStaleView)

	snap, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(5), snap.Block)

	view, err := m.Participant(testWorkerA)
	require.NoError(t, err)
	require.True(t, view.IsAssignee)
	require.True(t, view.IsParticipant)
	require.False(t, view.IsClient)
	require.Len(t, view.Units, 2)
	require.Equal(t, 2, view.Summary.Pending)

	client, err := m.Participant(testClient)
	require.NoError(t, err)
	require.True(t, client.IsClient)
	require.Empty(t, client.Units)

	units, err := m.UnitsFor(testWorkerB)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, uint64(1), units[0].ID)
}

func TestMirrorViewsAreCopies(t *testing.T) {
	m := NewMirror(mirroredAgreement, readerFunc(func(context.Context, common.Address) (*escrow.Snapshot, error) {
		return mirrorSnapshot(t, 5), nil
	}))
	snap, err := m.Refresh(context.Background())
	require.NoError(t, err)
	snap.Agreement.TotalAmount.SetInt64(1)
	snap.Units[0].Amount.SetInt64(1)

	view, ok := m.View()
	require.True(t, ok)
	require.Equal(t, int64(3_000_000), view.Agreement.TotalAmount.Int64())
	require.Equal(t, int64(1_000_000), view.Units[0].Amount.Int64())
}

func TestMirrorFailedRefreshKeepsView(t *testing.T) {
	var fail atomic.Bool
	cause := errors.New("node unavailable")
	m := NewMirror(mirroredAgreement, readerFunc(func(context.Context, common.Address) (*escrow.Snapshot, error) {
		if fail.Load() {
			return nil, cause
		}
		return mirrorSnapshot(t, 5), nil
	}))
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	fail.Store(true)
	_, err = m.Refresh(context.Background())
	require.ErrorIs(t, err, ErrStaleView)
	require.ErrorIs(t, err, cause)
	require.Equal(t, DispositionRetryAfterRefresh, DispositionOf(err))

	view, ok := m.View()
	require.True(t, ok)
	require.Equal(t, uint64(5), view.Block)
}

func TestMirrorRejectsInvalidSnapshots(t *testing.T) {
	good := mirrorSnapshot(t, 5)
	cases := []struct {
		name   string
		mutate func(*escrow.Snapshot)
		want   error
	}{
		{
			name:   "unit count mismatch",
			mutate: func(s *escrow.Snapshot) { s.Agreement.UnitCount = 7 },
			want:   escrow.ErrInvalidSnapshot,
		},
		{
			name:   "overpaid",
			mutate: func(s *escrow.Snapshot) { s.Agreement.TotalPaid = big.NewInt(4_000_000) },
			want:   escrow.ErrInvalidSnapshot,
		},
		{
			name: "disputed unit without dispute",
			mutate: func(s *escrow.Snapshot) {
				s.Units[0].State = escrow.DisputedState(escrow.UnitPending)
			},
			want: escrow.ErrInvalidSnapshot,
		},
		{
			name:   "other agreement",
			mutate: func(s *escrow.Snapshot) { s.Agreement.Address = common.HexToAddress("0xbad") },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var broken atomic.Bool
			m := NewMirror(mirroredAgreement, readerFunc(func(context.Context, common.Address) (*escrow.Snapshot, error) {
				snap := good.Clone()
				if broken.Load() {
					snap.Block = 6
					tc.mutate(snap)
				}
				return snap, nil
			}))
			_, err := m.Refresh(context.Background())
			require.NoError(t, err)

			broken.Store(true)
			_, err = m.Refresh(context.Background())
			require.ErrorIs(t, err, ErrStaleView)
			if tc.want != nil {
				require.ErrorIs(t, err, tc.want)
			}
			view, ok := m.View()
			require.True(t, ok)
			require.Equal(t, uint64(5), view.Block)
		})
	}
}

func TestMirrorFillsMissingAddressAndSortsUnits(t *testing.T) {
	m := NewMirror(mirroredAgreement, readerFunc(func(context.Context, common.Address) (*escrow.Snapshot, error) {
		snap := mirrorSnapshot(t, 5)
		snap.Agreement.Address = common.Address{}
		snap.Units[0], snap.Units[2] = snap.Units[2], snap.Units[0]
		return snap, nil
	}))
	snap, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, mirroredAgreement, snap.Agreement.Address)
	for i, u := range snap.Units {
		require.Equal(t, uint64(i), u.ID)
	}
}

func TestMirrorIgnoresOlderBlocks(t *testing.T) {
	var block atomic.Uint64
	block.Store(9)
	m := NewMirror(mirroredAgreement, readerFunc(func(context.Context, common.Address) (*escrow.Snapshot, error) {
		return mirrorSnapshot(t, block.Load()), nil
	}))
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)

	block.Store(7)
	snap, err := m.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), snap.Block)

	block.Store(11)
	snap, err = m.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(11), snap.Block)
}

func TestMirrorRefreshHook(t *testing.T) {
	var (
		mu     sync.Mutex
		blocks []uint64
	)
	var block atomic.Uint64
	block.Store(3)
	fail := errors.New("boom")
	var failing atomic.Bool
	m := NewMirror(mirroredAgreement,
		readerFunc(func(context.Context, common.Address) (*escrow.Snapshot, error) {
			if failing.Load() {
				return nil, fail
			}
			return mirrorSnapshot(t, block.Load()), nil
		}),
		WithRefreshHook(func(_ context.Context, snap *escrow.Snapshot) {
			mu.Lock()
			blocks = append(blocks, snap.Block)
			mu.Unlock()
		}),
	)
	_, err := m.Refresh(context.Background())
	require.NoError(t, err)
	block.Store(4)
	_, err = m.Refresh(context.Background())
	require.NoError(t, err)
	failing.Store(true)
	_, err = m.Refresh(context.Background())
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{3, 4}, blocks)
}

func TestMirrorCoalescesConcurrentRefreshes(t *testing.T) {
	var reads atomic.Int32
	gate := make(chan struct{})
	entered := make(chan struct{})
	m := NewMirror(mirroredAgreement, readerFunc(func(context.Context, common.Address) (*escrow.Snapshot, error) {
		n := reads.Add(1)
		if n == 1 {
			close(entered)
			<-gate
		}
		return mirrorSnapshot(t, uint64(n)), nil
	}))

	const waiters = 8
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Refresh(context.Background())
	}()
	<-entered

	results := make(chan uint64, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := m.Refresh(context.Background())
			if err == nil {
				results <- snap.Block
			}
		}()
	}
	require.Eventually(t, func() bool {
		return m.requests.Load() == waiters+1
	}, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	// Every waiter was issued while the first read was in flight, so a
	// single follow-up read answers all of them.
	require.EqualValues(t, 2, reads.Load())
	count := 0
	for block := range results {
		require.Equal(t, uint64(2), block)
		count++
	}
	require.Equal(t, waiters, count)
}

func TestMirrorRefreshRespectsContext(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	m := NewMirror(mirroredAgreement, readerFunc(func(context.Context, common.Address) (*escrow.Snapshot, error) {
		once.Do(func() { close(entered) })
		<-gate
		return mirrorSnapshot(t, 1), nil
	}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Refresh(context.Background())
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Refresh(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrStaleView)
	require.Equal(t, DispositionRetryAfterRefresh, DispositionOf(err))

	close(gate)
	<-done
}
