package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"escrowcoord/native/escrow"
)

func TestWatcherReconcilesAbandonedActions(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	addr := common.HexToAddress("0x00000000000000000000000000000000000a9e40")
	ledger.seed(t, addr, defaultUnits()...)
	svc, err := NewService(ServiceConfig{
		Engine:         ledger.engine,
		Reader:         ledger,
		Tracker:        newTestTracker(t, ledger),
		ConfirmTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	c, err := svc.Open(ctx, addr)
	require.NoError(t, err)

	ledger.mu.Lock()
	ledger.hold = true
	ledger.mu.Unlock()
	_, err = c.Deposit(ctx, testClient)
	require.ErrorIs(t, err, ErrConfirmationTimeout)

	w := NewWatcher(svc, 50*time.Millisecond, time.Hour, slogDiscard())
	require.Zero(t, w.reconcile(ctx))
	require.Len(t, c.Pending(), 1)

	ledger.release()
	require.Equal(t, 1, w.reconcile(ctx))
	require.Empty(t, c.Pending())
	view, ok := c.View()
	require.True(t, ok)
	require.Equal(t, escrow.PhaseInProgress, view.Agreement.Phase)
}

func TestWatcherLeavesUnrecoverableActions(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	ledger.dropLogs = true
	svc := newTestService(t, ledger, nil)

	_, err := svc.CreateAgreement(ctx, testClient, defaultCreateArgs(), nil)
	require.ErrorIs(t, err, ErrIdentifierUnrecoverable)

	w := NewWatcher(svc, 10*time.Millisecond, time.Hour, slogDiscard())
	require.Zero(t, w.reconcile(ctx))
	pending := svc.Tracker().Pending()
	require.Len(t, pending, 1)
	require.Equal(t, StatusUnrecoverable, pending[0].Status)
}

func TestWatcherLeavesAwaitedActionsToCaller(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	discovery := newTestDiscovery(t)
	svc := newTestService(t, ledger, discovery)
	w := NewWatcher(svc, 10*time.Millisecond, time.Hour, slogDiscard())

	ledger.mu.Lock()
	ledger.hold = true
	ledger.mu.Unlock()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := svc.CreateAgreement(ctx, testClient, defaultCreateArgs(), &ListingDraft{Title: "logo"})
		done <- outcome{res: res, err: err}
	}()
	require.Eventually(t, func() bool {
		pending := svc.Tracker().Pending()
		return len(pending) == 1 && svc.Tracker().Awaited(pending[0].ID)
	}, time.Second, time.Millisecond)
	require.Zero(t, w.reconcile(ctx))

	ledger.release()
	require.Zero(t, w.reconcile(ctx))

	got := <-done
	require.NoError(t, got.err)
	require.Equal(t, createdAddress(1), *got.res.Resource)
	require.NotNil(t, got.res.Snapshot)
	listing, err := discovery.Get(ctx, createdAddress(1))
	require.NoError(t, err)
	require.Equal(t, "logo", listing.Title)
	require.Empty(t, svc.Tracker().Pending())
}

func TestWatcherRetriesFailedRefresh(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	addr := common.HexToAddress("0x00000000000000000000000000000000000a9e41")
	ledger.seed(t, addr, defaultUnits()...)
	svc := newTestService(t, ledger, nil)
	c, err := svc.Open(ctx, addr)
	require.NoError(t, err)

	ledger.setReadErr(context.DeadlineExceeded)
	_, err = c.Deposit(ctx, testClient)
	require.ErrorIs(t, err, ErrStaleView)

	w := NewWatcher(svc, 10*time.Millisecond, time.Hour, slogDiscard())
	require.Zero(t, w.reconcile(ctx))

	ledger.setReadErr(nil)
	require.Equal(t, 1, w.reconcile(ctx))
	require.Empty(t, c.Pending())
}

func TestWatcherPeriodicRefresh(t *testing.T) {
	ledger := newFakeLedger()
	addr := common.HexToAddress("0x00000000000000000000000000000000000a9e42")
	ledger.seed(t, addr, defaultUnits()...)
	svc := newTestService(t, ledger, nil)
	_, err := svc.Open(context.Background(), addr)
	require.NoError(t, err)
	baseline := ledger.reads.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(svc, 5*time.Millisecond, 5*time.Millisecond, slogDiscard())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return ledger.reads.Load() > baseline+1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
