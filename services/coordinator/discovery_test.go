package coordinator

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"escrowcoord/native/escrow"
)

func newTestDiscovery(t *testing.T) *Discovery {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	discovery, err := OpenDiscovery("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = discovery.Close() })
	return discovery
}

func TestOpenDiscoveryRejectsUnknownDriver(t *testing.T) {
	_, err := OpenDiscovery("mysql", "dsn")
	require.ErrorContains(t, err, "unsupported discovery driver")
	_, err = NewDiscovery(nil)
	require.Error(t, err)
}

func TestDiscoveryCreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	discovery := newTestDiscovery(t)
	snap := mirrorSnapshot(t, 5)

	_, err := discovery.Create(ctx, ListingDraft{Title: "   "}, snap)
	require.ErrorContains(t, err, "title required")

	listing, err := discovery.Create(ctx, ListingDraft{Title: " Brand refresh ", Description: "logo and site", Collection: "design"}, snap)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, listing.ID)
	require.Equal(t, "Brand refresh", listing.Title)
	require.Equal(t, "Created", listing.Status)
	require.Equal(t, "3000000", listing.TotalAmount)
	require.Equal(t, addressKey(testClient), listing.Client)

	_, err = discovery.Create(ctx, ListingDraft{Title: "again"}, snap)
	require.Error(t, err)

	updated, err := discovery.Update(ctx, mirroredAgreement, ListingDraft{Description: "logo only"})
	require.NoError(t, err)
	require.Equal(t, "Brand refresh", updated.Title)
	require.Equal(t, "logo only", updated.Description)
	require.Empty(t, updated.Collection)

	got, err := discovery.Get(ctx, mirroredAgreement)
	require.NoError(t, err)
	require.Equal(t, listing.ID, got.ID)
	require.Equal(t, "logo only", got.Description)

	_, err = discovery.Get(ctx, common.HexToAddress("0x404"))
	require.ErrorIs(t, err, ErrListingNotFound)
	_, err = discovery.Update(ctx, common.HexToAddress("0x404"), ListingDraft{Title: "x"})
	require.ErrorIs(t, err, ErrListingNotFound)
}

func TestDiscoverySyncSnapshot(t *testing.T) {
	ctx := context.Background()
	discovery := newTestDiscovery(t)
	snap := mirrorSnapshot(t, 5)
	_, err := discovery.Create(ctx, ListingDraft{Title: "Brand refresh"}, snap)
	require.NoError(t, err)

	funded := snap.Clone()
	funded.Block = 8
	funded.Agreement.Phase = escrow.PhaseInProgress
	cp := testWorkerB
	funded.Agreement.Counterparty = &cp
	require.NoError(t, discovery.SyncSnapshot(ctx, funded))

	got, err := discovery.Get(ctx, mirroredAgreement)
	require.NoError(t, err)
	require.Equal(t, "InProgress", got.Status)
	require.Equal(t, uint64(8), got.Block)
	require.Equal(t, addressKey(testWorkerB), got.Counterparty)

	// Older snapshots never roll a listing back.
	require.NoError(t, discovery.SyncSnapshot(ctx, snap))
	got, err = discovery.Get(ctx, mirroredAgreement)
	require.NoError(t, err)
	require.Equal(t, "InProgress", got.Status)

	unlisted := snap.Clone()
	unlisted.Agreement.Address = common.HexToAddress("0x404")
	require.NoError(t, discovery.SyncSnapshot(ctx, unlisted))
	require.NoError(t, discovery.SyncSnapshot(ctx, nil))
}

func TestDiscoveryListFilters(t *testing.T) {
	ctx := context.Background()
	discovery := newTestDiscovery(t)
	for i, collection := range []string{"design", "design", "audit"} {
		snap := mirrorSnapshot(t, 5)
		snap.Agreement.Address = createdAddress(byte(0x10 + i))
		if i == 2 {
			snap.Agreement.Phase = escrow.PhaseFunded
		}
		_, err := discovery.Create(ctx, ListingDraft{Title: fmt.Sprintf("job %d", i), Collection: collection}, snap)
		require.NoError(t, err)
	}

	all, err := discovery.List(ctx, ListingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)

	design, err := discovery.List(ctx, ListingFilter{Collection: "design"})
	require.NoError(t, err)
	require.Len(t, design, 2)

	funded, err := discovery.List(ctx, ListingFilter{Status: "Funded"})
	require.NoError(t, err)
	require.Len(t, funded, 1)
	require.Equal(t, "audit", funded[0].Collection)

	byClient, err := discovery.List(ctx, ListingFilter{Client: testClient.Hex()})
	require.NoError(t, err)
	require.Len(t, byClient, 3)

	limited, err := discovery.List(ctx, ListingFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestServiceKeepsListingsInSync(t *testing.T) {
	ctx := context.Background()
	ledger := newFakeLedger()
	discovery := newTestDiscovery(t)
	svc := newTestService(t, ledger, discovery)

	res, err := svc.CreateAgreement(ctx, testClient, defaultCreateArgs(), &ListingDraft{Title: "Brand refresh", Collection: "design"})
	require.NoError(t, err)
	addr := *res.Resource

	listing, err := discovery.Get(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, "Brand refresh", listing.Title)
	require.Equal(t, "Created", listing.Status)

	c, ok := svc.Lookup(addr)
	require.True(t, ok)
	_, err = c.Deposit(ctx, testClient)
	require.NoError(t, err)

	listing, err = discovery.Get(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, "InProgress", listing.Status)

	// Agreements created without a draft get no listing.
	res, err = svc.CreateAgreement(ctx, testClient, defaultCreateArgs(), nil)
	require.NoError(t, err)
	_, err = discovery.Get(ctx, *res.Resource)
	require.ErrorIs(t, err, ErrListingNotFound)
}
