package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"escrowcoord/native/escrow"
)

var journalColumns = []string{"id", "agreement", "kind", "caller", "status", "expects_resource", "resource", "block", "submitted_at", "updated_at", "last_error"}

func newMockJournal(t *testing.T) (*SQLiteJournal, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return &SQLiteJournal{db: db}, mock
}

func TestJournalSavePropagatesDriverErrors(t *testing.T) {
	journal, mock := newMockJournal(t)
	mock.ExpectExec("INSERT INTO pending_actions").WillReturnError(errors.New("disk I/O error"))

	err := journal.SavePending(context.Background(), PendingAction{
		ID:          common.HexToHash("0x0a"),
		Kind:        escrow.ActionDeposit,
		Status:      StatusSubmitted,
		SubmittedAt: testNow,
		UpdatedAt:   testNow,
	})
	require.ErrorContains(t, err, "disk I/O error")
}

func TestJournalSaveBindsResource(t *testing.T) {
	journal, mock := newMockJournal(t)
	resource := createdAddress(3)
	id := common.HexToHash("0x0b")
	mock.ExpectExec("INSERT INTO pending_actions").
		WithArgs(id.Hex(), common.Address{}.Hex(), string(escrow.ActionCreateAgreement), testClient.Hex(), string(StatusUnrecoverable),
			1, resource.Hex(), int64(9), testNow.UnixNano(), testNow.UnixNano(), "no event").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := journal.SavePending(context.Background(), PendingAction{
		ID:              id,
		Kind:            escrow.ActionCreateAgreement,
		Caller:          testClient,
		Status:          StatusUnrecoverable,
		ExpectsResource: true,
		Resource:        &resource,
		Block:           9,
		SubmittedAt:     testNow,
		UpdatedAt:       testNow,
		LastError:       "no event",
	})
	require.NoError(t, err)
}

func TestJournalLoadDecodesRows(t *testing.T) {
	journal, mock := newMockJournal(t)
	resource := createdAddress(4)
	rows := sqlmock.NewRows(journalColumns).
		AddRow(common.HexToHash("0x01").Hex(), mirroredAgreement.Hex(), "deposit", testWorkerA.Hex(), "submitted", 0, nil, 0, testNow.UnixNano(), testNow.UnixNano(), "").
		AddRow(common.HexToHash("0x02").Hex(), common.Address{}.Hex(), "createAgreement", testClient.Hex(), "confirmed", 1, resource.Hex(), 12, testNow.UnixNano(), testNow.UnixNano(), "")
	mock.ExpectQuery("SELECT (.+) FROM pending_actions").WillReturnRows(rows)

	actions, err := journal.LoadPending(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 2)

	require.Equal(t, mirroredAgreement, actions[0].Agreement)
	require.Equal(t, escrow.ActionDeposit, actions[0].Kind)
	require.Equal(t, testWorkerA, actions[0].Caller)
	require.False(t, actions[0].ExpectsResource)
	require.Nil(t, actions[0].Resource)
	require.True(t, actions[0].SubmittedAt.Equal(testNow))

	require.Equal(t, StatusConfirmed, actions[1].Status)
	require.Equal(t, testClient, actions[1].Caller)
	require.True(t, actions[1].ExpectsResource)
	require.NotNil(t, actions[1].Resource)
	require.Equal(t, resource, *actions[1].Resource)
	require.Equal(t, uint64(12), actions[1].Block)
}

func TestJournalLoadFailures(t *testing.T) {
	t.Run("query", func(t *testing.T) {
		journal, mock := newMockJournal(t)
		mock.ExpectQuery("SELECT (.+) FROM pending_actions").WillReturnError(errors.New("database is locked"))
		_, err := journal.LoadPending(context.Background())
		require.ErrorContains(t, err, "database is locked")
	})
	t.Run("row", func(t *testing.T) {
		journal, mock := newMockJournal(t)
		rows := sqlmock.NewRows(journalColumns).
			AddRow(common.HexToHash("0x01").Hex(), mirroredAgreement.Hex(), "deposit", "", "submitted", 0, nil, 0, int64(1), int64(1), "").
			RowError(0, errors.New("corrupt page"))
		mock.ExpectQuery("SELECT (.+) FROM pending_actions").WillReturnRows(rows)
		_, err := journal.LoadPending(context.Background())
		require.ErrorContains(t, err, "corrupt page")
	})
}

func TestJournalDeleteUsesHexID(t *testing.T) {
	journal, mock := newMockJournal(t)
	id := common.HexToHash("0x0c")
	mock.ExpectExec("DELETE FROM pending_actions WHERE id = ?").
		WithArgs(id.Hex()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, journal.DeletePending(context.Background(), id))
}
