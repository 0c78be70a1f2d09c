package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
)

func testAssignments(at time.Time) []model.RecipientAssignment {
	return []model.RecipientAssignment{
		{RecipientID: 11, IdentityID: 1, BatchNumber: 0, Priority: 0, AssignedAt: at},
		{RecipientID: 12, IdentityID: 2, BatchNumber: 0, Priority: 0, AssignedAt: at},
	}
}

func TestCommitPreparation(t *testing.T) {
	db, mock := newMock(t)
	repo := &AssignmentRepository{DB: db}
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM recipient_assignments WHERE campaign_id = $1")).
		WithArgs(3).WillReturnResult(sqlmock.NewResult(0, 0))
	copyIn := mock.ExpectPrepare("COPY")
	copyIn.ExpectExec().WithArgs(3, 11, 1, 0, 0, at).WillReturnResult(sqlmock.NewResult(0, 1))
	copyIn.ExpectExec().WithArgs(3, 12, 2, 0, 0, at).WillReturnResult(sqlmock.NewResult(0, 1))
	copyIn.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE recipients SET status='assigned'")).
		WithArgs(3, at, "{11,12}").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns SET status=$2, selected_groups=$3")).
		WithArgs(3, "ready", []byte("[1,2]"), at, "preparing").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CommitPreparation(context.Background(), testPreparation(testAssignments(at), at)))
}

func testPreparation(assignments []model.RecipientAssignment, at time.Time) Preparation {
	return Preparation{
		CampaignID:     3,
		SelectedGroups: []int{1, 2},
		Assignments:    assignments,
		From:           model.CampaignPreparing,
		To:             model.CampaignReady,
		At:             at,
	}
}

func TestCommitPreparationRequiresPreparing(t *testing.T) {
	db, mock := newMock(t)
	repo := &AssignmentRepository{DB: db}
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM recipient_assignments")).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE campaigns SET status=$2, selected_groups=$3")).
		WithArgs(3, "ready", []byte("[1,2]"), at, "preparing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.CommitPreparation(context.Background(), testPreparation(nil, at))
	assert.True(t, appErrors.IsInvalidStateTransition(err))
}

func TestListPendingWork(t *testing.T) {
	db, mock := newMock(t)
	repo := &AssignmentRepository{DB: db}
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("AND rc.status = 'assigned'")).WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "recipient_id", "identity_id", "batch_number",
			"priority", "assigned_at", "email", "name", "custom_data", "status"}).
			AddRow(1, 3, 11, 1, 0, 0, at, "a@example.com", "A", []byte(`{"code":"Z"}`), "assigned").
			AddRow(2, 3, 12, 2, 0, 0, at, "b@example.com", "B", nil, "assigned"))

	items, err := repo.ListPendingWork(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 11, items[0].Recipient.ID)
	assert.Equal(t, 3, items[0].Recipient.CampaignID)
	assert.Equal(t, "Z", items[0].Recipient.Data["code"])
	assert.Equal(t, 2, items[1].Assignment.IdentityID)
}

func TestAssignmentListByCampaign(t *testing.T) {
	db, mock := newMock(t)
	repo := &AssignmentRepository{DB: db}
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY batch_number, identity_id, priority")).WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "recipient_id", "identity_id", "batch_number", "priority", "assigned_at"}).
			AddRow(1, 3, 11, 1, 0, 0, at))

	got, err := repo.ListByCampaign(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []model.RecipientAssignment{{ID: 1, CampaignID: 3, RecipientID: 11, IdentityID: 1, AssignedAt: at}}, got)
}
