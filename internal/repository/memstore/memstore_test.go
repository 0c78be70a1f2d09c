package memstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
	"github.com/unclebandit/mailfleet-backend/internal/repository"
	"github.com/unclebandit/mailfleet-backend/internal/repository/memstore"
)

var ctx = context.Background()

func seedCampaign(t *testing.T, s *memstore.Store, emails ...string) *model.Campaign {
	t.Helper()
	c := &model.Campaign{Name: "c", FromEmail: "news@example.com", Subject: "s", HTMLBody: "b"}
	recipients := make([]*model.Recipient, 0, len(emails))
	for _, e := range emails {
		recipients = append(recipients, &model.Recipient{Email: e})
	}
	require.NoError(t, s.Campaigns().Create(ctx, c, recipients))
	return c
}

func TestCampaignTransitionIsCompareAndSet(t *testing.T) {
	s := memstore.New()
	c := seedCampaign(t, s)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.Campaigns().TransitionStatus(ctx, c.ID, model.CampaignDraft, model.CampaignPreparing, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Campaigns().TransitionStatus(ctx, c.ID, model.CampaignDraft, model.CampaignPreparing, at)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Campaigns().GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignPreparing, got.Status)
	assert.Equal(t, at, *got.PreparationStartedAt)
}

func TestSendingStartIsStampedOnce(t *testing.T) {
	s := memstore.New()
	c := seedCampaign(t, s)
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	repo := s.Campaigns()
	for _, step := range []struct {
		from, to model.CampaignStatus
		at       time.Time
	}{
		{model.CampaignDraft, model.CampaignPreparing, first},
		{model.CampaignPreparing, model.CampaignReady, first},
		{model.CampaignReady, model.CampaignSending, first},
		{model.CampaignSending, model.CampaignPaused, later},
		{model.CampaignPaused, model.CampaignSending, later},
	} {
		ok, err := repo.TransitionStatus(ctx, c.ID, step.from, step.to, step.at)
		require.NoError(t, err)
		require.True(t, ok, "%s -> %s", step.from, step.to)
	}

	got, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *got.SendingStartedAt)
}

func TestConcurrentTransitionHasOneWinner(t *testing.T) {
	s := memstore.New()
	c := seedCampaign(t, s)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Campaigns().TransitionStatus(ctx, c.ID, model.CampaignDraft, model.CampaignPreparing, time.Now())
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestGetByIDReturnsCopy(t *testing.T) {
	s := memstore.New()
	c := seedCampaign(t, s)

	got, err := s.Campaigns().GetByID(ctx, c.ID)
	require.NoError(t, err)
	got.Status = model.CampaignCompleted

	again, err := s.Campaigns().GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, again.Status)

	_, err = s.Campaigns().GetByID(ctx, 999)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestRecipientLifecycle(t *testing.T) {
	s := memstore.New()
	c := seedCampaign(t, s, "a@example.com", "b@example.com")
	recipients := s.Recipients()

	list, err := recipients.ListByCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	a, b := list[0].ID, list[1].ID

	ok, err := s.Campaigns().TransitionStatus(ctx, c.ID, model.CampaignDraft, model.CampaignPreparing, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Assignments().CommitPreparation(ctx, repository.Preparation{
		CampaignID:     c.ID,
		SelectedGroups: []int{1},
		Assignments: []model.RecipientAssignment{
			{RecipientID: a, IdentityID: 1}, {RecipientID: b, IdentityID: 1, Priority: 1},
		},
		From: model.CampaignPreparing,
		To:   model.CampaignReady,
		At:   time.Now(),
	}))
	prepared, err := s.Campaigns().GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignReady, prepared.Status)
	assert.Equal(t, model.IntList{1}, prepared.SelectedGroups)

	claimed, err := recipients.MarkSending(ctx, a)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = recipients.MarkSending(ctx, a)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, recipients.MarkSent(ctx, a, "mid-a", time.Now()))
	require.NoError(t, recipients.MarkFailed(ctx, a, "late failure"))

	got, err := recipients.GetByID(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.RecipientSent, got.Status)
	assert.Equal(t, "mid-a", got.MessageID)

	work, err := s.Assignments().ListPendingWork(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, work, 1)
	assert.Equal(t, b, work[0].Recipient.ID)

	stats, err := recipients.CountByStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStats{Total: 2, Assigned: 1, Sent: 1}, stats)
}

func TestCommitPreparationRequiresPreparing(t *testing.T) {
	s := memstore.New()
	c := seedCampaign(t, s, "a@example.com")

	err := s.Assignments().CommitPreparation(ctx, repository.Preparation{
		CampaignID:     c.ID,
		SelectedGroups: []int{9},
		From:           model.CampaignPreparing,
		To:             model.CampaignReady,
		At:             time.Now(),
	})
	assert.True(t, appErrors.IsInvalidStateTransition(err))

	got, err := s.Campaigns().GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, got.Status)
	assert.Empty(t, got.SelectedGroups)
}

func TestRevertToDraftClearsPreparationStart(t *testing.T) {
	s := memstore.New()
	c := seedCampaign(t, s, "a@example.com")

	ok, err := s.Campaigns().TransitionStatus(ctx, c.ID, model.CampaignDraft, model.CampaignPreparing, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Campaigns().TransitionStatus(ctx, c.ID, model.CampaignPreparing, model.CampaignDraft, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Campaigns().GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, got.Status)
	assert.Nil(t, got.PreparationStartedAt)
}

func TestDeleteCascades(t *testing.T) {
	s := memstore.New()
	c := seedCampaign(t, s, "a@example.com")
	other := seedCampaign(t, s, "b@example.com")

	require.NoError(t, s.Campaigns().Delete(ctx, c.ID))
	list, err := s.Recipients().ListByCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.Recipients().ListByCampaign(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.True(t, appErrors.IsNotFound(s.Campaigns().Delete(ctx, c.ID)))
}

func TestReserveSendStopsAtQuota(t *testing.T) {
	s := memstore.New()
	g := &model.IdentityGroup{Name: "g", Active: true, DailyQuota: 3, HourlyQuota: 2}
	require.NoError(t, s.Identities().CreateGroup(ctx, g))
	id := s.AddIdentity(model.SendingIdentity{GroupID: g.ID, Email: "s@example.com"})

	for i := 0; i < 2; i++ {
		ok, err := s.Identities().ReserveSend(ctx, id.ID, time.Now())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.Identities().ReserveSend(ctx, id.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Identities().ReleaseSend(ctx, id.ID))
	ok, err = s.Identities().ReserveSend(ctx, id.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Identities().UpdateStatus(ctx, id.ID, model.IdentityRateLimited, "hourly quota"))
	n, err := s.Identities().ResetHourlyCounts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Identities().GetIdentitiesByIDs(ctx, []int{id.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.IdentityActive, got[0].Status)
	assert.Equal(t, 1, got[0].AvailableCapacity())
}

func TestSyncIdentitiesDeactivatesMissing(t *testing.T) {
	s := memstore.New()
	g := &model.IdentityGroup{Name: "g", Active: true, DailyQuota: 10, HourlyQuota: 10}
	require.NoError(t, s.Identities().CreateGroup(ctx, g))

	res, err := s.Identities().SyncIdentities(ctx, g.ID, []model.SendingIdentity{
		{Email: "a@example.com"}, {Email: "b@example.com"},
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Upserted)
	assert.Zero(t, res.Deactivated)

	res, err = s.Identities().SyncIdentities(ctx, g.ID, []model.SendingIdentity{{Email: "b@example.com", Name: "Bee"}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deactivated)

	active, err := s.Identities().ListActiveIdentities(ctx, []int{g.ID})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Bee", active[0].Name)

	require.NoError(t, s.Identities().SetGroupActive(ctx, g.ID, false))
	active, err = s.Identities().ListActiveIdentities(ctx, []int{g.ID})
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.Identities().SyncIdentities(ctx, 99, nil, time.Now())
	assert.True(t, appErrors.IsNotFound(err))
}
