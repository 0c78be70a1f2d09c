package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
	"github.com/unclebandit/mailfleet-backend/internal/queue"
	"github.com/unclebandit/mailfleet-backend/internal/service"
)

func strPtr(s string) *string { return &s }

func TestCreateCampaignValidation(t *testing.T) {
	h := newHarness(t, 25)
	ctx := context.Background()

	cases := map[string]service.CreateCampaignInput{
		"name":       {FromEmail: "a@b.c", Subject: "s", HTMLBody: "b"},
		"from_email": {Name: "n", FromEmail: "nope", Subject: "s", HTMLBody: "b"},
		"subject":    {Name: "n", FromEmail: "a@b.c", HTMLBody: "b"},
		"html_body":  {Name: "n", FromEmail: "a@b.c", Subject: "s"},
		"recipients": {Name: "n", FromEmail: "a@b.c", Subject: "s", HTMLBody: "b",
			Recipients: []service.RecipientInput{{Email: "broken"}}},
	}
	for field, in := range cases {
		_, err := h.svc.CreateCampaign(ctx, in)
		var verr *appErrors.ValidationError
		require.True(t, errors.As(err, &verr), field)
		assert.Equal(t, field, verr.Field)
	}
}

func TestCreateCampaignMergesCSVAndJSON(t *testing.T) {
	h := newHarness(t, 25)
	ctx := context.Background()

	c, err := h.svc.CreateCampaign(ctx, service.CreateCampaignInput{
		Name: "n", FromEmail: "a@b.c", Subject: "s", HTMLBody: "b",
		Recipients:    []service.RecipientInput{{Email: "one@example.org", Name: "One"}},
		RecipientsCSV: "email,name\nTWO@example.org,Two,{\"tier\":\"gold\"}\none@example.org,Dup\n",
	})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignDraft, c.Status)

	list, err := h.svc.ListRecipients(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "one@example.org", list[0].Email)
	assert.Equal(t, "gold", list[1].Data["tier"])
	assert.Equal(t, model.RecipientPending, list[1].Status)
}

func TestPagination(t *testing.T) {
	h := newHarness(t, 25)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		h.addCampaign(1)
	}

	pageSize := 2
	page1, pagination1, err := h.svc.ListCampaigns(ctx, 1, pageSize, "")
	require.NoError(t, err)
	page2, _, err := h.svc.ListCampaigns(ctx, 2, pageSize, "")
	require.NoError(t, err)

	assert.Equal(t, 5, pagination1["total_count"])
	assert.Equal(t, 3, pagination1["total_pages"])
	require.Len(t, page1, 2)
	require.Len(t, page2, 2)

	// descending order, no overlap
	assert.Greater(t, page1[0].ID, page1[1].ID)
	assert.Greater(t, page2[0].ID, page2[1].ID)
	assert.NotEqual(t, page1[1].ID, page2[0].ID)

	page3, pagination3, err := h.svc.ListCampaigns(ctx, 3, pageSize, "")
	require.NoError(t, err)
	assert.Len(t, page3, 1)
	assert.Equal(t, 5, pagination3["total_count"])

	_, defaults, err := h.svc.ListCampaigns(ctx, 0, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, defaults["page"])
	assert.Equal(t, 20, defaults["page_size"])

	_, capped, err := h.svc.ListCampaigns(ctx, 1, 1000, "")
	require.NoError(t, err)
	assert.Equal(t, 100, capped["page_size"])

	none, filtered, err := h.svc.ListCampaigns(ctx, 1, 10, string(model.CampaignSending))
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.Equal(t, 0, filtered["total_count"])
}

func TestPrepareCreatesAssignments(t *testing.T) {
	h := newHarness(t, 2)
	g, ids := h.addGroup("alpha", 2, 100, 100)
	c := h.addCampaign(5, g.ID)
	ctx := context.Background()

	res, err := h.svc.Prepare(ctx, c.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignReady, res.Status)
	assert.Equal(t, 5, res.AssignmentsCreated)
	assert.Equal(t, 3, res.Plan.PerIdentityLoad[ids[0].ID])

	got := h.campaign(c.ID)
	assert.Equal(t, model.CampaignReady, got.Status)
	assert.NotNil(t, got.PreparationStartedAt)
	assert.NotNil(t, got.PreparationCompletedAt)
	assert.Equal(t, 5, h.stats(c.ID).Assigned)

	breakdown, err := h.svc.ListAssignments(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, breakdown, 2)
	assert.Equal(t, ids[0].Email, breakdown[0].IdentityEmail)
	assert.Len(t, breakdown[0].Assignments, 3)
	assert.Len(t, breakdown[1].Assignments, 2)
}

func TestPrepareInsufficientCapacityReturnsToDraft(t *testing.T) {
	h := newHarness(t, 25)
	g, _ := h.addGroup("alpha", 1, 100, 100)
	small, _ := h.addGroup("small", 1, 3, 3)
	c := h.addCampaign(5, g.ID)
	ctx := context.Background()

	_, err := h.svc.Prepare(ctx, c.ID, []int{small.ID})
	var capErr *appErrors.InsufficientCapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, 5, capErr.Required)
	assert.Equal(t, 3, capErr.TotalCapacity)

	after := h.campaign(c.ID)
	assert.Equal(t, model.CampaignDraft, after.Status)
	assert.Equal(t, model.IntList{g.ID}, after.SelectedGroups)
	assert.Nil(t, after.PreparationStartedAt)
	assert.Nil(t, after.PreparationCompletedAt)
	as, err := h.store.Assignments().ListByCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, as)
	assert.Equal(t, 5, h.stats(c.ID).Pending)
}

func TestPrepareUsesExplicitGroups(t *testing.T) {
	h := newHarness(t, 25)
	a, _ := h.addGroup("alpha", 1, 100, 100)
	b, idsB := h.addGroup("beta", 1, 100, 100)
	c := h.addCampaign(3, a.ID)

	res, err := h.svc.Prepare(context.Background(), c.ID, []int{b.ID})
	require.NoError(t, err)
	assert.Equal(t, []int{idsB[0].ID}, res.Plan.IdentityOrder)
	assert.Equal(t, model.IntList{b.ID}, h.campaign(c.ID).SelectedGroups)
}

func TestPrepareRequiresGroupsAndDraft(t *testing.T) {
	h := newHarness(t, 25)
	ctx := context.Background()

	c := h.addCampaign(1)
	_, err := h.svc.Prepare(ctx, c.ID, nil)
	assert.True(t, appErrors.IsValidation(err))
	assert.Equal(t, model.CampaignDraft, h.campaign(c.ID).Status)

	g, _ := h.addGroup("alpha", 1, 10, 10)
	ready := h.prepared(1, g.ID)
	_, err = h.svc.Prepare(ctx, ready.ID, nil)
	assert.True(t, appErrors.IsInvalidStateTransition(err))

	_, err = h.svc.Prepare(ctx, 404, []int{g.ID})
	assert.True(t, appErrors.IsNotFound(err))
}

func TestRenderPreview(t *testing.T) {
	h := newHarness(t, 25)
	c := h.addCampaign(2)
	ctx := context.Background()
	list, err := h.svc.ListRecipients(ctx, c.ID)
	require.NoError(t, err)

	rendered, err := h.svc.RenderPreview(ctx, c.ID, list[1].ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello User 2", rendered.Subject)
	assert.Equal(t, "<p>Hi User 2, your code is C2</p>", rendered.HTMLBody)

	rendered, err = h.svc.RenderPreview(ctx, c.ID, list[0].ID, strPtr("Bye {email}"))
	require.NoError(t, err)
	assert.Equal(t, "Bye user1@example.org", rendered.HTMLBody)

	_, err = h.svc.RenderPreview(ctx, c.ID, 999, nil)
	assert.True(t, appErrors.IsValidation(err))
}

func TestStartSendingPublishesJob(t *testing.T) {
	h := newHarness(t, 25)
	g, _ := h.addGroup("alpha", 1, 10, 10)
	ctx := context.Background()

	jobs := make(chan queue.DispatchJob, 1)
	require.NoError(t, queue.StartDispatchSubscriber(h.queue, queue.DispatchTopic, func(job queue.DispatchJob) error {
		jobs <- job
		return nil
	}, h.svc.Log))

	draft := h.addCampaign(1, g.ID)
	_, err := h.svc.StartSending(ctx, draft.ID, "")
	assert.True(t, appErrors.IsInvalidStateTransition(err))

	_, err = h.svc.StartSending(ctx, draft.ID, "sideways")
	assert.True(t, appErrors.IsValidation(err))

	ready := h.prepared(1, g.ID)
	queued, err := h.svc.StartSending(ctx, ready.ID, "pool")
	require.NoError(t, err)
	assert.Equal(t, service.StrategyPool, queued.Strategy)

	h.queue.Wait()
	job := <-jobs
	assert.Equal(t, queue.DispatchJob{CampaignID: ready.ID, Strategy: "pool"}, job)
}

func TestPauseRequiresSending(t *testing.T) {
	h := newHarness(t, 25)
	g, _ := h.addGroup("alpha", 1, 10, 10)
	c := h.prepared(1, g.ID)

	err := h.svc.Pause(context.Background(), c.ID)
	assert.True(t, appErrors.IsInvalidStateTransition(err))
	assert.Equal(t, model.CampaignReady, h.campaign(c.ID).Status)
}

func TestDeleteRules(t *testing.T) {
	h := newHarness(t, 25)
	g, _ := h.addGroup("alpha", 1, 10, 10)
	ctx := context.Background()

	draft := h.addCampaign(3, g.ID)
	list, err := h.svc.ListRecipients(ctx, draft.ID)
	require.NoError(t, err)
	n, err := h.svc.DeleteRecipients(ctx, draft.ID, []int{list[0].ID, list[1].ID, 9999})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, h.stats(draft.ID).Total)

	added, err := h.svc.AddRecipients(ctx, draft.ID, []service.RecipientInput{{Email: "new@example.org"}})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	ready := h.prepared(1, g.ID)
	_, err = h.svc.DeleteRecipients(ctx, ready.ID, []int{1})
	assert.True(t, appErrors.IsInvalidStateTransition(err))
	_, err = h.svc.AddRecipients(ctx, ready.ID, []service.RecipientInput{{Email: "x@example.org"}})
	assert.True(t, appErrors.IsInvalidStateTransition(err))

	require.NoError(t, h.svc.DeleteCampaign(ctx, ready.ID))
	_, err = h.svc.GetCampaignDetailsWithStats(ctx, ready.ID)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestSendTestEmail(t *testing.T) {
	h := newHarness(t, 25)
	g, ids := h.addGroup("alpha", 2, 10, 10)
	c := h.addCampaign(1, g.ID)
	ctx := context.Background()

	// first identity has no spare capacity
	require.NoError(t, h.store.Identities().UpdateStatus(ctx, ids[0].ID, model.IdentityRateLimited, ""))

	res, err := h.svc.SendTestEmail(ctx, c.ID, "qa@example.com")
	require.NoError(t, err)
	assert.Equal(t, "qa@example.com", res.SentTo)
	assert.Equal(t, ids[1].Email, res.SenderUser)

	sent := h.transport.Sent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0].Subject, "[TEST] "))
	assert.Equal(t, 1, h.identity(ids[1].ID).DailySent)
	assert.Equal(t, model.CampaignDraft, h.campaign(c.ID).Status)
	assert.Equal(t, 1, h.stats(c.ID).Pending)

	_, err = h.svc.SendTestEmail(ctx, c.ID, "")
	assert.True(t, appErrors.IsValidation(err))

	h.transport.fail = func(model.SendingIdentity, model.Recipient, int) error {
		return appErrors.NewTerminalRecipient("MessageRejected", errors.New("rejected"))
	}
	_, err = h.svc.SendTestEmail(ctx, c.ID, "qa@example.com")
	require.Error(t, err)
	assert.Equal(t, 1, h.identity(ids[1].ID).DailySent)
}

func TestGetCampaignDetailsWithStats(t *testing.T) {
	h := newHarness(t, 25)
	c := h.addCampaign(4)

	details, err := h.svc.GetCampaignDetailsWithStats(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, details.ID)
	assert.Equal(t, 4, details.Stats.Total)
	assert.Equal(t, 4, details.Stats.Pending)
}
