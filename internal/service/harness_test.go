package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailfleet-backend/internal/config"
	"github.com/unclebandit/mailfleet-backend/internal/metrics"
	"github.com/unclebandit/mailfleet-backend/internal/model"
	"github.com/unclebandit/mailfleet-backend/internal/queue"
	"github.com/unclebandit/mailfleet-backend/internal/repository/memstore"
	"github.com/unclebandit/mailfleet-backend/internal/service"
	"github.com/unclebandit/mailfleet-backend/internal/transport"
)

type sentMail struct {
	IdentityID int
	To         string
	Subject    string
	MessageID  string
}

// fakeTransport records sends. fail decides per call whether to fail, and
// afterSend runs after each successful send with the running total.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentMail
	calls     int
	fail      func(identity model.SendingIdentity, recipient model.Recipient, call int) error
	afterSend func(total int)
}

func (f *fakeTransport) Send(_ context.Context, identity model.SendingIdentity, recipient model.Recipient, msg transport.Message) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	if f.fail != nil {
		if err := f.fail(identity, recipient, call); err != nil {
			f.mu.Unlock()
			return "", err
		}
	}
	id := fmt.Sprintf("msg-%d", call)
	f.sent = append(f.sent, sentMail{IdentityID: identity.ID, To: msg.To, Subject: msg.Subject, MessageID: id})
	total := len(f.sent)
	hook := f.afterSend
	f.mu.Unlock()

	if hook != nil {
		hook(total)
	}
	return id, nil
}

func (f *fakeTransport) Sent() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	t          *testing.T
	store      *memstore.Store
	transport  *fakeTransport
	dispatcher *service.Dispatcher
	svc        *service.CampaignService
	queue      *queue.InMemoryQueue
}

func testDispatchConfig(batchSize int) config.DispatchConfig {
	return config.DispatchConfig{
		BatchSize:              batchSize,
		PerIdentityConcurrency: 4,
		PoolWorkers:            4,
		MaxAttempts:            3,
		PersistMaxAttempts:     2,
		RetryBaseDelay:         time.Millisecond,
		RetryMaxDelay:          5 * time.Millisecond,
		DefaultStrategy:        string(service.StrategyPerIdentity),
	}
}

func newHarness(t *testing.T, batchSize int) *harness {
	t.Helper()
	store := memstore.New()
	ft := &fakeTransport{}
	cfg := testDispatchConfig(batchSize)

	d := service.NewDispatcher(store.Campaigns(), store.Recipients(), store.Identities(), store.Assignments(),
		ft, metrics.NewInstance(), cfg, zerolog.Nop())
	d.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	q := queue.NewInMemoryQueue(zerolog.Nop())
	svc := &service.CampaignService{
		CampaignRepo:    store.Campaigns(),
		RecipientRepo:   store.Recipients(),
		IdentityRepo:    store.Identities(),
		AssignmentRepo:  store.Assignments(),
		Planner:         service.NewPlanner(store.Identities(), batchSize, 2*time.Second),
		Assignments:     service.NewAssignmentStore(store.Assignments(), batchSize),
		Progress:        service.NewProgressReporter(store.Campaigns(), store.Recipients()),
		Transport:       ft,
		Queue:           q,
		DefaultStrategy: service.StrategyPerIdentity,
		Log:             zerolog.Nop(),
	}
	return &harness{t: t, store: store, transport: ft, dispatcher: d, svc: svc, queue: q}
}

// addGroup creates a group and n identities in it with the given quotas.
func (h *harness) addGroup(name string, n, daily, hourly int) (model.IdentityGroup, []model.SendingIdentity) {
	h.t.Helper()
	g := &model.IdentityGroup{Name: name, AdminEmail: "admin@" + name + ".test", Active: true, DailyQuota: daily, HourlyQuota: hourly}
	require.NoError(h.t, h.store.Identities().CreateGroup(context.Background(), g))
	var ids []model.SendingIdentity
	for i := 0; i < n; i++ {
		ids = append(ids, h.store.AddIdentity(model.SendingIdentity{
			GroupID: g.ID,
			Email:   fmt.Sprintf("sender%d@%s.test", i+1, name),
			Name:    fmt.Sprintf("Sender %d", i+1),
		}))
	}
	return *g, ids
}

// addCampaign creates a Draft campaign with n recipients.
func (h *harness) addCampaign(n int, groupIDs ...int) *model.Campaign {
	h.t.Helper()
	in := service.CreateCampaignInput{
		Name:           "campaign",
		FromName:       "Fleet",
		FromEmail:      "fleet@example.com",
		Subject:        "Hello {name}",
		HTMLBody:       "<p>Hi {{name}}, your code is {code}</p>",
		SelectedGroups: groupIDs,
	}
	for i := 0; i < n; i++ {
		in.Recipients = append(in.Recipients, service.RecipientInput{
			Email: fmt.Sprintf("user%d@example.org", i+1),
			Name:  fmt.Sprintf("User %d", i+1),
			Data:  map[string]string{"code": fmt.Sprintf("C%d", i+1)},
		})
	}
	c, err := h.svc.CreateCampaign(context.Background(), in)
	require.NoError(h.t, err)
	return c
}

func (h *harness) prepared(n int, groupIDs ...int) *model.Campaign {
	h.t.Helper()
	c := h.addCampaign(n, groupIDs...)
	_, err := h.svc.Prepare(context.Background(), c.ID, nil)
	require.NoError(h.t, err)
	return c
}

func (h *harness) campaign(id int) *model.Campaign {
	h.t.Helper()
	c, err := h.store.Campaigns().GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return c
}

func (h *harness) stats(id int) model.CampaignStats {
	h.t.Helper()
	s, err := h.store.Recipients().CountByStatus(context.Background(), id)
	require.NoError(h.t, err)
	return s
}

func (h *harness) identity(id int) model.SendingIdentity {
	h.t.Helper()
	ids, err := h.store.Identities().GetIdentitiesByIDs(context.Background(), []int{id})
	require.NoError(h.t, err)
	require.Len(h.t, ids, 1)
	return ids[0]
}
