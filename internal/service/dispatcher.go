package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/unclebandit/mailfleet-backend/internal/config"
	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/metrics"
	"github.com/unclebandit/mailfleet-backend/internal/model"
	"github.com/unclebandit/mailfleet-backend/internal/repository"
	"github.com/unclebandit/mailfleet-backend/internal/statemachine"
	"github.com/unclebandit/mailfleet-backend/internal/transport"
)

// DispatchResult is the outcome of one dispatch run. Sent and Failed count
// what this run did; Status is the campaign status when the run returned.
type DispatchResult struct {
	CampaignID            int                  `json:"campaign_id"`
	Strategy              StrategyName         `json:"strategy"`
	Status                model.CampaignStatus `json:"status"`
	TotalSent             int                  `json:"total_sent"`
	TotalFailed           int                  `json:"total_failed"`
	LeftAssigned          int                  `json:"left_assigned"`
	ElapsedSeconds        float64              `json:"elapsed_seconds"`
	SendRate              float64              `json:"send_rate"`
	Paused                bool                 `json:"paused"`
	RateLimitedIdentities []int                `json:"rate_limited_identities,omitempty"`
	ErroredIdentities     []int                `json:"errored_identities,omitempty"`
	Warnings              []string             `json:"warnings,omitempty"`
}

// Dispatcher executes prepared assignments through a MailTransport.
type Dispatcher struct {
	Campaigns   repository.CampaignRepositoryInterface
	Recipients  repository.RecipientRepositoryInterface
	Identities  repository.IdentityRepositoryInterface
	Assignments repository.AssignmentRepositoryInterface
	Transport   transport.MailTransport
	Metrics     *metrics.Metrics
	Config      config.DispatchConfig
	Log         zerolog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(
	campaigns repository.CampaignRepositoryInterface,
	recipients repository.RecipientRepositoryInterface,
	identities repository.IdentityRepositoryInterface,
	assignments repository.AssignmentRepositoryInterface,
	mt transport.MailTransport,
	m *metrics.Metrics,
	cfg config.DispatchConfig,
	log zerolog.Logger,
) *Dispatcher {
	if m == nil {
		m = metrics.NewInstance()
	}
	return &Dispatcher{
		Campaigns:   campaigns,
		Recipients:  recipients,
		Identities:  identities,
		Assignments: assignments,
		Transport:   mt,
		Metrics:     m,
		Config:      cfg,
		Log:         log.With().Str("component", "dispatcher").Logger(),
		Now:         time.Now,
		Sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatch sends every still-Assigned recipient of a Ready or Paused
// campaign. Partial success is a successful result.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID int, strategy StrategyName) (*DispatchResult, error) {
	if strategy == "" {
		strategy = StrategyName(d.Config.DefaultStrategy)
	}
	strat, err := strategyFor(strategy)
	if err != nil {
		return nil, err
	}

	campaign, err := d.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, err
		}
		return nil, appErrors.NewPersistence("load campaign", err)
	}
	event := sendEvent(campaign.Status)
	sending, err := statemachine.Next(campaign.Status, event)
	if err != nil {
		return nil, err
	}
	started := d.Now()
	ok, err := d.Campaigns.TransitionStatus(ctx, campaignID, campaign.Status, sending, started)
	if err != nil {
		return nil, appErrors.NewPersistence("start sending", err)
	}
	if !ok {
		return nil, d.staleTransition(ctx, campaignID, event)
	}
	campaign.Status = sending

	log := d.Log.With().Int("campaign_id", campaignID).Str("strategy", string(strategy)).Logger()
	run, err := d.newRun(ctx, campaign, log)
	if err != nil {
		d.abort(campaignID, log)
		return nil, err
	}
	log.Info().
		Int("work_items", run.itemCount).
		Int("identities", len(run.identities)).
		Msg("dispatch started")

	strat.execute(ctx, d, run)

	result := run.result(strategy, d.Now().Sub(started))
	d.Metrics.ObserveDispatch(string(strategy), result.ElapsedSeconds)

	switch {
	case run.pause.paused():
		result.Paused = true
		result.Status = model.CampaignPaused
	case ctx.Err() != nil:
		// Hand the campaign back as Paused so a later dispatch can resume it.
		d.abort(campaignID, log)
		result.Paused = true
		result.Status = model.CampaignPaused
	default:
		status, err := d.complete(ctx, campaignID)
		if err != nil {
			run.warn(err)
			result.Warnings = run.warningList()
		}
		result.Status = status
		result.Paused = status == model.CampaignPaused
	}

	log.Info().
		Int("sent", result.TotalSent).
		Int("failed", result.TotalFailed).
		Int("left_assigned", result.LeftAssigned).
		Float64("elapsed_seconds", result.ElapsedSeconds).
		Str("status", string(result.Status)).
		Msg("dispatch finished")
	return result, nil
}

// sendEvent is the lifecycle event a dispatch of a campaign in status s applies.
func sendEvent(s model.CampaignStatus) statemachine.Event {
	if s == model.CampaignPaused {
		return statemachine.EventResume
	}
	return statemachine.EventSend
}

func (d *Dispatcher) staleTransition(ctx context.Context, campaignID int, event statemachine.Event) error {
	current := "unknown"
	if c, err := d.Campaigns.GetByID(ctx, campaignID); err == nil {
		current = string(c.Status)
	}
	return appErrors.NewInvalidStateTransition(current, string(event))
}

// abort moves a Sending campaign to Paused after a run could not finish.
func (d *Dispatcher) abort(campaignID int, log zerolog.Logger) {
	ctx := context.Background()
	paused, err := statemachine.Next(model.CampaignSending, statemachine.EventPause)
	if err != nil {
		log.Error().Err(err).Msg("cannot park interrupted campaign")
		return
	}
	if _, err := d.Campaigns.TransitionStatus(ctx, campaignID, model.CampaignSending, paused, d.Now()); err != nil {
		log.Error().Err(err).Msg("failed to park interrupted campaign as paused")
	}
}

// complete classifies the finished campaign from its cumulative counts:
// Failed when nothing was sent and something failed, Completed otherwise.
func (d *Dispatcher) complete(ctx context.Context, campaignID int) (model.CampaignStatus, error) {
	stats, err := d.Recipients.CountByStatus(ctx, campaignID)
	if err != nil {
		return model.CampaignSending, appErrors.NewPersistence("count recipients", err)
	}
	event := statemachine.EventComplete
	if stats.Sent == 0 && stats.Failed > 0 {
		event = statemachine.EventFail
	}
	to, err := statemachine.Next(model.CampaignSending, event)
	if err != nil {
		return model.CampaignSending, err
	}
	ok, err := d.Campaigns.TransitionStatus(ctx, campaignID, model.CampaignSending, to, d.Now())
	if err != nil {
		return model.CampaignSending, appErrors.NewPersistence("finish campaign", err)
	}
	if !ok {
		// Paused between the last wave and completion.
		c, err := d.Campaigns.GetByID(ctx, campaignID)
		if err != nil {
			return model.CampaignSending, err
		}
		return c.Status, nil
	}
	return to, nil
}

// ====================== run state ======================

// dispatchRun is the state shared by every worker of one Dispatch call.
type dispatchRun struct {
	campaign   *model.Campaign
	identities map[int]*identityRun
	// order lists identity ids ascending.
	order     []int
	itemCount int
	limiter   *rate.Limiter
	pause     *pauseWatch
	log       zerolog.Logger

	sent, failed, skipped atomic.Int64

	mu       sync.Mutex
	warnings *multierror.Error
}

// identityRun tracks one identity during a run. Quota itself lives in the
// store: every send reserves a slot there first, so concurrent runs sharing
// an identity cannot overshoot it.
type identityRun struct {
	identity model.SendingIdentity
	waves    [][]model.WorkItem

	mu     sync.Mutex
	halted model.IdentityStatus
}

// halt stops further sends. It reports true only for the call that halted it.
func (ir *identityRun) halt(status model.IdentityStatus) bool {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if ir.halted != "" {
		return false
	}
	ir.halted = status
	return true
}

func (ir *identityRun) haltedStatus() model.IdentityStatus {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	return ir.halted
}

// pauseWatch answers "should the run stop?" at wave boundaries. Once a
// pause is observed it stays observed.
type pauseWatch struct {
	campaigns  repository.CampaignRepositoryInterface
	campaignID int
	stopped    atomic.Bool
}

func (p *pauseWatch) paused() bool { return p.stopped.Load() }

func (p *pauseWatch) check(ctx context.Context) bool {
	if p.stopped.Load() {
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	c, err := p.campaigns.GetByID(ctx, p.campaignID)
	if err != nil {
		// A failed read does not stop the run; the next boundary re-checks.
		return false
	}
	if c.Status != model.CampaignSending {
		p.stopped.Store(true)
		return true
	}
	return false
}

func (d *Dispatcher) newRun(ctx context.Context, campaign *model.Campaign, log zerolog.Logger) (*dispatchRun, error) {
	items, err := d.Assignments.ListPendingWork(ctx, campaign.ID)
	if err != nil {
		return nil, appErrors.NewPersistence("list pending work", err)
	}

	ids := []int{}
	byIdentity := map[int][]model.WorkItem{}
	for _, it := range items {
		id := it.Assignment.IdentityID
		if _, ok := byIdentity[id]; !ok {
			ids = append(ids, id)
		}
		byIdentity[id] = append(byIdentity[id], it)
	}

	run := &dispatchRun{
		campaign:   campaign,
		identities: map[int]*identityRun{},
		itemCount:  len(items),
		limiter:    newSendLimiter(campaign.SendRatePerMinute),
		pause:      &pauseWatch{campaigns: d.Campaigns, campaignID: campaign.ID},
		log:        log,
	}
	if len(ids) == 0 {
		return run, nil
	}

	identities, err := d.Identities.GetIdentitiesByIDs(ctx, ids)
	if err != nil {
		return nil, appErrors.NewPersistence("load identities", err)
	}
	for _, identity := range identities {
		ir := &identityRun{
			identity: identity,
			waves:    splitWaves(byIdentity[identity.ID]),
		}
		if identity.Status != model.IdentityActive || !identity.GroupActive {
			// Deactivated since preparation; its work stays Assigned.
			ir.halted = identity.Status
			if identity.Status == model.IdentityActive {
				ir.halted = model.IdentityInactive
			}
		}
		run.identities[identity.ID] = ir
		run.order = append(run.order, identity.ID)
	}
	for _, id := range ids {
		if _, ok := run.identities[id]; !ok {
			n := len(byIdentity[id])
			run.skipped.Add(int64(n))
			log.Warn().Int("identity_id", id).Int("items", n).Msg("assigned identity no longer exists")
		}
	}
	return run, nil
}

// splitWaves groups items, already in (batch, priority) order, by batch.
func splitWaves(items []model.WorkItem) [][]model.WorkItem {
	var waves [][]model.WorkItem
	for i, it := range items {
		if i == 0 || it.Assignment.BatchNumber != items[i-1].Assignment.BatchNumber {
			waves = append(waves, nil)
		}
		waves[len(waves)-1] = append(waves[len(waves)-1], it)
	}
	return waves
}

// newSendLimiter paces the whole campaign at perMinute sends. Zero means no pacing.
func newSendLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := perMinute / 60
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
}

func (r *dispatchRun) warn(err error) {
	r.mu.Lock()
	r.warnings = multierror.Append(r.warnings, err)
	r.mu.Unlock()
}

func (r *dispatchRun) warningList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warnings == nil {
		return nil
	}
	out := make([]string, 0, len(r.warnings.Errors))
	for _, e := range r.warnings.Errors {
		out = append(out, e.Error())
	}
	return out
}

func (r *dispatchRun) result(strategy StrategyName, elapsed time.Duration) *DispatchResult {
	res := &DispatchResult{
		CampaignID:     r.campaign.ID,
		Strategy:       strategy,
		TotalSent:      int(r.sent.Load()),
		TotalFailed:    int(r.failed.Load()),
		ElapsedSeconds: elapsed.Seconds(),
		Warnings:       r.warningList(),
	}
	res.LeftAssigned = r.itemCount - res.TotalSent - res.TotalFailed
	if res.ElapsedSeconds > 0 {
		res.SendRate = float64(res.TotalSent) / res.ElapsedSeconds
	}
	for _, id := range r.order {
		switch r.identities[id].haltedStatus() {
		case model.IdentityRateLimited:
			res.RateLimitedIdentities = append(res.RateLimitedIdentities, id)
		case model.IdentityError:
			res.ErroredIdentities = append(res.ErroredIdentities, id)
		}
	}
	return res
}

// ====================== per-recipient send ======================

type sendOutcome int

const (
	outcomeSkipped sendOutcome = iota
	outcomeSent
	outcomeFailed
)

// persist runs a bookkeeping write with bounded retries. Writes run detached
// from ctx cancellation so a finished send is always recorded.
func (d *Dispatcher) persist(ctx context.Context, run *dispatchRun, op string, fn func(ctx context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	attempts := d.Config.PersistMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		_ = d.Sleep(ctx, time.Duration(i+1)*50*time.Millisecond)
	}
	perr := appErrors.NewPersistence(op, err)
	run.warn(perr)
	run.log.Error().Err(err).Str("op", op).Msg("bookkeeping write failed")
	return perr
}

// reserve takes a quota slot for one send from the store.
func (d *Dispatcher) reserve(ctx context.Context, run *dispatchRun, identityID int) (bool, error) {
	var reserved bool
	err := d.persist(ctx, run, "reserve identity quota", func(ctx context.Context) error {
		var err error
		reserved, err = d.Identities.ReserveSend(ctx, identityID, d.Now())
		return err
	})
	return reserved, err
}

// release hands back a slot when no mail went out.
func (d *Dispatcher) release(ctx context.Context, run *dispatchRun, identityID int) {
	_ = d.persist(ctx, run, "release identity quota", func(ctx context.Context) error {
		return d.Identities.ReleaseSend(ctx, identityID)
	})
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.Config.RetryBaseDelay << attempt
	if d.Config.RetryMaxDelay > 0 && (delay > d.Config.RetryMaxDelay || delay <= 0) {
		delay = d.Config.RetryMaxDelay
	}
	return delay
}

// sendOne delivers a single work item. A recipient is only left Assigned
// when no send was attempted for it.
func (d *Dispatcher) sendOne(ctx context.Context, run *dispatchRun, ir *identityRun, item model.WorkItem) sendOutcome {
	identity := ir.identity
	group := identity.GroupName
	log := run.log.With().
		Int("identity_id", identity.ID).
		Int("recipient_id", item.Recipient.ID).
		Int("wave", item.Assignment.BatchNumber).
		Logger()

	if ctx.Err() != nil || ir.haltedStatus() != "" {
		return outcomeSkipped
	}
	reserved, err := d.reserve(ctx, run, identity.ID)
	if err != nil {
		return outcomeSkipped
	}
	if !reserved {
		if ir.halt(model.IdentityRateLimited) {
			log.Warn().Msg("identity quota exhausted, leaving remaining work assigned")
			_ = d.persist(ctx, run, "mark identity rate limited", func(ctx context.Context) error {
				return d.Identities.UpdateStatus(ctx, identity.ID, model.IdentityRateLimited, "quota exhausted")
			})
		}
		if ir.haltedStatus() == model.IdentityRateLimited {
			d.Metrics.IncThrottled(group)
		}
		return outcomeSkipped
	}

	claimed, err := d.Recipients.MarkSending(ctx, item.Recipient.ID)
	if err != nil || !claimed {
		d.release(ctx, run, identity.ID)
		if err != nil {
			run.warn(appErrors.NewPersistence("claim recipient", err))
		}
		return outcomeSkipped
	}

	if err := run.limiter.Wait(ctx); err != nil {
		d.release(ctx, run, identity.ID)
		_ = d.persist(ctx, run, "release recipient", func(ctx context.Context) error {
			return d.Recipients.ReleaseSending(ctx, item.Recipient.ID)
		})
		return outcomeSkipped
	}

	content := RenderForRecipient(run.campaign, item.Recipient)
	msg := transport.Message{
		FromName: run.campaign.FromName,
		From:     identity.Email,
		ReplyTo:  run.campaign.FromEmail,
		ToName:   item.Recipient.Name,
		To:       item.Recipient.Email,
		Subject:  content.Subject,
		HTMLBody: content.HTMLBody,
		Headers:  run.campaign.CustomHeaders,
	}

	messageID, sendErr := d.deliver(ctx, identity, item.Recipient, msg, log)
	if sendErr == nil {
		now := d.Now()
		_ = d.persist(ctx, run, "mark recipient sent", func(ctx context.Context) error {
			return d.Recipients.MarkSent(ctx, item.Recipient.ID, messageID, now)
		})
		d.Metrics.IncSendSucceeded(group)
		return outcomeSent
	}

	d.release(ctx, run, identity.ID)
	if ctx.Err() != nil && errors.Is(sendErr, ctx.Err()) {
		_ = d.persist(ctx, run, "release recipient", func(ctx context.Context) error {
			return d.Recipients.ReleaseSending(ctx, item.Recipient.ID)
		})
		return outcomeSkipped
	}

	classified := appErrors.Classify(sendErr)
	kind := "terminal_recipient"
	if classified.Retryable() {
		kind = "retries_exhausted"
	}
	if classified.IdentityLevel() {
		kind = "terminal_identity"
		if ir.halt(model.IdentityError) {
			log.Error().Err(sendErr).Msg("identity-level failure, halting identity")
			_ = d.persist(ctx, run, "mark identity error", func(ctx context.Context) error {
				return d.Identities.UpdateStatus(ctx, identity.ID, model.IdentityError, sendErr.Error())
			})
		}
	}
	_ = d.persist(ctx, run, "mark recipient failed", func(ctx context.Context) error {
		return d.Recipients.MarkFailed(ctx, item.Recipient.ID, sendErr.Error())
	})
	d.Metrics.IncSendFailed(group, kind)
	log.Warn().Err(sendErr).Str("kind", kind).Msg("recipient send failed")
	return outcomeFailed
}

// deliver calls the transport, retrying retryable failures with
// exponential backoff.
func (d *Dispatcher) deliver(ctx context.Context, identity model.SendingIdentity, recipient model.Recipient, msg transport.Message, log zerolog.Logger) (string, error) {
	attempts := d.Config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			d.Metrics.IncRetry(identity.GroupName)
			if err := d.Sleep(ctx, d.backoff(attempt-1)); err != nil {
				return "", err
			}
		}

		sendCtx := ctx
		cancel := func() {}
		if d.Config.SendTimeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, d.Config.SendTimeout)
		}
		d.Metrics.IncSendAttempt(identity.GroupName)
		d.Metrics.SendStarted()
		id, err := d.Transport.Send(sendCtx, identity, recipient, msg)
		d.Metrics.SendFinished()
		cancel()

		if err == nil {
			return id, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		if !appErrors.Classify(err).Retryable() {
			return "", err
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("retryable send failure")
	}
	return "", fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

func (r *dispatchRun) record(o sendOutcome) {
	switch o {
	case outcomeSent:
		r.sent.Add(1)
	case outcomeFailed:
		r.failed.Add(1)
	default:
		r.skipped.Add(1)
	}
}
