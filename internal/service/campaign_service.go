// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
	"github.com/unclebandit/mailfleet-backend/internal/queue"
	"github.com/unclebandit/mailfleet-backend/internal/repository"
	"github.com/unclebandit/mailfleet-backend/internal/statemachine"
	"github.com/unclebandit/mailfleet-backend/internal/transport"
)

type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	RecipientRepo  repository.RecipientRepositoryInterface
	IdentityRepo   repository.IdentityRepositoryInterface
	AssignmentRepo repository.AssignmentRepositoryInterface

	Planner     *Planner
	Assignments *AssignmentStore
	Progress    *ProgressReporter
	Transport   transport.MailTransport

	Queue           queue.Queue
	DispatchTopic   string
	DefaultStrategy StrategyName

	Log zerolog.Logger
	Now func() time.Time
}

// CreateCampaignInput carries everything needed to create a Draft campaign.
type CreateCampaignInput struct {
	Name              string            `json:"name"`
	FromName          string            `json:"from_name"`
	FromEmail         string            `json:"from_email"`
	Subject           string            `json:"subject"`
	HTMLBody          string            `json:"html_body"`
	CustomHeaders     map[string]string `json:"custom_headers"`
	TestEmail         string            `json:"test_email"`
	SelectedGroups    []int             `json:"selected_groups"`
	SendRatePerMinute int               `json:"send_rate_per_minute"`
	Recipients        []RecipientInput  `json:"recipients"`
	RecipientsCSV     string            `json:"recipients_csv"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats model.CampaignStats `json:"stats"`
}

// PreparationResult reports a successful Prepare.
type PreparationResult struct {
	CampaignID         int                  `json:"campaign_id"`
	Status             model.CampaignStatus `json:"status"`
	AssignmentsCreated int                  `json:"assignments_created"`
	Plan               *DistributionPlan    `json:"plan"`
}

// DispatchQueued is returned when a dispatch job was handed to the queue.
type DispatchQueued struct {
	CampaignID int                  `json:"campaign_id"`
	Status     model.CampaignStatus `json:"status"`
	Strategy   StrategyName         `json:"strategy"`
	Queued     bool                 `json:"queued"`
}

// TestEmailResult reports a test send.
type TestEmailResult struct {
	MessageID  string `json:"message_id"`
	SentTo     string `json:"sent_to"`
	SenderUser string `json:"sender_user"`
}

// IdentityAssignments groups a campaign's assignments by identity.
type IdentityAssignments struct {
	IdentityID    int                         `json:"identity_id"`
	IdentityEmail string                      `json:"identity_email"`
	IdentityName  string                      `json:"identity_name"`
	GroupID       int                         `json:"group_id"`
	Assignments   []model.RecipientAssignment `json:"assignments"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// ====================== Create / read ======================

func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.NewValidation("name", "is required")
	}
	if _, err := mail.ParseAddress(in.FromEmail); err != nil {
		return nil, appErrors.NewValidation("from_email", "must be a valid address")
	}
	if strings.TrimSpace(in.Subject) == "" {
		return nil, appErrors.NewValidation("subject", "is required")
	}
	if strings.TrimSpace(in.HTMLBody) == "" {
		return nil, appErrors.NewValidation("html_body", "is required")
	}
	if in.SendRatePerMinute < 0 {
		return nil, appErrors.NewValidation("send_rate_per_minute", "cannot be negative")
	}

	inputs := in.Recipients
	if strings.TrimSpace(in.RecipientsCSV) != "" {
		parsed, err := ParseRecipientsCSV(strings.NewReader(in.RecipientsCSV))
		if err != nil {
			return nil, appErrors.NewValidation("recipients_csv", err.Error())
		}
		inputs = append(inputs, parsed...)
	}
	recipients, err := NormalizeRecipients(inputs)
	if err != nil {
		return nil, appErrors.NewValidation("recipients", err.Error())
	}

	c := &model.Campaign{
		Name:              in.Name,
		FromName:          in.FromName,
		FromEmail:         in.FromEmail,
		Subject:           in.Subject,
		HTMLBody:          in.HTMLBody,
		CustomHeaders:     model.StringMap(in.CustomHeaders),
		TestEmail:         in.TestEmail,
		SelectedGroups:    model.IntList(in.SelectedGroups),
		SendRatePerMinute: in.SendRatePerMinute,
		Status:            model.CampaignDraft,
	}
	if err := s.CampaignRepo.Create(ctx, c, recipients); err != nil {
		return nil, err
	}
	s.Log.Info().Int("campaign_id", c.ID).Int("recipients", len(recipients)).Msg("campaign created")
	return c, nil
}

// AddRecipients appends recipients to a Draft campaign.
func (s *CampaignService) AddRecipients(ctx context.Context, campaignID int, in []RecipientInput) (int, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !statemachine.Can(campaign.Status, statemachine.EventPrepare) {
		return 0, appErrors.NewInvalidStateTransition(string(campaign.Status), "add recipients")
	}
	recipients, err := NormalizeRecipients(in)
	if err != nil {
		return 0, appErrors.NewValidation("recipients", err.Error())
	}
	if err := s.RecipientRepo.CreateBatch(ctx, campaignID, recipients); err != nil {
		return 0, err
	}
	return len(recipients), nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := s.RecipientRepo.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}

func (s *CampaignService) ListRecipients(ctx context.Context, campaignID int) ([]model.Recipient, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.RecipientRepo.ListByCampaign(ctx, campaignID)
}

// RenderPreview personalizes the campaign for one of its recipients.
// overrideTemplate replaces the HTML body when non-blank.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, recipientID int, overrideTemplate *string) (*RenderedContent, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.RecipientRepo.GetByID(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if recipient == nil || recipient.CampaignID != campaignID {
		return nil, appErrors.NewValidation("recipient_id", fmt.Sprintf("recipient %d not found in campaign %d", recipientID, campaignID))
	}

	c := *campaign
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		c.HTMLBody = *overrideTemplate
	}
	if strings.TrimSpace(c.HTMLBody) == "" {
		return nil, appErrors.NewValidation("template", "cannot be empty")
	}
	rendered := RenderForRecipient(&c, *recipient)
	return &rendered, nil
}

// ListAssignments returns the campaign's assignments grouped by identity, in
// ascending identity id.
func (s *CampaignService) ListAssignments(ctx context.Context, campaignID int) ([]IdentityAssignments, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	assignments, err := s.AssignmentRepo.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	byIdentity := map[int][]model.RecipientAssignment{}
	var ids []int
	for _, a := range assignments {
		if _, ok := byIdentity[a.IdentityID]; !ok {
			ids = append(ids, a.IdentityID)
		}
		byIdentity[a.IdentityID] = append(byIdentity[a.IdentityID], a)
	}
	if len(ids) == 0 {
		return []IdentityAssignments{}, nil
	}
	identities, err := s.IdentityRepo.GetIdentitiesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]IdentityAssignments, 0, len(identities))
	for _, i := range identities {
		out = append(out, IdentityAssignments{
			IdentityID:    i.ID,
			IdentityEmail: i.Email,
			IdentityName:  i.Name,
			GroupID:       i.GroupID,
			Assignments:   byIdentity[i.ID],
		})
	}
	return out, nil
}

// ====================== Lifecycle ======================

// Prepare plans the campaign over groupIDs (or its saved groups) and
// persists the assignments. Any failure returns the campaign to Draft.
func (s *CampaignService) Prepare(ctx context.Context, campaignID int, groupIDs []int) (*PreparationResult, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	preparing, err := statemachine.Next(campaign.Status, statemachine.EventPrepare)
	if err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		groupIDs = campaign.SelectedGroups
	}
	if len(groupIDs) == 0 {
		return nil, appErrors.NewValidation("group_ids", "at least one identity group must be selected")
	}
	draft, err := statemachine.Next(preparing, statemachine.EventPlanFail)
	if err != nil {
		return nil, err
	}

	ok, err := s.CampaignRepo.TransitionStatus(ctx, campaignID, campaign.Status, preparing, s.now())
	if err != nil {
		return nil, appErrors.NewPersistence("start preparation", err)
	}
	if !ok {
		return nil, s.currentStateError(ctx, campaignID, statemachine.EventPrepare)
	}

	log := s.Log.With().Int("campaign_id", campaignID).Logger()
	result, err := s.prepare(ctx, campaignID, groupIDs)
	if err != nil {
		if _, rerr := s.CampaignRepo.TransitionStatus(context.WithoutCancel(ctx), campaignID,
			preparing, draft, s.now()); rerr != nil {
			log.Error().Err(rerr).Msg("failed to return campaign to draft")
		}
		log.Warn().Err(err).Msg("preparation failed, campaign back to draft")
		return nil, err
	}
	log.Info().
		Int("assignments", result.AssignmentsCreated).
		Int("identities", result.Plan.TotalIdentities).
		Float64("estimated_send_time_seconds", result.Plan.EstimatedSendTimeSeconds).
		Msg("campaign prepared")
	return result, nil
}

func (s *CampaignService) prepare(ctx context.Context, campaignID int, groupIDs []int) (*PreparationResult, error) {
	recipients, err := s.RecipientRepo.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, appErrors.NewPersistence("list recipients", err)
	}
	plan, err := s.Planner.Plan(ctx, recipients, groupIDs)
	if err != nil {
		return nil, err
	}
	assignments, err := s.Assignments.Materialize(ctx, campaignID, groupIDs, recipients, plan)
	if err != nil {
		return nil, err
	}
	return &PreparationResult{
		CampaignID:         campaignID,
		Status:             model.CampaignReady,
		AssignmentsCreated: len(assignments),
		Plan:               plan,
	}, nil
}

// Pause stops a Sending campaign at the next wave boundary.
func (s *CampaignService) Pause(ctx context.Context, campaignID int) error {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	paused, err := statemachine.Next(campaign.Status, statemachine.EventPause)
	if err != nil {
		return err
	}
	ok, err := s.CampaignRepo.TransitionStatus(ctx, campaignID, campaign.Status, paused, s.now())
	if err != nil {
		return appErrors.NewPersistence("pause campaign", err)
	}
	if !ok {
		return s.currentStateError(ctx, campaignID, statemachine.EventPause)
	}
	s.Log.Info().Int("campaign_id", campaignID).Msg("campaign paused")
	return nil
}

// StartSending validates that the campaign can be sent and queues a
// dispatch job. The dispatcher performs the actual transition.
func (s *CampaignService) StartSending(ctx context.Context, campaignID int, strategy string) (*DispatchQueued, error) {
	strat, err := ParseStrategy(strategy)
	if err != nil {
		return nil, appErrors.NewValidation("strategy", err.Error())
	}
	if strat == "" {
		strat = s.DefaultStrategy
	}
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if _, err := statemachine.Next(campaign.Status, sendEvent(campaign.Status)); err != nil {
		return nil, err
	}
	topic := s.DispatchTopic
	if topic == "" {
		topic = queue.DispatchTopic
	}
	if err := s.Queue.Publish(topic, queue.DispatchJob{CampaignID: campaignID, Strategy: string(strat)}); err != nil {
		return nil, fmt.Errorf("failed to enqueue dispatch job: %w", err)
	}
	return &DispatchQueued{CampaignID: campaignID, Status: campaign.Status, Strategy: strat, Queued: true}, nil
}

func (s *CampaignService) currentStateError(ctx context.Context, campaignID int, event statemachine.Event) error {
	current := "unknown"
	if c, err := s.CampaignRepo.GetByID(ctx, campaignID); err == nil {
		current = string(c.Status)
	}
	return appErrors.NewInvalidStateTransition(current, string(event))
}

// ====================== Deletes ======================

// DeleteCampaign removes the campaign with its recipients and assignments.
// A campaign that is actively sending must be paused first.
func (s *CampaignService) DeleteCampaign(ctx context.Context, campaignID int) error {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status == model.CampaignSending || campaign.Status == model.CampaignPreparing {
		return appErrors.NewInvalidStateTransition(string(campaign.Status), "delete")
	}
	return s.CampaignRepo.Delete(ctx, campaignID)
}

// DeleteRecipients bulk-deletes recipients of a Draft campaign.
func (s *CampaignService) DeleteRecipients(ctx context.Context, campaignID int, recipientIDs []int) (int, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !statemachine.Can(campaign.Status, statemachine.EventPrepare) {
		return 0, appErrors.NewInvalidStateTransition(string(campaign.Status), "delete recipients")
	}
	return s.RecipientRepo.DeleteByIDs(ctx, campaignID, recipientIDs)
}

// ====================== Test email ======================

// SendTestEmail sends the campaign once to a test address through the first
// identity with spare quota. Campaign and recipient state are untouched.
func (s *CampaignService) SendTestEmail(ctx context.Context, campaignID int, testEmail string) (*TestEmailResult, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if testEmail == "" {
		testEmail = campaign.TestEmail
	}
	addr, err := mail.ParseAddress(testEmail)
	if err != nil {
		return nil, appErrors.NewValidation("test_email", "must be a valid address")
	}

	identities, err := s.IdentityRepo.ListActiveIdentities(ctx, campaign.SelectedGroups)
	if err != nil {
		return nil, err
	}
	var sender *model.SendingIdentity
	for _, i := range EligibleIdentities(identities, campaign.SelectedGroups) {
		i := i
		if i.AvailableCapacity() <= 0 {
			continue
		}
		reserved, err := s.IdentityRepo.ReserveSend(ctx, i.ID, s.now())
		if err != nil {
			return nil, appErrors.NewPersistence("reserve identity quota", err)
		}
		if reserved {
			sender = &i
			break
		}
	}
	if sender == nil {
		return nil, appErrors.ErrNoEligibleIdentities
	}

	recipient := model.Recipient{Email: addr.Address, Name: "Test User"}
	content := RenderForRecipient(campaign, recipient)
	messageID, err := s.Transport.Send(ctx, *sender, recipient, transport.Message{
		FromName: campaign.FromName,
		From:     sender.Email,
		ReplyTo:  campaign.FromEmail,
		ToName:   recipient.Name,
		To:       recipient.Email,
		Subject:  "[TEST] " + content.Subject,
		HTMLBody: content.HTMLBody,
		Headers:  campaign.CustomHeaders,
	})
	if err != nil {
		if rerr := s.IdentityRepo.ReleaseSend(context.WithoutCancel(ctx), sender.ID); rerr != nil {
			s.Log.Warn().Err(rerr).Int("identity_id", sender.ID).Msg("failed to release test send quota")
		}
		return nil, fmt.Errorf("failed to send test email: %w", err)
	}
	return &TestEmailResult{MessageID: messageID, SentTo: addr.Address, SenderUser: sender.Email}, nil
}
