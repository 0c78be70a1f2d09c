package service

import (
	"context"
	"time"

	"github.com/unclebandit/mailfleet-backend/internal/model"
	"github.com/unclebandit/mailfleet-backend/internal/repository"
	"github.com/unclebandit/mailfleet-backend/internal/statemachine"
)

// ProgressReporter aggregates recipient counts for polling. It never writes.
type ProgressReporter struct {
	Campaigns  repository.CampaignRepositoryInterface
	Recipients repository.RecipientRepositoryInterface
	Now        func() time.Time
}

func NewProgressReporter(campaigns repository.CampaignRepositoryInterface, recipients repository.RecipientRepositoryInterface) *ProgressReporter {
	return &ProgressReporter{Campaigns: campaigns, Recipients: recipients, Now: time.Now}
}

func (p *ProgressReporter) Progress(ctx context.Context, campaignID int) (*model.ProgressSnapshot, error) {
	campaign, err := p.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats, err := p.Recipients.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	snap := &model.ProgressSnapshot{
		CampaignID: campaignID,
		Status:     campaign.Status,
		Total:      stats.Total,
		Sent:       stats.Sent,
		Pending:    stats.Pending,
		Assigned:   stats.Assigned,
		Sending:    stats.Sending,
		Failed:     stats.Failed,
		Finished:   statemachine.Terminal(campaign.Status),
	}
	if stats.Total > 0 {
		snap.Percentage = float64(stats.Sent) / float64(stats.Total) * 100
	}
	if campaign.SendingStartedAt != nil {
		if elapsed := p.Now().Sub(*campaign.SendingStartedAt).Seconds(); elapsed > 0 {
			snap.CurrentRate = float64(stats.Sent) / elapsed
		}
	}
	return snap, nil
}
