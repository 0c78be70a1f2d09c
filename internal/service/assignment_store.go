package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
	"github.com/unclebandit/mailfleet-backend/internal/repository"
	"github.com/unclebandit/mailfleet-backend/internal/statemachine"
)

// AssignmentStore turns a distribution plan into persisted assignments.
type AssignmentStore struct {
	Assignments repository.AssignmentRepositoryInterface
	BatchSize   int
	Now         func() time.Time
}

func NewAssignmentStore(repo repository.AssignmentRepositoryInterface, batchSize int) *AssignmentStore {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &AssignmentStore{Assignments: repo, BatchSize: batchSize, Now: time.Now}
}

// Materialize replaces the campaign's assignments with the ones derived from
// plan, saves groupIDs as the campaign's selection and moves the campaign
// from Preparing to Ready in the same write.
func (s *AssignmentStore) Materialize(ctx context.Context, campaignID int, groupIDs []int, recipients []model.Recipient, plan *DistributionPlan) ([]model.RecipientAssignment, error) {
	ready, err := statemachine.Next(model.CampaignPreparing, statemachine.EventPlanSucceed)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	assignments, err := BuildAssignments(campaignID, recipients, plan, s.BatchSize, now)
	if err != nil {
		return nil, err
	}
	assignments = OptimizeSendingOrder(assignments)

	err = s.Assignments.CommitPreparation(ctx, repository.Preparation{
		CampaignID:     campaignID,
		SelectedGroups: groupIDs,
		Assignments:    assignments,
		From:           model.CampaignPreparing,
		To:             ready,
		At:             now,
	})
	if err != nil {
		if appErrors.IsInvalidStateTransition(err) {
			return nil, err
		}
		return nil, appErrors.NewPersistence("commit assignments", err)
	}
	return assignments, nil
}

// BuildAssignments slices recipients contiguously over the plan's identities
// in plan order. Position i within an identity's slice gets batch i/batchSize
// and priority i%batchSize.
func BuildAssignments(campaignID int, recipients []model.Recipient, plan *DistributionPlan, batchSize int, at time.Time) ([]model.RecipientAssignment, error) {
	if plan == nil {
		return nil, fmt.Errorf("nil distribution plan")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	planned := 0
	for _, id := range plan.IdentityOrder {
		planned += plan.PerIdentityLoad[id]
	}
	if planned != len(recipients) {
		return nil, fmt.Errorf("plan covers %d recipients, got %d", planned, len(recipients))
	}

	out := make([]model.RecipientAssignment, 0, len(recipients))
	next := 0
	for _, identityID := range plan.IdentityOrder {
		for i := 0; i < plan.PerIdentityLoad[identityID]; i++ {
			out = append(out, model.RecipientAssignment{
				CampaignID:  campaignID,
				RecipientID: recipients[next].ID,
				IdentityID:  identityID,
				BatchNumber: i / batchSize,
				Priority:    i % batchSize,
				AssignedAt:  at,
			})
			next++
		}
	}
	return out, nil
}

// OptimizeSendingOrder groups assignments into waves: every batch-0
// assignment comes before any batch-1 assignment. The sort is stable on
// (batch_number, identity_id), so each identity keeps its priority order.
func OptimizeSendingOrder(assignments []model.RecipientAssignment) []model.RecipientAssignment {
	out := append([]model.RecipientAssignment(nil), assignments...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BatchNumber != out[j].BatchNumber {
			return out[i].BatchNumber < out[j].BatchNumber
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	return out
}
