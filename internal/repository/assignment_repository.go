package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
)

// Preparation is the outcome of one successful planning pass.
type Preparation struct {
	CampaignID     int
	SelectedGroups []int
	Assignments    []model.RecipientAssignment
	// From and To are the campaign statuses the commit moves between.
	From model.CampaignStatus
	To   model.CampaignStatus
	At   time.Time
}

type AssignmentRepositoryInterface interface {
	// CommitPreparation atomically replaces the campaign's assignments, marks
	// the assigned recipients Assigned, saves the selected groups and moves
	// the campaign from p.From to p.To. Nothing is written if the campaign
	// is no longer in p.From.
	CommitPreparation(ctx context.Context, p Preparation) error
	ListByCampaign(ctx context.Context, campaignID int) ([]model.RecipientAssignment, error)
	// ListPendingWork returns assignments whose recipient is still Assigned,
	// ordered by (batch_number, identity_id, priority).
	ListPendingWork(ctx context.Context, campaignID int) ([]model.WorkItem, error)
}

type AssignmentRepository struct {
	DB *sql.DB
}

func (r *AssignmentRepository) CommitPreparation(ctx context.Context, p Preparation) error {
	campaignID, assignments, readyAt := p.CampaignID, p.Assignments, p.At
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recipient_assignments WHERE campaign_id = $1`, campaignID); err != nil {
		return err
	}

	if len(assignments) > 0 {
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("recipient_assignments",
			"campaign_id", "recipient_id", "identity_id", "batch_number", "priority", "assigned_at"))
		if err != nil {
			return err
		}
		ids := make([]int, 0, len(assignments))
		for _, a := range assignments {
			if _, err := stmt.ExecContext(ctx, campaignID, a.RecipientID, a.IdentityID, a.BatchNumber, a.Priority, a.AssignedAt); err != nil {
				stmt.Close()
				return err
			}
			ids = append(ids, a.RecipientID)
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return err
		}
		if err := stmt.Close(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
            UPDATE recipients SET status='assigned', assigned_at=$2
            WHERE campaign_id = $1 AND id = ANY($3)
        `, campaignID, readyAt, intArray(ids)); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `
        UPDATE campaigns SET status=$2, selected_groups=$3, preparation_completed_at=$4, updated_at=$4
        WHERE id = $1 AND status = $5
    `, campaignID, p.To, model.IntList(p.SelectedGroups), readyAt, p.From)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return appErrors.NewInvalidStateTransition("unknown", "commit preparation")
	}

	return tx.Commit()
}

func (r *AssignmentRepository) ListByCampaign(ctx context.Context, campaignID int) ([]model.RecipientAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, campaign_id, recipient_id, identity_id, batch_number, priority, assigned_at
        FROM recipient_assignments
        WHERE campaign_id = $1
        ORDER BY batch_number, identity_id, priority
    `, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	assignments := []model.RecipientAssignment{}
	for rows.Next() {
		var a model.RecipientAssignment
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.RecipientID, &a.IdentityID, &a.BatchNumber, &a.Priority, &a.AssignedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (r *AssignmentRepository) ListPendingWork(ctx context.Context, campaignID int) ([]model.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT a.id, a.campaign_id, a.recipient_id, a.identity_id, a.batch_number, a.priority, a.assigned_at,
               rc.email, rc.name, rc.custom_data, rc.status
        FROM recipient_assignments a
        JOIN recipients rc ON rc.id = a.recipient_id
        WHERE a.campaign_id = $1 AND rc.status = 'assigned'
        ORDER BY a.batch_number, a.identity_id, a.priority
    `, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.WorkItem{}
	for rows.Next() {
		var w model.WorkItem
		a := &w.Assignment
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.RecipientID, &a.IdentityID, &a.BatchNumber, &a.Priority, &a.AssignedAt,
			&w.Recipient.Email, &w.Recipient.Name, &w.Recipient.Data, &w.Recipient.Status); err != nil {
			return nil, err
		}
		w.Recipient.ID = a.RecipientID
		w.Recipient.CampaignID = a.CampaignID
		items = append(items, w)
	}
	return items, rows.Err()
}

var _ AssignmentRepositoryInterface = (*AssignmentRepository)(nil)
