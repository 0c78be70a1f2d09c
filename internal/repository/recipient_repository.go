package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/mailfleet-backend/internal/model"
)

// RecipientRepositoryInterface defines methods used by service
type RecipientRepositoryInterface interface {
	CreateBatch(ctx context.Context, campaignID int, recipients []*model.Recipient) error
	GetByID(ctx context.Context, id int) (*model.Recipient, error)
	ListByCampaign(ctx context.Context, campaignID int) ([]model.Recipient, error)
	// MarkSending claims an Assigned recipient for a send attempt. It reports
	// false when the recipient was not Assigned.
	MarkSending(ctx context.Context, id int) (bool, error)
	MarkSent(ctx context.Context, id int, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id int, lastError string) error
	// ReleaseSending puts a claimed recipient back to Assigned.
	ReleaseSending(ctx context.Context, id int) error
	CountByStatus(ctx context.Context, campaignID int) (model.CampaignStats, error)
	DeleteByIDs(ctx context.Context, campaignID int, ids []int) (int, error)
}

// RecipientRepository is the concrete implementation
type RecipientRepository struct {
	DB *sql.DB
}

const recipientColumns = `id, campaign_id, email, name, custom_data, status, last_error, message_id,
        assigned_at, sent_at, created_at`

func scanRecipient(row rowScanner) (model.Recipient, error) {
	var rc model.Recipient
	err := row.Scan(&rc.ID, &rc.CampaignID, &rc.Email, &rc.Name, &rc.Data, &rc.Status, &rc.LastError,
		&rc.MessageID, &rc.AssignedAt, &rc.SentAt, &rc.CreatedAt)
	return rc, err
}

// CreateBatch appends recipients to an existing campaign.
func (r *RecipientRepository) CreateBatch(ctx context.Context, campaignID int, recipients []*model.Recipient) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertRecipients(ctx, tx, campaignID, recipients); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByID fetches a recipient by ID
func (r *RecipientRepository) GetByID(ctx context.Context, id int) (*model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id = $1`
	rc, err := scanRecipient(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // not found
		}
		return nil, err
	}
	return &rc, nil
}

// ListByCampaign returns the campaign's recipients in ascending id order.
func (r *RecipientRepository) ListByCampaign(ctx context.Context, campaignID int) ([]model.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE campaign_id = $1 ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []model.Recipient{}
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, rc)
	}
	return recipients, rows.Err()
}

func (r *RecipientRepository) MarkSending(ctx context.Context, id int) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE recipients SET status='sending' WHERE id=$1 AND status='assigned'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkSent is a no-op for a recipient that is already Sent.
func (r *RecipientRepository) MarkSent(ctx context.Context, id int, messageID string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE recipients SET status='sent', message_id=$2, sent_at=$3, last_error=''
        WHERE id=$1 AND status <> 'sent'
    `, id, messageID, at)
	return err
}

func (r *RecipientRepository) MarkFailed(ctx context.Context, id int, lastError string) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE recipients SET status='failed', last_error=$2
        WHERE id=$1 AND status <> 'sent'
    `, id, lastError)
	return err
}

func (r *RecipientRepository) ReleaseSending(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE recipients SET status='assigned' WHERE id=$1 AND status='sending'`, id)
	return err
}

func (r *RecipientRepository) CountByStatus(ctx context.Context, campaignID int) (model.CampaignStats, error) {
	var stats model.CampaignStats
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM recipients WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status model.RecipientStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.Total += n
		switch status {
		case model.RecipientPending:
			stats.Pending = n
		case model.RecipientAssigned:
			stats.Assigned = n
		case model.RecipientSending:
			stats.Sending = n
		case model.RecipientSent:
			stats.Sent = n
		case model.RecipientFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

// DeleteByIDs removes recipients of a campaign and reports how many were deleted.
func (r *RecipientRepository) DeleteByIDs(ctx context.Context, campaignID int, ids []int) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM recipients WHERE campaign_id = $1 AND id = ANY($2)`, campaignID, intArray(ids))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
