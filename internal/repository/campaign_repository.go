package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
)

type CampaignRepositoryInterface interface {
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	Create(ctx context.Context, c *model.Campaign, recipients []*model.Recipient) error
	// TransitionStatus moves the campaign from one status to another and
	// stamps the matching lifecycle timestamp. It reports false when the
	// campaign was not in status from.
	TransitionStatus(ctx context.Context, id int, from, to model.CampaignStatus, at time.Time) (bool, error)
	Delete(ctx context.Context, id int) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, from_name, from_email, subject, html_body, custom_headers, test_email,
        selected_groups, send_rate_per_minute, status, preparation_started_at, preparation_completed_at,
        sending_started_at, sending_completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.Name, &c.FromName, &c.FromEmail, &c.Subject, &c.HTMLBody, &c.CustomHeaders, &c.TestEmail,
		&c.SelectedGroups, &c.SendRatePerMinute, &c.Status, &c.PreparationStartedAt, &c.PreparationCompletedAt,
		&c.SendingStartedAt, &c.SendingCompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

// Create inserts the campaign and its recipients in one transaction.
func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign, recipients []*model.Recipient) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
        INSERT INTO campaigns (name, from_name, from_email, subject, html_body, custom_headers, test_email,
                               selected_groups, send_rate_per_minute, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING id
    `
	err = tx.QueryRowContext(ctx, query,
		c.Name, c.FromName, c.FromEmail, c.Subject, c.HTMLBody, c.CustomHeaders, c.TestEmail,
		c.SelectedGroups, c.SendRatePerMinute, c.Status, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return err
	}

	if err := insertRecipients(ctx, tx, c.ID, recipients); err != nil {
		return err
	}
	return tx.Commit()
}

// statusTimestampColumn names the lifecycle timestamp stamped when entering a status.
func statusTimestampColumn(to model.CampaignStatus) string {
	switch to {
	case model.CampaignPreparing:
		return "preparation_started_at"
	case model.CampaignReady:
		return "preparation_completed_at"
	case model.CampaignSending:
		return "sending_started_at"
	case model.CampaignCompleted, model.CampaignFailed:
		return "sending_completed_at"
	}
	return ""
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, from, to model.CampaignStatus, at time.Time) (bool, error) {
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`
	switch col := statusTimestampColumn(to); col {
	case "":
		if to == model.CampaignDraft {
			// A failed preparation leaves no trace of having started.
			query = `UPDATE campaigns SET status=$1, updated_at=$2, preparation_started_at=NULL WHERE id=$3 AND status=$4`
		}
	case "sending_started_at":
		// The first start is kept so resumed runs report an honest rate.
		query = `UPDATE campaigns SET status=$1, updated_at=$2, sending_started_at=COALESCE(sending_started_at, $2)
                 WHERE id=$3 AND status=$4`
	default:
		query = fmt.Sprintf(`UPDATE campaigns SET status=$1, updated_at=$2, %s=$2 WHERE id=$3 AND status=$4`, col)
	}
	res, err := r.DB.ExecContext(ctx, query, to, at, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Count total
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	argsCount := []interface{}{}
	if status != "" {
		countQuery += " AND status=$1"
		argsCount = append(argsCount, status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, argsCount...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// Delete removes the campaign; recipients and assignments cascade.
func (r *CampaignRepository) Delete(ctx context.Context, id int) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

func insertRecipients(ctx context.Context, tx *sql.Tx, campaignID int, recipients []*model.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO recipients (campaign_id, email, name, custom_data, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, rc := range recipients {
		rc.CampaignID = campaignID
		rc.Status = model.RecipientPending
		rc.CreatedAt = now
		if err := stmt.QueryRowContext(ctx, campaignID, rc.Email, rc.Name, rc.Data, rc.Status, now).Scan(&rc.ID); err != nil {
			return fmt.Errorf("insert recipient %s: %w", rc.Email, err)
		}
	}
	return nil
}

// intArray adapts an id slice for ANY($n) filters.
func intArray(ids []int) interface{} {
	out := make(pq.Int64Array, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

func stringArray(values []string) interface{} {
	return pq.StringArray(values)
}
