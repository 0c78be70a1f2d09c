package repository

import (
	"context"
	"database/sql"
	"time"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
)

// IdentityDirectory is the read side the planner and dispatcher need.
type IdentityDirectory interface {
	// ListActiveIdentities returns Active identities of active groups among
	// groupIDs, ordered by identity id.
	ListActiveIdentities(ctx context.Context, groupIDs []int) ([]model.SendingIdentity, error)
	GetIdentitiesByIDs(ctx context.Context, ids []int) ([]model.SendingIdentity, error)
}

type IdentityRepositoryInterface interface {
	IdentityDirectory

	CreateGroup(ctx context.Context, g *model.IdentityGroup) error
	GetGroup(ctx context.Context, id int) (*model.IdentityGroup, error)
	ListGroups(ctx context.Context) ([]model.IdentityGroup, error)
	SetGroupActive(ctx context.Context, id int, active bool) error
	// SyncIdentities upserts the given identities into the group and marks
	// the group's other identities Inactive.
	SyncIdentities(ctx context.Context, groupID int, identities []model.SendingIdentity, at time.Time) (*SyncResult, error)
	ListIdentities(ctx context.Context, groupID int) ([]model.SendingIdentity, error)

	// ReserveSend takes one send slot from the identity's hourly and daily
	// quotas. It reports false, changing nothing, when either is exhausted.
	ReserveSend(ctx context.Context, identityID int, at time.Time) (bool, error)
	// ReleaseSend returns a slot taken by ReserveSend when no mail went out.
	ReleaseSend(ctx context.Context, identityID int) error
	UpdateStatus(ctx context.Context, identityID int, status model.IdentityStatus, lastError string) error
	ResetHourlyCounts(ctx context.Context) (int64, error)
	ResetDailyCounts(ctx context.Context) (int64, error)
}

// SyncResult summarizes a group sync.
type SyncResult struct {
	GroupID     int `json:"group_id"`
	Upserted    int `json:"upserted"`
	Deactivated int `json:"deactivated"`
}

type IdentityRepository struct {
	DB *sql.DB
}

const identitySelect = `
        SELECT i.id, i.group_id, i.email, i.name, i.status, i.daily_sent_count, i.hourly_sent_count,
               i.last_sent_at, i.last_error, g.name, g.active, g.daily_quota, g.hourly_quota, g.credential_profile
        FROM sending_identities i
        JOIN identity_groups g ON g.id = i.group_id
    `

func scanIdentity(row rowScanner) (model.SendingIdentity, error) {
	var i model.SendingIdentity
	err := row.Scan(&i.ID, &i.GroupID, &i.Email, &i.Name, &i.Status, &i.DailySent, &i.HourlySent,
		&i.LastSentAt, &i.LastError, &i.GroupName, &i.GroupActive, &i.DailyQuota, &i.HourlyQuota, &i.CredentialProfile)
	return i, err
}

func (r *IdentityRepository) queryIdentities(ctx context.Context, query string, args ...interface{}) ([]model.SendingIdentity, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	identities := []model.SendingIdentity{}
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, i)
	}
	return identities, rows.Err()
}

// ====================== Groups ======================

func (r *IdentityRepository) CreateGroup(ctx context.Context, g *model.IdentityGroup) error {
	g.CreatedAt = time.Now()
	query := `
        INSERT INTO identity_groups (name, admin_email, credential_profile, active, daily_quota, hourly_quota, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, g.Name, g.AdminEmail, g.CredentialProfile, g.Active,
		g.DailyQuota, g.HourlyQuota, g.CreatedAt).Scan(&g.ID)
}

func (r *IdentityRepository) GetGroup(ctx context.Context, id int) (*model.IdentityGroup, error) {
	query := `
        SELECT id, name, admin_email, credential_profile, active, daily_quota, hourly_quota, created_at, last_sync_at
        FROM identity_groups WHERE id = $1
    `
	var g model.IdentityGroup
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&g.ID, &g.Name, &g.AdminEmail, &g.CredentialProfile,
		&g.Active, &g.DailyQuota, &g.HourlyQuota, &g.CreatedAt, &g.LastSyncAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.NewGroupNotFound(id)
		}
		return nil, err
	}
	return &g, nil
}

func (r *IdentityRepository) ListGroups(ctx context.Context) ([]model.IdentityGroup, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, name, admin_email, credential_profile, active, daily_quota, hourly_quota, created_at, last_sync_at
        FROM identity_groups ORDER BY id
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := []model.IdentityGroup{}
	for rows.Next() {
		var g model.IdentityGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.AdminEmail, &g.CredentialProfile, &g.Active,
			&g.DailyQuota, &g.HourlyQuota, &g.CreatedAt, &g.LastSyncAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (r *IdentityRepository) SetGroupActive(ctx context.Context, id int, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE identity_groups SET active=$1 WHERE id=$2`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewGroupNotFound(id)
	}
	return nil
}

func (r *IdentityRepository) SyncIdentities(ctx context.Context, groupID int, identities []model.SendingIdentity, at time.Time) (*SyncResult, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE identity_groups SET last_sync_at=$1 WHERE id=$2`, at, groupID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, appErrors.NewGroupNotFound(groupID)
	}

	result := &SyncResult{GroupID: groupID}
	emails := make([]string, 0, len(identities))
	for _, i := range identities {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO sending_identities (group_id, email, name, status)
            VALUES ($1, $2, $3, 'active')
            ON CONFLICT (email) DO UPDATE
            SET group_id = EXCLUDED.group_id,
                name = EXCLUDED.name,
                status = CASE WHEN sending_identities.status = 'inactive' THEN 'active' ELSE sending_identities.status END
        `, groupID, i.Email, i.Name)
		if err != nil {
			return nil, err
		}
		emails = append(emails, i.Email)
		result.Upserted++
	}

	res, err = tx.ExecContext(ctx, `
        UPDATE sending_identities SET status='inactive'
        WHERE group_id = $1 AND status <> 'inactive' AND NOT (email = ANY($2))
    `, groupID, stringArray(emails))
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	result.Deactivated = int(n)

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// ====================== Identities ======================

func (r *IdentityRepository) ListIdentities(ctx context.Context, groupID int) ([]model.SendingIdentity, error) {
	return r.queryIdentities(ctx, identitySelect+` WHERE i.group_id = $1 ORDER BY i.id`, groupID)
}

func (r *IdentityRepository) ListActiveIdentities(ctx context.Context, groupIDs []int) ([]model.SendingIdentity, error) {
	query := identitySelect + `
        WHERE i.group_id = ANY($1) AND i.status = 'active' AND g.active
        ORDER BY i.id
    `
	return r.queryIdentities(ctx, query, intArray(groupIDs))
}

func (r *IdentityRepository) GetIdentitiesByIDs(ctx context.Context, ids []int) ([]model.SendingIdentity, error) {
	return r.queryIdentities(ctx, identitySelect+` WHERE i.id = ANY($1) ORDER BY i.id`, intArray(ids))
}

func (r *IdentityRepository) ReserveSend(ctx context.Context, identityID int, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE sending_identities i
        SET daily_sent_count = i.daily_sent_count + 1,
            hourly_sent_count = i.hourly_sent_count + 1,
            last_sent_at = $2
        FROM identity_groups g
        WHERE i.id = $1 AND g.id = i.group_id
          AND i.daily_sent_count < g.daily_quota
          AND i.hourly_sent_count < g.hourly_quota
    `, identityID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *IdentityRepository) ReleaseSend(ctx context.Context, identityID int) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE sending_identities
        SET daily_sent_count = GREATEST(daily_sent_count - 1, 0),
            hourly_sent_count = GREATEST(hourly_sent_count - 1, 0)
        WHERE id = $1
    `, identityID)
	return err
}

func (r *IdentityRepository) UpdateStatus(ctx context.Context, identityID int, status model.IdentityStatus, lastError string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE sending_identities SET status=$2, last_error=$3 WHERE id=$1`, identityID, status, lastError)
	return err
}

const reactivateRateLimited = `
        UPDATE sending_identities i SET status='active'
        FROM identity_groups g
        WHERE g.id = i.group_id AND i.status = 'rate_limited'
          AND i.daily_sent_count < g.daily_quota
          AND i.hourly_sent_count < g.hourly_quota
    `

func (r *IdentityRepository) resetCounts(ctx context.Context, column string) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE sending_identities SET `+column+` = 0 WHERE `+column+` <> 0`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, reactivateRateLimited); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// ResetHourlyCounts zeroes hourly counters and reactivates identities that
// are no longer over quota.
func (r *IdentityRepository) ResetHourlyCounts(ctx context.Context) (int64, error) {
	return r.resetCounts(ctx, "hourly_sent_count")
}

func (r *IdentityRepository) ResetDailyCounts(ctx context.Context) (int64, error) {
	return r.resetCounts(ctx, "daily_sent_count")
}

var _ IdentityRepositoryInterface = (*IdentityRepository)(nil)
