// internal/model/identity.go
package model

import "time"

type IdentityStatus string

const (
	IdentityActive      IdentityStatus = "active"
	IdentityInactive    IdentityStatus = "inactive"
	IdentityRateLimited IdentityStatus = "rate_limited"
	IdentityError       IdentityStatus = "error"
)

// IdentityGroup bundles sending identities that share a quota.
type IdentityGroup struct {
	ID                int        `db:"id" json:"id"`
	Name              string     `db:"name" json:"name"`
	AdminEmail        string     `db:"admin_email" json:"admin_email"`
	CredentialProfile string     `db:"credential_profile" json:"credential_profile,omitempty"`
	Active            bool       `db:"active" json:"active"`
	DailyQuota        int        `db:"daily_quota" json:"daily_quota"`
	HourlyQuota       int        `db:"hourly_quota" json:"hourly_quota"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	LastSyncAt        *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
}

// SendingIdentity is one mailbox usable as a dispatch channel. Quota and
// credential fields are inherited from the owning group when loaded.
type SendingIdentity struct {
	ID         int            `db:"id" json:"id"`
	GroupID    int            `db:"group_id" json:"group_id"`
	Email      string         `db:"email" json:"email"`
	Name       string         `db:"name" json:"name"`
	Status     IdentityStatus `db:"status" json:"status"`
	DailySent  int            `db:"daily_sent_count" json:"daily_sent_count"`
	HourlySent int            `db:"hourly_sent_count" json:"hourly_sent_count"`
	LastSentAt *time.Time     `db:"last_sent_at" json:"last_sent_at,omitempty"`
	LastError  string         `db:"last_error" json:"last_error,omitempty"`

	GroupName         string `db:"group_name" json:"group_name,omitempty"`
	GroupActive       bool   `db:"group_active" json:"group_active"`
	DailyQuota        int    `db:"daily_quota" json:"daily_quota"`
	HourlyQuota       int    `db:"hourly_quota" json:"hourly_quota"`
	CredentialProfile string `db:"credential_profile" json:"-"`
}

// AvailableCapacity is min(daily remaining, hourly remaining), floored at 0.
func (i SendingIdentity) AvailableCapacity() int {
	daily := i.DailyQuota - i.DailySent
	hourly := i.HourlyQuota - i.HourlySent
	c := daily
	if hourly < c {
		c = hourly
	}
	if c < 0 {
		return 0
	}
	return c
}
