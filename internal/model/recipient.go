// internal/model/recipient.go
package model

import "time"

type RecipientStatus string

const (
	RecipientPending  RecipientStatus = "pending"
	RecipientAssigned RecipientStatus = "assigned"
	RecipientSending  RecipientStatus = "sending"
	RecipientSent     RecipientStatus = "sent"
	RecipientFailed   RecipientStatus = "failed"
)

type Recipient struct {
	ID         int             `db:"id" json:"id"`
	CampaignID int             `db:"campaign_id" json:"campaign_id"`
	Email      string          `db:"email" json:"email"`
	Name       string          `db:"name" json:"name"`
	Data       StringMap       `db:"custom_data" json:"custom_data,omitempty"`
	Status     RecipientStatus `db:"status" json:"status"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	MessageID  string          `db:"message_id" json:"message_id,omitempty"`
	AssignedAt *time.Time      `db:"assigned_at" json:"assigned_at,omitempty"`
	SentAt     *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// Personalization returns the substitution keys for the recipient.
// name and email are always present; custom data wins on conflicts.
func (r Recipient) Personalization() map[string]string {
	out := make(map[string]string, len(r.Data)+2)
	out["name"] = r.Name
	out["email"] = r.Email
	for k, v := range r.Data {
		out[k] = v
	}
	return out
}
