// internal/model/assignment.go
package model

import "time"

// RecipientAssignment is one planned (recipient, identity) send.
type RecipientAssignment struct {
	ID          int       `db:"id" json:"id"`
	CampaignID  int       `db:"campaign_id" json:"campaign_id"`
	RecipientID int       `db:"recipient_id" json:"recipient_id"`
	IdentityID  int       `db:"identity_id" json:"identity_id"`
	BatchNumber int       `db:"batch_number" json:"batch_number"`
	Priority    int       `db:"priority" json:"priority"`
	AssignedAt  time.Time `db:"assigned_at" json:"assigned_at"`
}

// WorkItem joins an assignment with the recipient it targets.
type WorkItem struct {
	Assignment RecipientAssignment
	Recipient  Recipient
}
