// internal/model/campaign.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignPreparing CampaignStatus = "preparing"
	CampaignReady     CampaignStatus = "ready"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// StringMap is a string->string map stored as a JSONB column.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = StringMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for StringMap", src)
	}
	out := StringMap{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

// IntList is a list of ids stored as a JSONB array.
type IntList []int

func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *IntList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for IntList", src)
	}
	var out []int
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*l = out
	return nil
}

type Campaign struct {
	ID                     int            `db:"id" json:"id"`
	Name                   string         `db:"name" json:"name"`
	FromName               string         `db:"from_name" json:"from_name"`
	FromEmail              string         `db:"from_email" json:"from_email"`
	Subject                string         `db:"subject" json:"subject"`
	HTMLBody               string         `db:"html_body" json:"html_body"`
	CustomHeaders          StringMap      `db:"custom_headers" json:"custom_headers,omitempty"`
	TestEmail              string         `db:"test_email" json:"test_email,omitempty"`
	SelectedGroups         IntList        `db:"selected_groups" json:"selected_groups"`
	SendRatePerMinute      int            `db:"send_rate_per_minute" json:"send_rate_per_minute"`
	Status                 CampaignStatus `db:"status" json:"status"`
	PreparationStartedAt   *time.Time     `db:"preparation_started_at" json:"preparation_started_at,omitempty"`
	PreparationCompletedAt *time.Time     `db:"preparation_completed_at" json:"preparation_completed_at,omitempty"`
	SendingStartedAt       *time.Time     `db:"sending_started_at" json:"sending_started_at,omitempty"`
	SendingCompletedAt     *time.Time     `db:"sending_completed_at" json:"sending_completed_at,omitempty"`
	CreatedAt              time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt              *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// CampaignStats counts recipients of a campaign by status.
type CampaignStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Assigned int `json:"assigned"`
	Sending  int `json:"sending"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
}

// ProgressSnapshot is the externally polled view of a campaign's dispatch.
type ProgressSnapshot struct {
	CampaignID  int            `json:"campaign_id"`
	Status      CampaignStatus `json:"status"`
	Total       int            `json:"total"`
	Sent        int            `json:"sent"`
	Pending     int            `json:"pending"`
	Assigned    int            `json:"assigned"`
	Sending     int            `json:"sending"`
	Failed      int            `json:"failed"`
	Percentage  float64        `json:"percentage"`
	CurrentRate float64        `json:"current_rate"`
	// Finished is set once the campaign can no longer send.
	Finished    bool           `json:"finished"`
}
