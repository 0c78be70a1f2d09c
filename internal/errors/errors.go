// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrGroupNotFound struct {
	GroupID int
}

func (e *ErrGroupNotFound) Error() string {
	return fmt.Sprintf("identity group with ID %d not found", e.GroupID)
}

func NewGroupNotFound(id int) error {
	return &ErrGroupNotFound{GroupID: id}
}

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var g *ErrGroupNotFound
	return errors.As(err, &c) || errors.As(err, &g)
}
