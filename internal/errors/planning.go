package appErrors

import (
	"errors"
	"fmt"
)

// ErrNoEligibleIdentities means no active identity in an active group was selected.
var ErrNoEligibleIdentities = errors.New("no eligible sending identities")

// GroupCapacity is the capacity contributed by one identity group.
type GroupCapacity struct {
	GroupID          int    `json:"group_id"`
	GroupName        string `json:"group_name"`
	ActiveIdentities int    `json:"active_identities"`
	Capacity         int    `json:"capacity"`
}

// InsufficientCapacityError carries the capacity breakdown that failed the check.
type InsufficientCapacityError struct {
	Required      int             `json:"required"`
	TotalCapacity int             `json:"total_capacity"`
	Utilization   float64         `json:"utilization"`
	Groups        []GroupCapacity `json:"groups"`
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity: %d recipients, %d available (%.1f%% utilization)",
		e.Required, e.TotalCapacity, e.Utilization)
}

// IsPlanningError reports whether err aborted planning.
func IsPlanningError(err error) bool {
	var capErr *InsufficientCapacityError
	return errors.Is(err, ErrNoEligibleIdentities) || errors.As(err, &capErr)
}
