package service

import (
	"context"
	"sort"
	"time"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
	"github.com/unclebandit/mailfleet-backend/internal/repository"
)

const DefaultBatchSize = 25

// DistributionPlan says how many recipients each identity sends.
type DistributionPlan struct {
	TotalRecipients          int                       `json:"total_recipients"`
	TotalIdentities          int                       `json:"total_identities"`
	IdentityOrder            []int                     `json:"identity_order"`
	PerIdentityLoad          map[int]int               `json:"per_identity_load"`
	EstimatedSendTimeSeconds float64                   `json:"estimated_send_time_seconds"`
	EstimatedWaves           int                       `json:"estimated_waves"`
	TotalCapacity            int                       `json:"total_capacity"`
	Utilization              float64                   `json:"utilization"`
	Groups                   []appErrors.GroupCapacity `json:"groups"`
}

// Planner computes distribution plans. It has no side effects.
type Planner struct {
	Identities    repository.IdentityDirectory
	BatchSize     int
	PerBatchDelay time.Duration
}

func NewPlanner(identities repository.IdentityDirectory, batchSize int, perBatchDelay time.Duration) *Planner {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Planner{Identities: identities, BatchSize: batchSize, PerBatchDelay: perBatchDelay}
}

// Plan distributes recipients evenly over the Active identities of the
// active groups in groupIDs.
func (p *Planner) Plan(ctx context.Context, recipients []model.Recipient, groupIDs []int) (*DistributionPlan, error) {
	identities, err := p.Identities.ListActiveIdentities(ctx, groupIDs)
	if err != nil {
		return nil, appErrors.NewPersistence("list active identities", err)
	}
	eligible := EligibleIdentities(identities, groupIDs)
	if len(eligible) == 0 {
		return nil, appErrors.ErrNoEligibleIdentities
	}

	groups, total := CapacityBreakdown(eligible)
	n := len(recipients)
	if total < n {
		return nil, &appErrors.InsufficientCapacityError{
			Required:      n,
			TotalCapacity: total,
			Utilization:   utilization(n, total),
			Groups:        groups,
		}
	}

	order := make([]int, len(eligible))
	for i, id := range eligible {
		order[i] = id.ID
	}
	load := Distribute(n, order)

	return &DistributionPlan{
		TotalRecipients:          n,
		TotalIdentities:          len(order),
		IdentityOrder:            order,
		PerIdentityLoad:          load,
		EstimatedSendTimeSeconds: EstimateSendTime(load, p.BatchSize, p.PerBatchDelay),
		EstimatedWaves:           WaveCount(load, p.BatchSize),
		TotalCapacity:            total,
		Utilization:              utilization(n, total),
		Groups:                   groups,
	}, nil
}

// EligibleIdentities keeps Active identities of active groups listed in
// groupIDs, sorted by ascending id.
func EligibleIdentities(identities []model.SendingIdentity, groupIDs []int) []model.SendingIdentity {
	want := make(map[int]bool, len(groupIDs))
	for _, id := range groupIDs {
		want[id] = true
	}
	out := make([]model.SendingIdentity, 0, len(identities))
	for _, i := range identities {
		if want[i.GroupID] && i.GroupActive && i.Status == model.IdentityActive {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// CapacityBreakdown sums available capacity per group and overall.
func CapacityBreakdown(identities []model.SendingIdentity) ([]appErrors.GroupCapacity, int) {
	byGroup := map[int]*appErrors.GroupCapacity{}
	var order []int
	total := 0
	for _, i := range identities {
		g, ok := byGroup[i.GroupID]
		if !ok {
			g = &appErrors.GroupCapacity{GroupID: i.GroupID, GroupName: i.GroupName}
			byGroup[i.GroupID] = g
			order = append(order, i.GroupID)
		}
		c := i.AvailableCapacity()
		g.ActiveIdentities++
		g.Capacity += c
		total += c
	}
	sort.Ints(order)
	groups := make([]appErrors.GroupCapacity, 0, len(order))
	for _, id := range order {
		groups = append(groups, *byGroup[id])
	}
	return groups, total
}

// Distribute splits n across identityIDs. The first n%k identities in the
// given order get one extra recipient.
func Distribute(n int, identityIDs []int) map[int]int {
	load := make(map[int]int, len(identityIDs))
	k := len(identityIDs)
	if k == 0 {
		return load
	}
	base, remainder := n/k, n%k
	for i, id := range identityIDs {
		load[id] = base
		if i < remainder {
			load[id]++
		}
	}
	return load
}

func maxLoad(load map[int]int) int {
	m := 0
	for _, l := range load {
		if l > m {
			m = l
		}
	}
	return m
}

// WaveCount is the number of batches the most loaded identity needs.
func WaveCount(load map[int]int, batchSize int) int {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	m := maxLoad(load)
	return (m + batchSize - 1) / batchSize
}

// EstimateSendTime is (max load / batch size) * per-batch delay, in seconds.
func EstimateSendTime(load map[int]int, batchSize int, perBatchDelay time.Duration) float64 {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return float64(maxLoad(load)) / float64(batchSize) * perBatchDelay.Seconds()
}

func utilization(required, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(required) / float64(capacity) * 100
}
