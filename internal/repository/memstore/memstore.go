// Package memstore is an in-process implementation of the repository
// interfaces. It backs STORE_DRIVER=memory and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
	"github.com/unclebandit/mailfleet-backend/internal/repository"
)

type state struct {
	mu sync.Mutex

	campaigns   map[int]*model.Campaign
	recipients  map[int]*model.Recipient
	groups      map[int]*model.IdentityGroup
	identities  map[int]*model.SendingIdentity
	assignments map[int][]model.RecipientAssignment

	nextCampaign, nextRecipient, nextGroup, nextIdentity, nextAssignment int
}

// Store hands out repository views over one shared state.
type Store struct {
	st *state
}

func New() *Store {
	return &Store{st: &state{
		campaigns:   map[int]*model.Campaign{},
		recipients:  map[int]*model.Recipient{},
		groups:      map[int]*model.IdentityGroup{},
		identities:  map[int]*model.SendingIdentity{},
		assignments: map[int][]model.RecipientAssignment{},
	}}
}

func (s *Store) Campaigns() *CampaignRepo { return &CampaignRepo{s.st} }
func (s *Store) Recipients() *RecipientRepo { return &RecipientRepo{s.st} }
func (s *Store) Identities() *IdentityRepo { return &IdentityRepo{s.st} }
func (s *Store) Assignments() *AssignmentRepo { return &AssignmentRepo{s.st} }

// AddIdentity registers an identity directly, bypassing group sync.
func (s *Store) AddIdentity(i model.SendingIdentity) model.SendingIdentity {
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if i.ID == 0 {
		s.st.nextIdentity++
		i.ID = s.st.nextIdentity
	} else if i.ID > s.st.nextIdentity {
		s.st.nextIdentity = i.ID
	}
	if i.Status == "" {
		i.Status = model.IdentityActive
	}
	cp := i
	s.st.identities[i.ID] = &cp
	return cp
}

func timePtr(t time.Time) *time.Time { return &t }

// ====================== Campaigns ======================

type CampaignRepo struct{ st *state }

func (r *CampaignRepo) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	all := []*model.Campaign{}
	for _, c := range r.st.campaigns {
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	total := len(all)
	if offset >= total {
		return []*model.Campaign{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *CampaignRepo) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepo) Create(_ context.Context, c *model.Campaign, recipients []*model.Recipient) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	r.st.nextCampaign++
	c.ID = r.st.nextCampaign
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	cp := *c
	r.st.campaigns[c.ID] = &cp
	r.st.addRecipients(c.ID, recipients)
	return nil
}

func (r *CampaignRepo) TransitionStatus(_ context.Context, id int, from, to model.CampaignStatus, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = timePtr(at)
	switch to {
	case model.CampaignDraft:
		c.PreparationStartedAt = nil
	case model.CampaignPreparing:
		c.PreparationStartedAt = timePtr(at)
	case model.CampaignReady:
		c.PreparationCompletedAt = timePtr(at)
	case model.CampaignSending:
		if c.SendingStartedAt == nil {
			c.SendingStartedAt = timePtr(at)
		}
	case model.CampaignCompleted, model.CampaignFailed:
		c.SendingCompletedAt = timePtr(at)
	}
	return true, nil
}

func (r *CampaignRepo) Delete(_ context.Context, id int) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.campaigns[id]; !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	delete(r.st.campaigns, id)
	delete(r.st.assignments, id)
	for rid, rc := range r.st.recipients {
		if rc.CampaignID == id {
			delete(r.st.recipients, rid)
		}
	}
	return nil
}

// ====================== Recipients ======================

func (st *state) addRecipients(campaignID int, recipients []*model.Recipient) {
	now := time.Now()
	for _, rc := range recipients {
		st.nextRecipient++
		rc.ID = st.nextRecipient
		rc.CampaignID = campaignID
		rc.Status = model.RecipientPending
		rc.CreatedAt = now
		cp := *rc
		st.recipients[rc.ID] = &cp
	}
}

type RecipientRepo struct{ st *state }

func (r *RecipientRepo) CreateBatch(_ context.Context, campaignID int, recipients []*model.Recipient) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.campaigns[campaignID]; !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	r.st.addRecipients(campaignID, recipients)
	return nil
}

func (r *RecipientRepo) GetByID(_ context.Context, id int) (*model.Recipient, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	rc, ok := r.st.recipients[id]
	if !ok {
		return nil, nil
	}
	cp := *rc
	return &cp, nil
}

func (r *RecipientRepo) ListByCampaign(_ context.Context, campaignID int) ([]model.Recipient, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := []model.Recipient{}
	for _, rc := range r.st.recipients {
		if rc.CampaignID == campaignID {
			out = append(out, *rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RecipientRepo) MarkSending(_ context.Context, id int) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	rc, ok := r.st.recipients[id]
	if !ok || rc.Status != model.RecipientAssigned {
		return false, nil
	}
	rc.Status = model.RecipientSending
	return true, nil
}

func (r *RecipientRepo) MarkSent(_ context.Context, id int, messageID string, at time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if rc, ok := r.st.recipients[id]; ok && rc.Status != model.RecipientSent {
		rc.Status = model.RecipientSent
		rc.MessageID = messageID
		rc.SentAt = timePtr(at)
		rc.LastError = ""
	}
	return nil
}

func (r *RecipientRepo) MarkFailed(_ context.Context, id int, lastError string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if rc, ok := r.st.recipients[id]; ok && rc.Status != model.RecipientSent {
		rc.Status = model.RecipientFailed
		rc.LastError = lastError
	}
	return nil
}

func (r *RecipientRepo) ReleaseSending(_ context.Context, id int) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if rc, ok := r.st.recipients[id]; ok && rc.Status == model.RecipientSending {
		rc.Status = model.RecipientAssigned
	}
	return nil
}

func (r *RecipientRepo) CountByStatus(_ context.Context, campaignID int) (model.CampaignStats, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var s model.CampaignStats
	for _, rc := range r.st.recipients {
		if rc.CampaignID != campaignID {
			continue
		}
		s.Total++
		switch rc.Status {
		case model.RecipientPending:
			s.Pending++
		case model.RecipientAssigned:
			s.Assigned++
		case model.RecipientSending:
			s.Sending++
		case model.RecipientSent:
			s.Sent++
		case model.RecipientFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (r *RecipientRepo) DeleteByIDs(_ context.Context, campaignID int, ids []int) (int, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	n := 0
	for _, id := range ids {
		if rc, ok := r.st.recipients[id]; ok && rc.CampaignID == campaignID {
			delete(r.st.recipients, id)
			n++
		}
	}
	if n > 0 {
		kept := r.st.assignments[campaignID][:0]
		for _, a := range r.st.assignments[campaignID] {
			if _, ok := r.st.recipients[a.RecipientID]; ok {
				kept = append(kept, a)
			}
		}
		r.st.assignments[campaignID] = kept
	}
	return n, nil
}

// ====================== Identities ======================

type IdentityRepo struct{ st *state }

func (st *state) joined(i *model.SendingIdentity) model.SendingIdentity {
	out := *i
	if g, ok := st.groups[i.GroupID]; ok {
		out.GroupName = g.Name
		out.GroupActive = g.Active
		out.DailyQuota = g.DailyQuota
		out.HourlyQuota = g.HourlyQuota
		out.CredentialProfile = g.CredentialProfile
	}
	return out
}

func (st *state) sortedIdentities(keep func(*model.SendingIdentity) bool) []model.SendingIdentity {
	out := []model.SendingIdentity{}
	for _, i := range st.identities {
		if keep(i) {
			out = append(out, st.joined(i))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (r *IdentityRepo) CreateGroup(_ context.Context, g *model.IdentityGroup) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.nextGroup++
	g.ID = r.st.nextGroup
	g.CreatedAt = time.Now()
	cp := *g
	r.st.groups[g.ID] = &cp
	return nil
}

func (r *IdentityRepo) GetGroup(_ context.Context, id int) (*model.IdentityGroup, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	g, ok := r.st.groups[id]
	if !ok {
		return nil, appErrors.NewGroupNotFound(id)
	}
	cp := *g
	return &cp, nil
}

func (r *IdentityRepo) ListGroups(_ context.Context) ([]model.IdentityGroup, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := []model.IdentityGroup{}
	for _, g := range r.st.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *IdentityRepo) SetGroupActive(_ context.Context, id int, active bool) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	g, ok := r.st.groups[id]
	if !ok {
		return appErrors.NewGroupNotFound(id)
	}
	g.Active = active
	return nil
}

func (r *IdentityRepo) SyncIdentities(_ context.Context, groupID int, identities []model.SendingIdentity, at time.Time) (*repository.SyncResult, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	g, ok := r.st.groups[groupID]
	if !ok {
		return nil, appErrors.NewGroupNotFound(groupID)
	}
	g.LastSyncAt = timePtr(at)

	byEmail := map[string]*model.SendingIdentity{}
	for _, i := range r.st.identities {
		byEmail[i.Email] = i
	}
	seen := map[string]bool{}
	res := &repository.SyncResult{GroupID: groupID}
	for _, in := range identities {
		seen[in.Email] = true
		res.Upserted++
		if cur, ok := byEmail[in.Email]; ok {
			cur.GroupID = groupID
			cur.Name = in.Name
			if cur.Status == model.IdentityInactive {
				cur.Status = model.IdentityActive
			}
			continue
		}
		r.st.nextIdentity++
		r.st.identities[r.st.nextIdentity] = &model.SendingIdentity{
			ID: r.st.nextIdentity, GroupID: groupID, Email: in.Email, Name: in.Name, Status: model.IdentityActive,
		}
	}
	for _, i := range r.st.identities {
		if i.GroupID == groupID && !seen[i.Email] && i.Status != model.IdentityInactive {
			i.Status = model.IdentityInactive
			res.Deactivated++
		}
	}
	return res, nil
}

func (r *IdentityRepo) ListIdentities(_ context.Context, groupID int) ([]model.SendingIdentity, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.sortedIdentities(func(i *model.SendingIdentity) bool { return i.GroupID == groupID }), nil
}

func (r *IdentityRepo) ListActiveIdentities(_ context.Context, groupIDs []int) ([]model.SendingIdentity, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	want := map[int]bool{}
	for _, id := range groupIDs {
		want[id] = true
	}
	return r.st.sortedIdentities(func(i *model.SendingIdentity) bool {
		g, ok := r.st.groups[i.GroupID]
		return want[i.GroupID] && ok && g.Active && i.Status == model.IdentityActive
	}), nil
}

func (r *IdentityRepo) GetIdentitiesByIDs(_ context.Context, ids []int) ([]model.SendingIdentity, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	want := map[int]bool{}
	for _, id := range ids {
		want[id] = true
	}
	return r.st.sortedIdentities(func(i *model.SendingIdentity) bool { return want[i.ID] }), nil
}

func (r *IdentityRepo) ReserveSend(_ context.Context, identityID int, at time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	i, ok := r.st.identities[identityID]
	if !ok {
		return false, nil
	}
	if r.st.joined(i).AvailableCapacity() <= 0 {
		return false, nil
	}
	i.DailySent++
	i.HourlySent++
	i.LastSentAt = timePtr(at)
	return true, nil
}

func (r *IdentityRepo) ReleaseSend(_ context.Context, identityID int) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if i, ok := r.st.identities[identityID]; ok {
		if i.DailySent > 0 {
			i.DailySent--
		}
		if i.HourlySent > 0 {
			i.HourlySent--
		}
	}
	return nil
}

func (r *IdentityRepo) UpdateStatus(_ context.Context, identityID int, status model.IdentityStatus, lastError string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if i, ok := r.st.identities[identityID]; ok {
		i.Status = status
		i.LastError = lastError
	}
	return nil
}

func (r *IdentityRepo) reset(zero func(*model.SendingIdentity) bool) int64 {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, i := range r.st.identities {
		if zero(i) {
			n++
		}
		if i.Status == model.IdentityRateLimited && r.st.joined(i).AvailableCapacity() > 0 {
			i.Status = model.IdentityActive
		}
	}
	return n
}

func (r *IdentityRepo) ResetHourlyCounts(_ context.Context) (int64, error) {
	return r.reset(func(i *model.SendingIdentity) bool {
		changed := i.HourlySent != 0
		i.HourlySent = 0
		return changed
	}), nil
}

func (r *IdentityRepo) ResetDailyCounts(_ context.Context) (int64, error) {
	return r.reset(func(i *model.SendingIdentity) bool {
		changed := i.DailySent != 0
		i.DailySent = 0
		return changed
	}), nil
}

// ====================== Assignments ======================

type AssignmentRepo struct{ st *state }

func (r *AssignmentRepo) CommitPreparation(_ context.Context, p repository.Preparation) error {
	campaignID, assignments, readyAt := p.CampaignID, p.Assignments, p.At
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.campaigns[campaignID]
	if !ok {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	if c.Status != p.From {
		return appErrors.NewInvalidStateTransition(string(c.Status), "commit preparation")
	}

	stored := make([]model.RecipientAssignment, 0, len(assignments))
	for _, a := range assignments {
		r.st.nextAssignment++
		a.ID = r.st.nextAssignment
		a.CampaignID = campaignID
		stored = append(stored, a)
		if rc, ok := r.st.recipients[a.RecipientID]; ok {
			rc.Status = model.RecipientAssigned
			rc.AssignedAt = timePtr(readyAt)
		}
	}
	r.st.assignments[campaignID] = stored
	c.Status = p.To
	c.SelectedGroups = model.IntList(append([]int(nil), p.SelectedGroups...))
	c.PreparationCompletedAt = timePtr(readyAt)
	c.UpdatedAt = timePtr(readyAt)
	return nil
}

func sortWave(as []model.RecipientAssignment) {
	sort.SliceStable(as, func(i, j int) bool {
		a, b := as[i], as[j]
		if a.BatchNumber != b.BatchNumber {
			return a.BatchNumber < b.BatchNumber
		}
		if a.IdentityID != b.IdentityID {
			return a.IdentityID < b.IdentityID
		}
		return a.Priority < b.Priority
	})
}

func (r *AssignmentRepo) ListByCampaign(_ context.Context, campaignID int) ([]model.RecipientAssignment, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := append([]model.RecipientAssignment{}, r.st.assignments[campaignID]...)
	sortWave(out)
	return out, nil
}

func (r *AssignmentRepo) ListPendingWork(_ context.Context, campaignID int) ([]model.WorkItem, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	as := append([]model.RecipientAssignment{}, r.st.assignments[campaignID]...)
	sortWave(as)
	out := []model.WorkItem{}
	for _, a := range as {
		rc, ok := r.st.recipients[a.RecipientID]
		if !ok || rc.Status != model.RecipientAssigned {
			continue
		}
		out = append(out, model.WorkItem{Assignment: a, Recipient: *rc})
	}
	return out, nil
}

var (
	_ repository.CampaignRepositoryInterface   = (*CampaignRepo)(nil)
	_ repository.RecipientRepositoryInterface  = (*RecipientRepo)(nil)
	_ repository.IdentityRepositoryInterface   = (*IdentityRepo)(nil)
	_ repository.AssignmentRepositoryInterface = (*AssignmentRepo)(nil)
)
