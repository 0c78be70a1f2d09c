package service

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailfleet-backend/internal/errors"
	"github.com/unclebandit/mailfleet-backend/internal/model"
	"github.com/unclebandit/mailfleet-backend/internal/repository"
)

// IdentityService manages identity groups and their sending identities.
type IdentityService struct {
	Repo repository.IdentityRepositoryInterface
	Log  zerolog.Logger
	Now  func() time.Time
}

type CreateGroupInput struct {
	Name              string `json:"name"`
	AdminEmail        string `json:"admin_email"`
	CredentialProfile string `json:"credential_profile"`
	DailyQuota        int    `json:"daily_quota"`
	HourlyQuota       int    `json:"hourly_quota"`
	Active            *bool  `json:"active"`
}

type IdentityInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (s *IdentityService) CreateGroup(ctx context.Context, in CreateGroupInput) (*model.IdentityGroup, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, appErrors.NewValidation("name", "is required")
	}
	if _, err := mail.ParseAddress(in.AdminEmail); err != nil {
		return nil, appErrors.NewValidation("admin_email", "must be a valid address")
	}
	if in.DailyQuota <= 0 {
		return nil, appErrors.NewValidation("daily_quota", "must be positive")
	}
	if in.HourlyQuota <= 0 {
		return nil, appErrors.NewValidation("hourly_quota", "must be positive")
	}
	g := &model.IdentityGroup{
		Name:              in.Name,
		AdminEmail:        in.AdminEmail,
		CredentialProfile: in.CredentialProfile,
		DailyQuota:        in.DailyQuota,
		HourlyQuota:       in.HourlyQuota,
		Active:            in.Active == nil || *in.Active,
	}
	if err := s.Repo.CreateGroup(ctx, g); err != nil {
		return nil, err
	}
	s.Log.Info().Int("group_id", g.ID).Str("name", g.Name).Msg("identity group created")
	return g, nil
}

func (s *IdentityService) ListGroups(ctx context.Context) ([]model.IdentityGroup, error) {
	return s.Repo.ListGroups(ctx)
}

// ToggleGroup flips the group's active flag and returns the updated group.
func (s *IdentityService) ToggleGroup(ctx context.Context, groupID int) (*model.IdentityGroup, error) {
	g, err := s.Repo.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.SetGroupActive(ctx, groupID, !g.Active); err != nil {
		return nil, err
	}
	g.Active = !g.Active
	return g, nil
}

// SyncIdentities replaces the group's identity list. Addresses are validated
// and deduplicated case-insensitively before the upsert.
func (s *IdentityService) SyncIdentities(ctx context.Context, groupID int, in []IdentityInput) (*repository.SyncResult, error) {
	seen := make(map[string]bool, len(in))
	identities := make([]model.SendingIdentity, 0, len(in))
	for _, i := range in {
		addr, err := mail.ParseAddress(strings.TrimSpace(i.Email))
		if err != nil {
			return nil, appErrors.NewValidation("identities", "invalid address "+i.Email)
		}
		email := strings.ToLower(addr.Address)
		if seen[email] {
			continue
		}
		seen[email] = true
		name := strings.TrimSpace(i.Name)
		if name == "" {
			name = addr.Name
		}
		identities = append(identities, model.SendingIdentity{GroupID: groupID, Email: email, Name: name})
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	result, err := s.Repo.SyncIdentities(ctx, groupID, identities, now)
	if err != nil {
		return nil, err
	}
	s.Log.Info().
		Int("group_id", groupID).
		Int("upserted", result.Upserted).
		Int("deactivated", result.Deactivated).
		Msg("identities synced")
	return result, nil
}

func (s *IdentityService) ListIdentities(ctx context.Context, groupID int) ([]model.SendingIdentity, error) {
	if _, err := s.Repo.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	return s.Repo.ListIdentities(ctx, groupID)
}
