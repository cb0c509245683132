package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// GrantInput carries the caller-supplied fields of a grant upsert.
type GrantInput struct {
	ResourceID  string     `json:"resource_id"`
	OwnerID     string     `json:"owner_id"`
	TargetID    string     `json:"target_id,omitempty"`
	Permissions []string   `json:"permissions"`
	DAOScope    string     `json:"dao_scope,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Page bounds a list query.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (p Page) normalized() Page {
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// GrantService validates and executes direct-grant operations over a
// GrantStore. It is a leaf: no audit or membership dependencies live here.
type GrantService struct {
	store GrantStore
	now   func() time.Time
}

// NewGrantService constructs a GrantService.
func NewGrantService(store GrantStore) (*GrantService, error) {
	if store == nil {
		return nil, errors.New("grant store is required")
	}
	return &GrantService{store: store, now: func() time.Time { return time.Now().UTC() }}, nil
}

// SetGrant upserts a grant keyed on (resource, owner, target, daoScope).
// Duplicate permissions collapse; an expiry in the past is accepted and
// simply yields an immediately inactive grant.
func (s *GrantService) SetGrant(ctx context.Context, in GrantInput) (Grant, error) {
	g, err := normalizeGrantInput(in)
	if err != nil {
		return Grant{}, err
	}
	return s.store.UpsertGrant(ctx, g)
}

// RevokeGrant marks the grant as revoked. The record stays for audit
// continuity; decisions treat it as inactive immediately.
func (s *GrantService) RevokeGrant(ctx context.Context, resourceID, ownerID, targetID, daoScope string) error {
	resourceID = strings.TrimSpace(resourceID)
	ownerID = strings.TrimSpace(ownerID)
	if resourceID == "" || ownerID == "" {
		return fmt.Errorf("%w: resource_id and owner_id are required", ErrInvalidInput)
	}
	return s.store.RevokeGrant(ctx, resourceID, ownerID, strings.TrimSpace(targetID), strings.TrimSpace(daoScope))
}

// DeleteGrant hard-deletes the grant. Prefer RevokeGrant; this is the
// cleanup path.
func (s *GrantService) DeleteGrant(ctx context.Context, resourceID, ownerID, targetID, daoScope string) error {
	resourceID = strings.TrimSpace(resourceID)
	ownerID = strings.TrimSpace(ownerID)
	if resourceID == "" || ownerID == "" {
		return fmt.Errorf("%w: resource_id and owner_id are required", ErrInvalidInput)
	}
	return s.store.DeleteGrant(ctx, resourceID, ownerID, strings.TrimSpace(targetID), strings.TrimSpace(daoScope))
}

// FindGrantsForTarget lists unexpired grants addressed to the target or
// scoped to a DAO, newest first. DAO-membership filtering is not resolved
// here; the policy evaluator and coordinator own that concern.
func (s *GrantService) FindGrantsForTarget(ctx context.Context, targetID, resourcePrefix string, page Page) ([]Grant, int, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, 0, fmt.Errorf("%w: target_id is required", ErrInvalidInput)
	}
	page = page.normalized()
	return s.store.FindGrantsForTarget(ctx, targetID, strings.TrimSpace(resourcePrefix), page.Limit, page.Offset)
}

// CheckAccess decides whether targetID may access resourceID based on
// grants alone. Precedence: direct user match, then public, then a
// DAO-scoped grant when daoScope is supplied. A zero-match lookup is not
// an error; it yields a denial with level "none".
func (s *GrantService) CheckAccess(ctx context.Context, resourceID, targetID, daoScope string) (Decision, error) {
	resourceID = strings.TrimSpace(resourceID)
	targetID = strings.TrimSpace(targetID)
	if resourceID == "" || targetID == "" {
		return Decision{}, fmt.Errorf("%w: resource_id and target_id are required", ErrInvalidInput)
	}
	grants, err := s.store.FindGrantsForResource(ctx, resourceID)
	if err != nil {
		return Decision{}, err
	}
	return decideFromGrants(grants, targetID, strings.TrimSpace(daoScope), s.now()), nil
}

// BatchUpsert applies independent upserts best-effort: an invalid or
// failed item does not roll back the others. The returned count covers
// successfully applied items only.
func (s *GrantService) BatchUpsert(ctx context.Context, items []GrantInput) (int, error) {
	applied := 0
	for _, in := range items {
		g, err := normalizeGrantInput(in)
		if err != nil {
			continue
		}
		if _, err := s.store.UpsertGrant(ctx, g); err != nil {
			continue
		}
		applied++
	}
	return applied, nil
}

// decideFromGrants applies the precedence ordering over candidate grants.
// Membership verification for the DAO branch is the coordinator's job;
// here a matching DAO-scoped grant counts as accessible.
func decideFromGrants(grants []Grant, targetID, daoScope string, now time.Time) Decision {
	var public, dao *Grant
	for i := range grants {
		g := grants[i]
		if !g.Active(now) {
			continue
		}
		switch {
		case g.TargetID == targetID:
			return Decision{HasAccess: true, Reason: ReasonDirectAccess, Level: LevelUser, RequiredPermissions: g.Permissions}
		case g.TargetID == "" && g.DAOScope == "":
			if public == nil {
				public = &grants[i]
			}
		case g.TargetID == "" && daoScope != "" && g.DAOScope == daoScope:
			if dao == nil {
				dao = &grants[i]
			}
		}
	}
	if public != nil {
		return Decision{HasAccess: true, Reason: ReasonPublicAccess, Level: LevelPublic, RequiredPermissions: public.Permissions}
	}
	if dao != nil {
		return Decision{HasAccess: true, Reason: ReasonDAOAccess, Level: LevelDAO, RequiredPermissions: dao.Permissions}
	}
	return Decision{HasAccess: false, Reason: ReasonNoMatchingRules, Level: LevelNone}
}

func normalizeGrantInput(in GrantInput) (Grant, error) {
	resourceID := strings.TrimSpace(in.ResourceID)
	ownerID := strings.TrimSpace(in.OwnerID)
	if resourceID == "" || ownerID == "" {
		return Grant{}, fmt.Errorf("%w: resource_id and owner_id are required", ErrInvalidInput)
	}
	return Grant{
		ResourceID:  resourceID,
		OwnerID:     ownerID,
		TargetID:    strings.TrimSpace(in.TargetID),
		Permissions: dedupeStrings(in.Permissions),
		DAOScope:    strings.TrimSpace(in.DAOScope),
		Status:      GrantStatusActive,
		ExpiresAt:   in.ExpiresAt,
	}, nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// sortedSet normalizes a string set for use as part of a storage key.
func sortedSet(values []string) []string {
	out := dedupeStrings(values)
	sort.Strings(out)
	return out
}
