package authz

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"qonsent.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and DSN-less development; production deployments use the pg store.
type InMemory struct {
	mu             sync.RWMutex
	grants         map[string]*Grant     // natural key -> record
	delegations    map[string]*Delegation // id -> record
	delegationKeys map[string]string      // natural key -> id
	policies       map[string]*Policy     // daoID + pattern -> record
	audit          []AuditEntry
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		grants:         make(map[string]*Grant),
		delegations:    make(map[string]*Delegation),
		delegationKeys: make(map[string]string),
		policies:       make(map[string]*Policy),
	}
}

// grantKey folds daoScope down to its presence: one slot for the plain
// grant and one for the DAO-scoped grant per (resource, owner, target).
func grantKey(resourceID, ownerID, targetID, daoScope string) string {
	presence := "plain"
	if daoScope != "" {
		presence = "dao"
	}
	return strings.Join([]string{resourceID, ownerID, targetID, presence}, "\x00")
}

func delegationKey(delegatorID, delegateeID string, scope []string) string {
	return strings.Join([]string{delegatorID, delegateeID, strings.Join(scope, ",")}, "\x00")
}

func policyKey(daoID, pattern string) string {
	return daoID + "\x00" + pattern
}

func (s *InMemory) UpsertGrant(ctx context.Context, g Grant) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := grantKey(g.ResourceID, g.OwnerID, g.TargetID, g.DAOScope)
	if existing, ok := s.grants[key]; ok {
		existing.Permissions = g.Permissions
		existing.DAOScope = g.DAOScope
		existing.ExpiresAt = g.ExpiresAt
		existing.Status = g.Status
		existing.UpdatedAt = now
		return *existing, nil
	}
	g.ID = ids.New()
	g.CreatedAt = now
	g.UpdatedAt = now
	s.grants[key] = &g
	return g, nil
}

func (s *InMemory) FindGrantsForResource(ctx context.Context, resourceID string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Grant
	for _, g := range s.grants {
		if g.ResourceID == resourceID {
			out = append(out, *g)
		}
	}
	sortGrantsNewestFirst(out)
	return out, nil
}

func (s *InMemory) FindGrantsForTarget(ctx context.Context, targetID, resourcePrefix string, limit, offset int) ([]Grant, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var matched []Grant
	for _, g := range s.grants {
		if !g.Active(now) {
			continue
		}
		if g.TargetID != targetID && g.DAOScope == "" {
			continue
		}
		if resourcePrefix != "" && !strings.HasPrefix(g.ResourceID, resourcePrefix) {
			continue
		}
		matched = append(matched, *g)
	}
	sortGrantsNewestFirst(matched)
	total := len(matched)
	return pageSlice(matched, limit, offset), total, nil
}

func (s *InMemory) RevokeGrant(ctx context.Context, resourceID, ownerID, targetID, daoScope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantKey(resourceID, ownerID, targetID, daoScope)]
	if !ok {
		return ErrNotFound
	}
	g.Status = GrantStatusRevoked
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) DeleteGrant(ctx context.Context, resourceID, ownerID, targetID, daoScope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := grantKey(resourceID, ownerID, targetID, daoScope)
	if _, ok := s.grants[key]; !ok {
		return ErrNotFound
	}
	delete(s.grants, key)
	return nil
}

func (s *InMemory) PurgeExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, g := range s.grants {
		if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
			delete(s.grants, key)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemory) GetDelegation(ctx context.Context, id string) (Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	if !ok {
		return Delegation{}, ErrNotFound
	}
	return *d, nil
}

func (s *InMemory) FindDelegationByKey(ctx context.Context, delegatorID, delegateeID string, scope []string) (Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.delegationKeys[delegationKey(delegatorID, delegateeID, scope)]
	if !ok {
		return Delegation{}, ErrNotFound
	}
	return *s.delegations[id], nil
}

func (s *InMemory) UpsertDelegation(ctx context.Context, d Delegation) (Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := delegationKey(d.DelegatorID, d.DelegateeID, d.Scope)
	if id, ok := s.delegationKeys[key]; ok {
		existing := s.delegations[id]
		existing.Capabilities = d.Capabilities
		existing.ExpiresAt = d.ExpiresAt
		existing.Status = d.Status
		existing.UpdatedAt = now
		return *existing, nil
	}
	d.ID = ids.New()
	d.CreatedAt = now
	d.UpdatedAt = now
	s.delegations[d.ID] = &d
	s.delegationKeys[key] = d.ID
	return d, nil
}

func (s *InMemory) SetDelegationStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) ListDelegations(ctx context.Context, identityID string, outgoing bool, limit, offset int) ([]Delegation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []Delegation
	for _, d := range s.delegations {
		if outgoing && d.DelegatorID == identityID || !outgoing && d.DelegateeID == identityID {
			matched = append(matched, *d)
		}
	}
	sortDelegationsNewestFirst(matched)
	total := len(matched)
	return pageSlice(matched, limit, offset), total, nil
}

func (s *InMemory) FindDelegationsByPair(ctx context.Context, delegatorID, delegateeID string) ([]Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Delegation
	for _, d := range s.delegations {
		if d.DelegatorID == delegatorID && d.DelegateeID == delegateeID {
			out = append(out, *d)
		}
	}
	sortDelegationsNewestFirst(out)
	return out, nil
}

func (s *InMemory) FindDelegationsByDelegator(ctx context.Context, delegatorID string) ([]Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Delegation
	for _, d := range s.delegations {
		if d.DelegatorID == delegatorID {
			out = append(out, *d)
		}
	}
	sortDelegationsNewestFirst(out)
	return out, nil
}

func (s *InMemory) MarkExpiredDelegations(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := 0
	for _, d := range s.delegations {
		if d.Status == DelegationActive && d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
			d.Status = DelegationExpired
			d.UpdatedAt = now
			updated++
		}
	}
	return updated, nil
}

func (s *InMemory) UpsertPolicy(ctx context.Context, p Policy) (Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := policyKey(p.DAOID, p.ResourcePattern)
	if existing, ok := s.policies[key]; ok {
		existing.AllowedRoles = p.AllowedRoles
		existing.UpdatedBy = p.UpdatedBy
		existing.UpdatedAt = now
		return *existing, nil
	}
	p.ID = ids.New()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.policies[key] = &p
	return p, nil
}

func (s *InMemory) FindPolicies(ctx context.Context, daoID, resourcePattern string) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Policy
	for _, p := range s.policies {
		if p.DAOID != daoID {
			continue
		}
		if resourcePattern != "" && p.ResourcePattern != resourcePattern {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourcePattern < out[j].ResourcePattern })
	return out, nil
}

func (s *InMemory) AppendAudit(ctx context.Context, e AuditEntry) (AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = ids.New()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	s.audit = append(s.audit, e)
	return e, nil
}

func (s *InMemory) ListAudit(ctx context.Context, filter AuditFilter, limit, offset int) ([]AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- { // newest first
		e := s.audit[i]
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Since != nil && e.OccurredAt.Before(*filter.Since) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	return pageSlice(matched, limit, offset), total, nil
}

func sortGrantsNewestFirst(grants []Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].CreatedAt.Equal(grants[j].CreatedAt) {
			return grants[i].ID > grants[j].ID
		}
		return grants[i].CreatedAt.After(grants[j].CreatedAt)
	})
}

func sortDelegationsNewestFirst(ds []Delegation) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].ID > ds[j].ID
		}
		return ds[i].CreatedAt.After(ds[j].CreatedAt)
	})
}

func pageSlice[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
