package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// PolicyService evaluates role-based DAO access independent of direct
// grants. Absence of a policy means "no policy", which is distinct from a
// policy that denies.
type PolicyService struct {
	store        PolicyStore
	mostSpecific bool
}

// PolicyOption configures PolicyService.
type PolicyOption func(*PolicyService)

// WithMostSpecificMatch switches evaluation from most-permissive-wins to
// most-specific-pattern-wins: among matching patterns only those with the
// highest literal character count are consulted.
func WithMostSpecificMatch() PolicyOption {
	return func(s *PolicyService) { s.mostSpecific = true }
}

// NewPolicyService constructs a PolicyService.
func NewPolicyService(store PolicyStore, opts ...PolicyOption) (*PolicyService, error) {
	if store == nil {
		return nil, errors.New("policy store is required")
	}
	s := &PolicyService{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Upsert creates or updates the policy keyed on (daoID, resourcePattern).
// UpdatedBy records the acting identity on every write; CreatedBy is
// preserved from the first insert by the store.
func (s *PolicyService) Upsert(ctx context.Context, daoID, resourcePattern string, allowedRoles []string, actorID string) (Policy, error) {
	daoID = strings.TrimSpace(daoID)
	resourcePattern = strings.TrimSpace(resourcePattern)
	actorID = strings.TrimSpace(actorID)
	if daoID == "" || resourcePattern == "" {
		return Policy{}, fmt.Errorf("%w: dao_id and resource_pattern are required", ErrInvalidInput)
	}
	if actorID == "" {
		return Policy{}, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	if _, err := glob.Compile(resourcePattern); err != nil {
		return Policy{}, fmt.Errorf("%w: invalid resource pattern %q", ErrInvalidInput, resourcePattern)
	}
	roles := dedupeStrings(allowedRoles)
	if len(roles) == 0 {
		return Policy{}, fmt.Errorf("%w: at least one allowed role is required", ErrInvalidInput)
	}
	return s.store.UpsertPolicy(ctx, Policy{
		DAOID:           daoID,
		ResourcePattern: resourcePattern,
		AllowedRoles:    roles,
		CreatedBy:       actorID,
		UpdatedBy:       actorID,
	})
}

// Get returns the DAO's policies, filtered to an exact pattern when one is
// supplied.
func (s *PolicyService) Get(ctx context.Context, daoID, resourcePattern string) ([]Policy, error) {
	daoID = strings.TrimSpace(daoID)
	if daoID == "" {
		return nil, fmt.Errorf("%w: dao_id is required", ErrInvalidInput)
	}
	return s.store.FindPolicies(ctx, daoID, strings.TrimSpace(resourcePattern))
}

// EvaluateAccess decides whether a caller holding callerRoles may touch
// resourceID under the DAO's policies. A policy whose allowed roles
// contain "*" authorizes any caller, including one with no roles.
func (s *PolicyService) EvaluateAccess(ctx context.Context, daoID, resourceID string, callerRoles []string) (PolicyResult, error) {
	daoID = strings.TrimSpace(daoID)
	resourceID = strings.TrimSpace(resourceID)
	if daoID == "" || resourceID == "" {
		return PolicyResult{}, fmt.Errorf("%w: dao_id and resource_id are required", ErrInvalidInput)
	}
	policies, err := s.store.FindPolicies(ctx, daoID, "")
	if err != nil {
		return PolicyResult{}, err
	}

	var matches []Policy
	for _, p := range policies {
		matcher, err := glob.Compile(p.ResourcePattern)
		if err != nil {
			// Persisted patterns are validated on write; skip anything that
			// nevertheless fails to compile rather than failing the decision.
			continue
		}
		if matcher.Match(resourceID) {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return PolicyResult{Allowed: false, Reason: ReasonNoMatchingPolicy}, nil
	}
	if s.mostSpecific {
		matches = mostSpecificOnly(matches)
	}

	roleSet := make(map[string]struct{}, len(callerRoles))
	for _, r := range dedupeStrings(callerRoles) {
		roleSet[r] = struct{}{}
	}
	for _, p := range matches {
		for _, allowed := range p.AllowedRoles {
			if allowed == RoleWildcard {
				return PolicyResult{Allowed: true, Reason: ReasonPolicyRoleMatch}, nil
			}
			if _, ok := roleSet[allowed]; ok {
				return PolicyResult{Allowed: true, Reason: ReasonPolicyRoleMatch}, nil
			}
		}
	}
	return PolicyResult{Allowed: false, Reason: ReasonInsufficientPerms}, nil
}

// mostSpecificOnly keeps the matching policies whose patterns carry the
// most literal (non-wildcard) characters.
func mostSpecificOnly(matches []Policy) []Policy {
	best := -1
	for _, p := range matches {
		if n := literalCount(p.ResourcePattern); n > best {
			best = n
		}
	}
	var out []Policy
	for _, p := range matches {
		if literalCount(p.ResourcePattern) == best {
			out = append(out, p)
		}
	}
	return out
}

func literalCount(pattern string) int {
	n := 0
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', ']', '{', '}':
		default:
			n++
		}
	}
	return n
}
