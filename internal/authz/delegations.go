package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxTransitiveDepth caps the delegation chain walk regardless of
// configuration, bounding lookup cost.
const maxTransitiveDepth = 3

// DelegationInput carries the caller-supplied fields of a delegation.
type DelegationInput struct {
	DelegatorID  string     `json:"delegator_id"`
	DelegateeID  string     `json:"delegatee_id"`
	Scope        []string   `json:"scope"`
	Capabilities []string   `json:"capabilities"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// DelegationService manages the capability delegation graph.
type DelegationService struct {
	store           DelegationStore
	transitiveDepth int
	now             func() time.Time
}

// DelegationOption configures DelegationService.
type DelegationOption func(*DelegationService)

// WithTransitiveDepth enables multi-hop verification with chains of at
// most n hops (clamped to 3; a two-hop chain has one intermediate
// identity). Zero keeps verification strictly direct, which is the
// default.
func WithTransitiveDepth(n int) DelegationOption {
	return func(s *DelegationService) {
		if n < 0 {
			n = 0
		}
		if n > maxTransitiveDepth {
			n = maxTransitiveDepth
		}
		s.transitiveDepth = n
	}
}

// NewDelegationService constructs a DelegationService.
func NewDelegationService(store DelegationStore, opts ...DelegationOption) (*DelegationService, error) {
	if store == nil {
		return nil, errors.New("delegation store is required")
	}
	s := &DelegationService{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateOrUpdate issues a delegation, or updates the terms of the existing
// record for the same (delegator, delegatee, scope) key. A revoked record
// blocks reuse of its exact key: reissuing requires a different scope set.
func (s *DelegationService) CreateOrUpdate(ctx context.Context, in DelegationInput) (Delegation, error) {
	delegator := strings.TrimSpace(in.DelegatorID)
	delegatee := strings.TrimSpace(in.DelegateeID)
	if delegator == "" || delegatee == "" {
		return Delegation{}, fmt.Errorf("%w: delegator_id and delegatee_id are required", ErrInvalidInput)
	}
	if delegator == delegatee {
		return Delegation{}, fmt.Errorf("%w: cannot delegate to self", ErrInvalidInput)
	}
	scope := sortedSet(in.Scope)
	if len(scope) == 0 {
		return Delegation{}, fmt.Errorf("%w: at least one scope is required", ErrInvalidInput)
	}

	now := s.now()
	status := DelegationActive
	// Eager normalization on write: a deadline already in the past never
	// produces an active record.
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		status = DelegationExpired
	}

	existing, err := s.store.FindDelegationByKey(ctx, delegator, delegatee, scope)
	switch {
	case err == nil:
		if existing.Status == DelegationRevoked {
			return Delegation{}, fmt.Errorf("%w: delegation for this scope was revoked", ErrConflict)
		}
	case errors.Is(err, ErrNotFound):
		// First issue for this key.
	default:
		return Delegation{}, err
	}

	return s.store.UpsertDelegation(ctx, Delegation{
		DelegatorID:  delegator,
		DelegateeID:  delegatee,
		Scope:        scope,
		Capabilities: dedupeStrings(in.Capabilities),
		Status:       status,
		ExpiresAt:    in.ExpiresAt,
	})
}

// Revoke transitions the delegation to its terminal revoked state. An
// unknown id reports false without an error.
func (s *DelegationService) Revoke(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("%w: delegation id is required", ErrInvalidInput)
	}
	err := s.store.SetDelegationStatus(ctx, id, DelegationRevoked)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List enumerates delegations where the identity is the delegator
// (direction "outgoing") or the delegatee ("incoming"), newest first.
// Records past their deadline are reported with status expired even if the
// store has not been swept yet.
func (s *DelegationService) List(ctx context.Context, identityID, direction string, page Page) ([]Delegation, int, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, 0, fmt.Errorf("%w: identity_id is required", ErrInvalidInput)
	}
	var outgoing bool
	switch strings.TrimSpace(strings.ToLower(direction)) {
	case "outgoing":
		outgoing = true
	case "incoming":
		outgoing = false
	default:
		return nil, 0, fmt.Errorf("%w: direction must be outgoing or incoming", ErrInvalidInput)
	}
	page = page.normalized()
	items, total, err := s.store.ListDelegations(ctx, identityID, outgoing, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	now := s.now()
	for i := range items {
		if items[i].Status == DelegationActive && items[i].Expired(now) {
			items[i].Status = DelegationExpired
		}
	}
	return items, total, nil
}

// Verify checks whether delegator has handed delegatee the given scope
// (and capability, when supplied). Direct verification always runs;
// transitive chains are walked only when enabled via WithTransitiveDepth.
func (s *DelegationService) Verify(ctx context.Context, delegatorID, delegateeID, scope, capability string) (VerifyResult, error) {
	delegatorID = strings.TrimSpace(delegatorID)
	delegateeID = strings.TrimSpace(delegateeID)
	scope = strings.TrimSpace(scope)
	if delegatorID == "" || delegateeID == "" || scope == "" {
		return VerifyResult{}, fmt.Errorf("%w: delegator_id, delegatee_id and scope are required", ErrInvalidInput)
	}
	capability = strings.TrimSpace(capability)

	records, err := s.store.FindDelegationsByPair(ctx, delegatorID, delegateeID)
	if err != nil {
		return VerifyResult{}, err
	}

	now := s.now()
	reason := ReasonNoValidDelegation
	for i := range records {
		d := records[i]
		if !d.HasScope(scope) {
			continue
		}
		if capability != "" && !d.HasCapability(capability) {
			continue
		}
		if d.Usable(now) {
			return VerifyResult{IsValid: true, Delegation: &records[i]}, nil
		}
		// Terms match but the record is dead: surface the sharper reason.
		switch {
		case d.Status == DelegationRevoked:
			reason = ReasonDelegationRevoked
		case d.Expired(now) || d.Status == DelegationExpired:
			if reason != ReasonDelegationRevoked {
				reason = ReasonDelegationExpired
			}
		}
	}

	if s.transitiveDepth > 0 {
		if chain := s.walkChain(ctx, delegatorID, delegateeID, scope, capability, now); len(chain) > 0 {
			last := chain[len(chain)-1]
			return VerifyResult{IsValid: true, Delegation: &last, IsTransitive: true, Chain: chain}, nil
		}
	}

	return VerifyResult{IsValid: false, Reason: reason}, nil
}

// walkChain searches for a delegation path delegator -> ... -> delegatee
// where every hop carries the scope and the final hop carries the
// capability (when supplied). Depth-first, bounded by transitiveDepth
// hops.
func (s *DelegationService) walkChain(ctx context.Context, delegatorID, delegateeID, scope, capability string, now time.Time) []Delegation {
	visited := map[string]bool{delegatorID: true}
	var walk func(from string, depth int) []Delegation
	walk = func(from string, depth int) []Delegation {
		if depth > s.transitiveDepth {
			return nil
		}
		outgoing, err := s.store.FindDelegationsByDelegator(ctx, from)
		if err != nil {
			return nil
		}
		for i := range outgoing {
			d := outgoing[i]
			if !d.Usable(now) || !d.HasScope(scope) {
				continue
			}
			if d.DelegateeID == delegateeID {
				if capability != "" && !d.HasCapability(capability) {
					continue
				}
				return []Delegation{d}
			}
			if visited[d.DelegateeID] {
				continue
			}
			visited[d.DelegateeID] = true
			if rest := walk(d.DelegateeID, depth+1); rest != nil {
				return append([]Delegation{d}, rest...)
			}
		}
		return nil
	}
	return walk(delegatorID, 1)
}
