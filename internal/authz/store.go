package authz

import (
	"context"
	"time"
)

// GrantStore persists direct resource grants. Upsert must be atomic on the
// natural key (resource, owner, target, daoScope presence): concurrent
// writers may race only into last-writer-wins, never into duplicates.
type GrantStore interface {
	// UpsertGrant inserts or updates the grant identified by its natural
	// key, returning the stored record.
	UpsertGrant(ctx context.Context, g Grant) (Grant, error)
	// FindGrantsForResource returns every non-deleted grant on the resource,
	// regardless of status or expiry; matching is the caller's job.
	FindGrantsForResource(ctx context.Context, resourceID string) ([]Grant, error)
	// FindGrantsForTarget returns active, unexpired grants that either name
	// the target directly or are DAO-scoped, newest first, with the total
	// count before pagination. A non-empty resourcePrefix filters on the
	// resource identifier prefix.
	FindGrantsForTarget(ctx context.Context, targetID, resourcePrefix string, limit, offset int) ([]Grant, int, error)
	// RevokeGrant marks the grant identified by the natural key as revoked.
	RevokeGrant(ctx context.Context, resourceID, ownerID, targetID, daoScope string) error
	// DeleteGrant hard-deletes the grant identified by the natural key.
	DeleteGrant(ctx context.Context, resourceID, ownerID, targetID, daoScope string) error
	// PurgeExpiredGrants removes grants whose expiry precedes now. Returns
	// the number of records removed. Best-effort hygiene only.
	PurgeExpiredGrants(ctx context.Context, now time.Time) (int, error)
}

// DelegationStore persists capability delegations, keyed by the
// (delegator, delegatee, sorted scope set) tuple.
type DelegationStore interface {
	GetDelegation(ctx context.Context, id string) (Delegation, error)
	// FindDelegationByKey looks up the record for the exact key regardless
	// of status.
	FindDelegationByKey(ctx context.Context, delegatorID, delegateeID string, scope []string) (Delegation, error)
	// UpsertDelegation inserts or updates on the key, atomic against
	// concurrent writers.
	UpsertDelegation(ctx context.Context, d Delegation) (Delegation, error)
	// SetDelegationStatus transitions the record's status. Returns
	// ErrNotFound for unknown ids.
	SetDelegationStatus(ctx context.Context, id, status string) error
	// ListDelegations enumerates by delegator (outgoing=true) or delegatee,
	// newest first, with the total count before pagination.
	ListDelegations(ctx context.Context, identityID string, outgoing bool, limit, offset int) ([]Delegation, int, error)
	// FindDelegationsByPair returns all records between the two identities,
	// any status.
	FindDelegationsByPair(ctx context.Context, delegatorID, delegateeID string) ([]Delegation, error)
	// FindDelegationsByDelegator returns all records issued by the
	// delegator, any status. Used by the transitive walk.
	FindDelegationsByDelegator(ctx context.Context, delegatorID string) ([]Delegation, error)
	// MarkExpiredDelegations flips active records whose deadline passed to
	// expired. Returns the number of records updated.
	MarkExpiredDelegations(ctx context.Context, now time.Time) (int, error)
}

// PolicyStore persists DAO policies, keyed by (daoID, resourcePattern).
type PolicyStore interface {
	UpsertPolicy(ctx context.Context, p Policy) (Policy, error)
	// FindPolicies returns the DAO's policies; a non-empty resourcePattern
	// filters to the exact pattern.
	FindPolicies(ctx context.Context, daoID, resourcePattern string) ([]Policy, error)
}

// AuditStore appends immutable entries. No update or delete is exposed.
type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) (AuditEntry, error)
	// ListAudit returns entries newest first with the total count. Empty
	// filter fields match everything.
	ListAudit(ctx context.Context, filter AuditFilter, limit, offset int) ([]AuditEntry, int, error)
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	ActorID    string
	Action     string
	ResourceID string
	Since      *time.Time
}

// Store bundles the four record families behind one backend.
type Store interface {
	GrantStore
	DelegationStore
	PolicyStore
	AuditStore
}

// MembershipOracle answers DAO membership questions. It is authoritative
// and must not be cached across decisions.
type MembershipOracle interface {
	IsDAOMember(ctx context.Context, daoID, identityID string) (bool, error)
}

// MembershipFunc adapts a function to the MembershipOracle interface.
type MembershipFunc func(ctx context.Context, daoID, identityID string) (bool, error)

func (f MembershipFunc) IsDAOMember(ctx context.Context, daoID, identityID string) (bool, error) {
	return f(ctx, daoID, identityID)
}
