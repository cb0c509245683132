package authz

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput = errors.New("authz: invalid input")
	ErrNotFound     = errors.New("authz: not found")
	ErrConflict     = errors.New("authz: resource conflict")

	// ErrMembershipUnavailable signals that the DAO membership oracle could
	// not produce an answer. Callers translate it into a denial, never an
	// allow.
	ErrMembershipUnavailable = errors.New("authz: could not verify DAO membership")
)

// Access levels reported by decisions, in precedence order.
const (
	LevelUser   = "user"
	LevelPublic = "public"
	LevelDAO    = "dao"
	LevelNone   = "none"
)

// Grant statuses. Revocation is terminal; the record stays for audit.
const (
	GrantStatusActive  = "active"
	GrantStatusRevoked = "revoked"
)

// Delegation statuses. Both expired and revoked are terminal.
const (
	DelegationActive  = "active"
	DelegationExpired = "expired"
	DelegationRevoked = "revoked"
)

// RoleWildcard in a policy's allowed roles authorizes any caller,
// including one with no roles at all.
const RoleWildcard = "*"

// Fixed decision reasons. Tests and callers assert on these exact strings.
const (
	ReasonDirectAccess       = "Direct access granted"
	ReasonPublicAccess       = "Public access granted"
	ReasonDAOAccess          = "DAO membership grants access"
	ReasonNoMatchingRules    = "No matching access rules found"
	ReasonInsufficientPerms  = "Insufficient permissions"
	ReasonNoMatchingPolicy   = "No matching policy found"
	ReasonNoValidDelegation  = "No valid delegation found"
	ReasonDelegationExpired  = "Delegation expired"
	ReasonDelegationRevoked  = "Delegation revoked"
	ReasonMembershipUnknown  = "Could not verify DAO membership"
	ReasonPolicyRoleMatch    = "DAO policy authorizes caller role"
)

// Grant is a direct, resource-scoped permission record from an owner to a
// target identity. An empty TargetID means the grant is public. A non-empty
// DAOScope ties the grant to members of that DAO instead of a single target.
type Grant struct {
	ID          string     `json:"id"`
	ResourceID  string     `json:"resource_id"`
	OwnerID     string     `json:"owner_id"`
	TargetID    string     `json:"target_id,omitempty"`
	Permissions []string   `json:"permissions"`
	DAOScope    string     `json:"dao_scope,omitempty"`
	Status      string     `json:"status"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Active reports whether the grant should count for decisions at the given
// instant. Expiry is evaluated lazily here; physical purge is best-effort
// and never correctness-bearing.
func (g Grant) Active(now time.Time) bool {
	if g.Status != GrantStatusActive {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Delegation is a capability handoff between two identities, keyed by the
// (delegator, delegatee, scope set) tuple.
type Delegation struct {
	ID           string     `json:"id"`
	DelegatorID  string     `json:"delegator_id"`
	DelegateeID  string     `json:"delegatee_id"`
	Scope        []string   `json:"scope"`
	Capabilities []string   `json:"capabilities"`
	Status       string     `json:"status"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expired reports whether the delegation's deadline has passed, regardless
// of the stored status.
func (d Delegation) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}

// Usable reports whether the delegation can satisfy a verification at the
// given instant.
func (d Delegation) Usable(now time.Time) bool {
	return d.Status == DelegationActive && !d.Expired(now)
}

// HasScope reports whether the delegation's scope set contains s.
func (d Delegation) HasScope(s string) bool { return containsString(d.Scope, s) }

// HasCapability reports whether the delegation's capability set contains c.
func (d Delegation) HasCapability(c string) bool { return containsString(d.Capabilities, c) }

// Policy is a per-DAO resource-pattern rule listing the roles allowed to
// touch matching resources.
type Policy struct {
	ID              string    `json:"id"`
	DAOID           string    `json:"dao_id"`
	ResourcePattern string    `json:"resource_pattern"`
	AllowedRoles    []string  `json:"allowed_roles"`
	CreatedBy       string    `json:"created_by"`
	UpdatedBy       string    `json:"updated_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Audit actions form a closed enumeration; the store rejects nothing, but
// every coordinator mutation uses exactly one of these.
const (
	ActionGrantSet         = "grant.set"
	ActionGrantRevoke      = "grant.revoke"
	ActionGrantDelete      = "grant.delete"
	ActionGrantBatchSync   = "grant.batch_sync"
	ActionPolicyUpsert     = "policy.upsert"
	ActionDelegationCreate = "delegation.create"
	ActionDelegationRevoke = "delegation.revoke"
)

// AuditEntry is an immutable, append-only record of a state-changing
// operation. The core never updates or deletes entries.
type AuditEntry struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	ActorID    string            `json:"actor_id"`
	Action     string            `json:"action"`
	ResourceID string            `json:"resource_id,omitempty"`
	TargetID   string            `json:"target_id,omitempty"`
	DAOScope   string            `json:"dao_scope,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Decision is the outcome of a resource access check. Denial is a value,
// not an error.
type Decision struct {
	HasAccess           bool     `json:"has_access"`
	Reason              string   `json:"reason"`
	Level               string   `json:"level"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
}

// VerifyResult is the outcome of a delegation verification.
type VerifyResult struct {
	IsValid      bool         `json:"is_valid"`
	Delegation   *Delegation  `json:"delegation,omitempty"`
	IsTransitive bool         `json:"is_transitive"`
	Chain        []Delegation `json:"chain,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// Permission sources reported by GetPermissionsForResource.
const (
	SourceDirect = "direct"
	SourcePublic = "public"
	SourceDAO    = "dao"
)

// PermissionEntry is one aggregated row of effective permissions on a
// resource, tagged with the rule source it came from.
type PermissionEntry struct {
	Source      string     `json:"source"`
	OwnerID     string     `json:"owner_id"`
	TargetID    string     `json:"target_id,omitempty"`
	DAOScope    string     `json:"dao_scope,omitempty"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// PolicyResult is the outcome of a DAO policy evaluation.
type PolicyResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
