package authz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qonsent.org/internal/obs"
)

const defaultMembershipTimeout = 2 * time.Second

// AuditPublisher receives every appended audit entry, e.g. for fan-out to
// live subscribers. Publishing must not block.
type AuditPublisher interface {
	Publish(AuditEntry)
}

// Coordinator is the single entry point combining grants, delegations and
// DAO policies into access decisions. It owns the audit log: every
// mutating operation appends exactly one entry.
type Coordinator struct {
	store             Store
	grants            *GrantService
	delegations       *DelegationService
	policies          *PolicyService
	membership        MembershipOracle
	membershipTimeout time.Duration
	publisher         AuditPublisher
	now               func() time.Time
}

// CoordinatorOption configures Coordinator.
type CoordinatorOption func(*Coordinator) error

// WithMembershipTimeout bounds each DAO-membership oracle call.
func WithMembershipTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) error {
		if d <= 0 {
			return errors.New("membership timeout must be positive")
		}
		c.membershipTimeout = d
		return nil
	}
}

// WithAuditPublisher mirrors appended audit entries to the publisher.
func WithAuditPublisher(p AuditPublisher) CoordinatorOption {
	return func(c *Coordinator) error {
		c.publisher = p
		return nil
	}
}

// WithDelegationOptions forwards options to the delegation service.
func WithDelegationOptions(opts ...DelegationOption) CoordinatorOption {
	return func(c *Coordinator) error {
		for _, opt := range opts {
			opt(c.delegations)
		}
		return nil
	}
}

// WithPolicyOptions forwards options to the policy service.
func WithPolicyOptions(opts ...PolicyOption) CoordinatorOption {
	return func(c *Coordinator) error {
		for _, opt := range opts {
			opt(c.policies)
		}
		return nil
	}
}

// NewCoordinator constructs the coordinator and its component services
// over a shared store. The membership oracle is required: DAO-scoped
// decisions without one would have to guess.
func NewCoordinator(store Store, membership MembershipOracle, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if membership == nil {
		return nil, errors.New("membership oracle is required")
	}
	grants, err := NewGrantService(store)
	if err != nil {
		return nil, err
	}
	delegations, err := NewDelegationService(store)
	if err != nil {
		return nil, err
	}
	policies, err := NewPolicyService(store)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		store:             store,
		grants:            grants,
		delegations:       delegations,
		policies:          policies,
		membership:        membership,
		membershipTimeout: defaultMembershipTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Grants exposes the grant service for read paths.
func (c *Coordinator) Grants() *GrantService { return c.grants }

// Delegations exposes the delegation service for read paths.
func (c *Coordinator) Delegations() *DelegationService { return c.delegations }

// Policies exposes the policy service for read paths.
func (c *Coordinator) Policies() *PolicyService { return c.policies }

// CheckRequest describes one access decision.
type CheckRequest struct {
	ResourceID  string   `json:"resource_id"`
	RequesterID string   `json:"requester_id"`
	DAOScope    string   `json:"dao_scope,omitempty"`
	// CallerRoles are the requester's roles within DAOScope, as asserted by
	// the authenticated caller context. Consulted only on the policy
	// fallback path.
	CallerRoles []string `json:"caller_roles,omitempty"`
}

// CheckAccess decides resource access with precedence: direct user grant,
// then public grant, then the DAO path (membership-gated grant, then
// role-based policy fallback). Zero matches is a denial, not an error.
func (c *Coordinator) CheckAccess(ctx context.Context, req CheckRequest) (Decision, error) {
	resourceID := strings.TrimSpace(req.ResourceID)
	requesterID := strings.TrimSpace(req.RequesterID)
	if resourceID == "" || requesterID == "" {
		return Decision{}, fmt.Errorf("%w: resource_id and requester_id are required", ErrInvalidInput)
	}
	daoScope := strings.TrimSpace(req.DAOScope)

	grants, err := c.store.FindGrantsForResource(ctx, resourceID)
	if err != nil {
		return Decision{}, err
	}
	now := c.now()

	var public, dao *Grant
	for i := range grants {
		g := grants[i]
		if !g.Active(now) {
			continue
		}
		switch {
		case g.TargetID == requesterID:
			return Decision{HasAccess: true, Reason: ReasonDirectAccess, Level: LevelUser, RequiredPermissions: g.Permissions}, nil
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
		return Decision{HasAccess: true, Reason: ReasonPublicAccess, Level: LevelPublic, RequiredPermissions: public.Permissions}, nil
	}

	if daoScope == "" {
		return Decision{HasAccess: false, Reason: ReasonNoMatchingRules, Level: LevelNone}, nil
	}

	member, err := c.checkMembership(ctx, daoScope, requesterID)
	if err != nil {
		// Conservative denial: an unreachable oracle never grants access.
		obs.Logger().Println(`{"type":"authz","event":"membership_check_failed","dao":"` + daoScope + `"}`)
		return Decision{HasAccess: false, Reason: ReasonMembershipUnknown, Level: LevelNone}, nil
	}
	if !member {
		return Decision{HasAccess: false, Reason: ReasonNoMatchingRules, Level: LevelNone}, nil
	}
	if dao != nil {
		return Decision{HasAccess: true, Reason: ReasonDAOAccess, Level: LevelDAO, RequiredPermissions: dao.Permissions}, nil
	}

	// No DAO-scoped grant: fall back to role-based policy evaluation.
	res, err := c.policies.EvaluateAccess(ctx, daoScope, resourceID, req.CallerRoles)
	if err != nil {
		return Decision{}, err
	}
	if res.Allowed {
		return Decision{HasAccess: true, Reason: res.Reason, Level: LevelDAO}, nil
	}
	return Decision{HasAccess: false, Reason: res.Reason, Level: LevelNone}, nil
}

// GetPermissionsForResource aggregates active grants on the resource into
// a uniform list tagged with the rule source. With a requester supplied,
// only rows applicable to that requester are returned.
func (c *Coordinator) GetPermissionsForResource(ctx context.Context, resourceID, requesterID, daoScope string) ([]PermissionEntry, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return nil, fmt.Errorf("%w: resource_id is required", ErrInvalidInput)
	}
	requesterID = strings.TrimSpace(requesterID)
	daoScope = strings.TrimSpace(daoScope)

	grants, err := c.store.FindGrantsForResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var entries []PermissionEntry
	for _, g := range grants {
		if !g.Active(now) {
			continue
		}
		var source string
		switch {
		case g.TargetID != "":
			if requesterID != "" && g.TargetID != requesterID {
				continue
			}
			source = SourceDirect
		case g.DAOScope != "":
			if requesterID != "" && daoScope != "" && g.DAOScope != daoScope {
				continue
			}
			source = SourceDAO
		default:
			source = SourcePublic
		}
		entries = append(entries, PermissionEntry{
			Source:      source,
			OwnerID:     g.OwnerID,
			TargetID:    g.TargetID,
			DAOScope:    g.DAOScope,
			Permissions: g.Permissions,
			ExpiresAt:   g.ExpiresAt,
		})
	}
	return entries, nil
}

// VerifyDelegation is the capability-based verification path, independent
// of resource grants.
func (c *Coordinator) VerifyDelegation(ctx context.Context, delegatorID, delegateeID, scope, capability string) (VerifyResult, error) {
	return c.delegations.Verify(ctx, delegatorID, delegateeID, scope, capability)
}

// SetGrant upserts a grant and appends the corresponding audit entry.
func (c *Coordinator) SetGrant(ctx context.Context, actorID string, in GrantInput) (Grant, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Grant{}, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	g, err := c.grants.SetGrant(ctx, in)
	if err != nil {
		return Grant{}, err
	}
	if err := c.appendAudit(ctx, AuditEntry{
		ActorID:    actorID,
		Action:     ActionGrantSet,
		ResourceID: g.ResourceID,
		TargetID:   g.TargetID,
		DAOScope:   g.DAOScope,
		Metadata:   map[string]string{"permissions": strings.Join(g.Permissions, ",")},
	}); err != nil {
		return Grant{}, err
	}
	return g, nil
}

// RevokeGrant revokes a grant and appends the corresponding audit entry.
func (c *Coordinator) RevokeGrant(ctx context.Context, actorID, resourceID, ownerID, targetID, daoScope string) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	if err := c.grants.RevokeGrant(ctx, resourceID, ownerID, targetID, daoScope); err != nil {
		return err
	}
	return c.appendAudit(ctx, AuditEntry{
		ActorID:    actorID,
		Action:     ActionGrantRevoke,
		ResourceID: strings.TrimSpace(resourceID),
		TargetID:   strings.TrimSpace(targetID),
		DAOScope:   strings.TrimSpace(daoScope),
	})
}

// DeleteGrant hard-deletes a grant and appends the corresponding audit
// entry.
func (c *Coordinator) DeleteGrant(ctx context.Context, actorID, resourceID, ownerID, targetID, daoScope string) error {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	if err := c.grants.DeleteGrant(ctx, resourceID, ownerID, targetID, daoScope); err != nil {
		return err
	}
	return c.appendAudit(ctx, AuditEntry{
		ActorID:    actorID,
		Action:     ActionGrantDelete,
		ResourceID: strings.TrimSpace(resourceID),
		TargetID:   strings.TrimSpace(targetID),
		DAOScope:   strings.TrimSpace(daoScope),
	})
}

// BatchSyncPermissions applies independent grant upserts best-effort and
// appends one audit entry covering the batch. The count reflects applied
// items only.
func (c *Coordinator) BatchSyncPermissions(ctx context.Context, actorID string, items []GrantInput) (int, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return 0, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	applied, err := c.grants.BatchUpsert(ctx, items)
	if err != nil {
		return applied, err
	}
	if err := c.appendAudit(ctx, AuditEntry{
		ActorID: actorID,
		Action:  ActionGrantBatchSync,
		Metadata: map[string]string{
			"requested": strconv.Itoa(len(items)),
			"applied":   strconv.Itoa(applied),
		},
	}); err != nil {
		return applied, err
	}
	return applied, nil
}

// CreateOrUpdateDelegation issues or updates a delegation and appends the
// corresponding audit entry.
func (c *Coordinator) CreateOrUpdateDelegation(ctx context.Context, actorID string, in DelegationInput) (Delegation, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Delegation{}, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	d, err := c.delegations.CreateOrUpdate(ctx, in)
	if err != nil {
		return Delegation{}, err
	}
	if err := c.appendAudit(ctx, AuditEntry{
		ActorID:  actorID,
		Action:   ActionDelegationCreate,
		TargetID: d.DelegateeID,
		Metadata: map[string]string{
			"delegation_id": d.ID,
			"scope":         strings.Join(d.Scope, ","),
		},
	}); err != nil {
		return Delegation{}, err
	}
	return d, nil
}

// RevokeDelegation revokes a delegation. The audit entry is appended only
// when something actually transitioned; an unknown id mutates nothing.
func (c *Coordinator) RevokeDelegation(ctx context.Context, actorID, delegationID string) (bool, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return false, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	ok, err := c.delegations.Revoke(ctx, delegationID)
	if err != nil || !ok {
		return ok, err
	}
	if err := c.appendAudit(ctx, AuditEntry{
		ActorID:  actorID,
		Action:   ActionDelegationRevoke,
		Metadata: map[string]string{"delegation_id": strings.TrimSpace(delegationID)},
	}); err != nil {
		return true, err
	}
	return true, nil
}

// UpsertPolicy creates or updates a DAO policy and appends the
// corresponding audit entry.
func (c *Coordinator) UpsertPolicy(ctx context.Context, actorID, daoID, resourcePattern string, allowedRoles []string) (Policy, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return Policy{}, fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	p, err := c.policies.Upsert(ctx, daoID, resourcePattern, allowedRoles, actorID)
	if err != nil {
		return Policy{}, err
	}
	if err := c.appendAudit(ctx, AuditEntry{
		ActorID:  actorID,
		Action:   ActionPolicyUpsert,
		DAOScope: p.DAOID,
		Metadata: map[string]string{
			"resource_pattern": p.ResourcePattern,
			"allowed_roles":    strings.Join(p.AllowedRoles, ","),
		},
	}); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// ListAudit returns audit entries newest first.
func (c *Coordinator) ListAudit(ctx context.Context, filter AuditFilter, page Page) ([]AuditEntry, int, error) {
	page = page.normalized()
	return c.store.ListAudit(ctx, filter, page.Limit, page.Offset)
}

func (c *Coordinator) appendAudit(ctx context.Context, e AuditEntry) error {
	e.OccurredAt = c.now()
	stored, err := c.store.AppendAudit(ctx, e)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if c.publisher != nil {
		c.publisher.Publish(stored)
	}
	return nil
}

func (c *Coordinator) checkMembership(ctx context.Context, daoID, identityID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.membershipTimeout)
	defer cancel()
	member, err := c.membership.IsDAOMember(ctx, daoID, identityID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMembershipUnavailable, err)
	}
	return member, nil
}
