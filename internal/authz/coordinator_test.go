package authz

import (
	"context"
	"errors"
	"testing"
	"time"
)

func memberOf(members map[string][]string) MembershipOracle {
	return MembershipFunc(func(ctx context.Context, daoID, identityID string) (bool, error) {
		for _, id := range members[daoID] {
			if id == identityID {
				return true, nil
			}
		}
		return false, nil
	})
}

func newCoordinator(t *testing.T, membership MembershipOracle, opts ...CoordinatorOption) (*Coordinator, *InMemory) {
	t.Helper()
	store := NewInMemory()
	if membership == nil {
		membership = memberOf(nil)
	}
	coord, err := NewCoordinator(store, membership, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return coord, store
}

func TestCheckAccessDAOMembershipGate(t *testing.T) {
	coord, _ := newCoordinator(t, memberOf(map[string][]string{
		"dao:core": {"did:q:carol"},
	}))
	ctx := context.Background()

	if _, err := coord.SetGrant(ctx, "did:q:alice", GrantInput{
		ResourceID: "doc:1", OwnerID: "did:q:alice", DAOScope: "dao:core", Permissions: []string{"write"},
	}); err != nil {
		t.Fatal(err)
	}

	dec, err := coord.CheckAccess(ctx, CheckRequest{ResourceID: "doc:1", RequesterID: "did:q:carol", DAOScope: "dao:core"})
	if err != nil {
		t.Fatal(err)
	}
	if !dec.HasAccess || dec.Level != LevelDAO || dec.Reason != ReasonDAOAccess {
		t.Fatalf("member must get DAO access: %+v", dec)
	}

	dec, err = coord.CheckAccess(ctx, CheckRequest{ResourceID: "doc:1", RequesterID: "did:q:mallory", DAOScope: "dao:core"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.HasAccess || dec.Reason != ReasonNoMatchingRules {
		t.Fatalf("non-member must be denied: %+v", dec)
	}
}

func TestMembershipFailureDeniesConservatively(t *testing.T) {
	broken := MembershipFunc(func(ctx context.Context, daoID, identityID string) (bool, error) {
		return false, errors.New("oracle down")
	})
	coord, _ := newCoordinator(t, broken)
	ctx := context.Background()

	if _, err := coord.SetGrant(ctx, "did:q:alice", GrantInput{
		ResourceID: "doc:1", OwnerID: "did:q:alice", DAOScope: "dao:core", Permissions: []string{"write"},
	}); err != nil {
		t.Fatal(err)
	}

	dec, err := coord.CheckAccess(ctx, CheckRequest{ResourceID: "doc:1", RequesterID: "did:q:carol", DAOScope: "dao:core"})
	if err != nil {
		t.Fatal(err)
	}
	if dec.HasAccess || dec.Reason != ReasonMembershipUnknown || dec.Level != LevelNone {
		t.Fatalf("oracle failure must deny with the membership reason: %+v", dec)
	}
}

func TestMembershipTimeoutIsBounded(t *testing.T) {
	slow := MembershipFunc(func(ctx context.Context, daoID, identityID string) (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Second):
			return true, nil
		}
	})
	coord, _ := newCoordinator(t, slow, WithMembershipTimeout(20*time.Millisecond))
	ctx := context.Background()

	if _, err := coord.SetGrant(ctx, "did:q:alice", GrantInput{
		ResourceID: "doc:1", OwnerID: "did:q:alice", DAOScope: "dao:core", Permissions: []string{"write"},
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	dec, err := coord.CheckAccess(ctx, CheckRequest{ResourceID: "doc:1", RequesterID: "did:q:carol", DAOScope: "dao:core"})
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("membership check was not bounded by the timeout")
	}
	if dec.HasAccess || dec.Reason != ReasonMembershipUnknown {
		t.Fatalf("timed-out oracle must deny: %+v", dec)
	}
}

func TestDAOPolicyFallback(t *testing.T) {
	coord, _ := newCoordinator(t, memberOf(map[string][]string{
		"dao:core": {"did:q:carol"},
	}))
	ctx := context.Background()

	if _, err := coord.UpsertPolicy(ctx, "did:q:alice", "dao:core", "doc:*", []string{"maintainer"}); err != nil {
		t.Fatal(err)
	}

	dec, err := coord.CheckAccess(ctx, CheckRequest{
		ResourceID: "doc:1", RequesterID: "did:q:carol",
		DAOScope: "dao:core", CallerRoles: []string{"maintainer"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !dec.HasAccess || dec.Level != LevelDAO || dec.Reason != ReasonPolicyRoleMatch {
		t.Fatalf("policy fallback must allow the role: %+v", dec)
	}

	dec, err = coord.CheckAccess(ctx, CheckRequest{
		ResourceID: "doc:1", RequesterID: "did:q:carol",
		DAOScope: "dao:core", CallerRoles: []string{"viewer"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if dec.HasAccess || dec.Reason != ReasonInsufficientPerms {
		t.Fatalf("wrong role must be denied: %+v", dec)
	}
}

func TestEveryMutationAppendsOneAuditEntry(t *testing.T) {
	coord, _ := newCoordinator(t, nil)
	ctx := context.Background()

	if _, err := coord.SetGrant(ctx, "did:q:alice", GrantInput{
		ResourceID: "doc:1", OwnerID: "did:q:alice", TargetID: "did:q:bob", Permissions: []string{"read"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := coord.RevokeGrant(ctx, "did:q:alice", "doc:1", "did:q:alice", "did:q:bob", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := coord.UpsertPolicy(ctx, "did:q:alice", "dao:core", "doc:*", []string{"admin"}); err != nil {
		t.Fatal(err)
	}
	d, err := coord.CreateOrUpdateDelegation(ctx, "did:q:alice", DelegationInput{
		DelegatorID: "did:q:alice", DelegateeID: "did:q:bob", Scope: []string{"docs"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := coord.RevokeDelegation(ctx, "did:q:alice", d.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := coord.BatchSyncPermissions(ctx, "did:q:alice", []GrantInput{
		{ResourceID: "doc:2", OwnerID: "did:q:alice", Permissions: []string{"read"}},
	}); err != nil {
		t.Fatal(err)
	}

	entries, total, err := coord.ListAudit(ctx, AuditFilter{}, Page{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 || len(entries) != 6 {
		t.Fatalf("expected 6 entries, got total=%d len=%d", total, len(entries))
	}
	// Newest first.
	if entries[0].Action != ActionGrantBatchSync || entries[5].Action != ActionGrantSet {
		t.Fatalf("unexpected ordering: first=%s last=%s", entries[0].Action, entries[5].Action)
	}

	// Revoking an unknown delegation mutates nothing and logs nothing.
	ok, err := coord.RevokeDelegation(ctx, "did:q:alice", "missing")
	if err != nil || ok {
		t.Fatalf("unknown id: ok=%v err=%v", ok, err)
	}
	_, total, err = coord.ListAudit(ctx, AuditFilter{}, Page{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 {
		t.Fatalf("no-op revoke must not audit: total=%d", total)
	}
}

func TestAuditFilters(t *testing.T) {
	coord, _ := newCoordinator(t, nil)
	ctx := context.Background()

	if _, err := coord.SetGrant(ctx, "did:q:alice", GrantInput{
		ResourceID: "doc:1", OwnerID: "did:q:alice", Permissions: []string{"read"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := coord.SetGrant(ctx, "did:q:bob", GrantInput{
		ResourceID: "doc:2", OwnerID: "did:q:bob", Permissions: []string{"read"},
	}); err != nil {
		t.Fatal(err)
	}

	entries, total, err := coord.ListAudit(ctx, AuditFilter{ActorID: "did:q:bob"}, Page{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || entries[0].ResourceID != "doc:2" {
		t.Fatalf("actor filter broken: total=%d entries=%+v", total, entries)
	}
}

func TestMutationsRequireActor(t *testing.T) {
	coord, _ := newCoordinator(t, nil)
	ctx := context.Background()

	if _, err := coord.SetGrant(ctx, "", GrantInput{
		ResourceID: "doc:1", OwnerID: "did:q:alice",
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := coord.RevokeDelegation(ctx, " ", "some-id"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGetPermissionsForResource(t *testing.T) {
	coord, _ := newCoordinator(t, nil)
	ctx := context.Background()

	inputs := []GrantInput{
		{ResourceID: "doc:1", OwnerID: "did:q:alice", TargetID: "did:q:bob", Permissions: []string{"read"}},
		{ResourceID: "doc:1", OwnerID: "did:q:alice", DAOScope: "dao:core", Permissions: []string{"write"}},
		{ResourceID: "doc:1", OwnerID: "did:q:carol", Permissions: []string{"read"}},
	}
	for _, in := range inputs {
		if _, err := coord.SetGrant(ctx, "did:q:alice", in); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := coord.GetPermissionsForResource(ctx, "doc:1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	sources := map[string]bool{}
	for _, e := range entries {
		sources[e.Source] = true
	}
	if !sources[SourceDirect] || !sources[SourceDAO] || !sources[SourcePublic] {
		t.Fatalf("sources not tagged: %v", sources)
	}

	// Scoped to a requester, the direct grant for someone else drops out.
	entries, err = coord.GetPermissionsForResource(ctx, "doc:1", "did:q:stranger", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Source == SourceDirect {
			t.Fatalf("foreign direct grant leaked: %+v", e)
		}
	}
}

type capturingPublisher struct {
	entries []AuditEntry
}

func (p *capturingPublisher) Publish(e AuditEntry) { p.entries = append(p.entries, e) }

func TestAuditPublisherReceivesEntries(t *testing.T) {
	pub := &capturingPublisher{}
	coord, _ := newCoordinator(t, nil, WithAuditPublisher(pub))
	ctx := context.Background()

	if _, err := coord.SetGrant(ctx, "did:q:alice", GrantInput{
		ResourceID: "doc:1", OwnerID: "did:q:alice", Permissions: []string{"read"},
	}); err != nil {
		t.Fatal(err)
	}
	if len(pub.entries) != 1 || pub.entries[0].Action != ActionGrantSet {
		t.Fatalf("publisher not notified: %+v", pub.entries)
	}
}
