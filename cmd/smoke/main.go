package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"qonsent.org/internal/authz"
)

// Exercises the full decision surface against an in-memory store:
// grant/check, DAO policy fallback, delegation issue/verify/revoke,
// and audit completeness.
func main() {
	store := authz.NewInMemory()
	membership := authz.MembershipFunc(func(ctx context.Context, daoID, identityID string) (bool, error) {
		return daoID == "dao:builders" && identityID == "did:qsmoke:carol", nil
	})

	coord, err := authz.NewCoordinator(store, membership,
		authz.WithDelegationOptions(authz.WithTransitiveDepth(2)))
	if err != nil {
		log.Fatalf("coordinator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const (
		owner    = "did:qsmoke:alice"
		reader   = "did:qsmoke:bob"
		member   = "did:qsmoke:carol"
		stranger = "did:qsmoke:mallory"
		resource = "doc:roadmap-2026"
	)

	if _, err := coord.SetGrant(ctx, owner, authz.GrantInput{
		ResourceID:  resource,
		OwnerID:     owner,
		TargetID:    reader,
		Permissions: []string{"read"},
	}); err != nil {
		log.Fatalf("set grant: %v", err)
	}

	dec, err := coord.CheckAccess(ctx, authz.CheckRequest{ResourceID: resource, RequesterID: reader})
	if err != nil {
		log.Fatalf("check access: %v", err)
	}
	if !dec.HasAccess || dec.Level != authz.LevelUser {
		log.Fatalf("direct grant not honored: %+v", dec)
	}

	dec, err = coord.CheckAccess(ctx, authz.CheckRequest{ResourceID: resource, RequesterID: stranger})
	if err != nil {
		log.Fatalf("check access: %v", err)
	}
	if dec.HasAccess {
		log.Fatalf("stranger was allowed: %+v", dec)
	}

	if _, err := coord.UpsertPolicy(ctx, owner, "dao:builders", "doc:*", []string{"maintainer"}); err != nil {
		log.Fatalf("upsert policy: %v", err)
	}
	dec, err = coord.CheckAccess(ctx, authz.CheckRequest{
		ResourceID:  resource,
		RequesterID: member,
		DAOScope:    "dao:builders",
		CallerRoles: []string{"maintainer"},
	})
	if err != nil {
		log.Fatalf("check access via policy: %v", err)
	}
	if !dec.HasAccess || dec.Level != authz.LevelDAO {
		log.Fatalf("policy fallback not honored: %+v", dec)
	}

	d, err := coord.CreateOrUpdateDelegation(ctx, owner, authz.DelegationInput{
		DelegatorID:  owner,
		DelegateeID:  reader,
		Scope:        []string{"docs"},
		Capabilities: []string{"publish"},
	})
	if err != nil {
		log.Fatalf("create delegation: %v", err)
	}

	res, err := coord.VerifyDelegation(ctx, owner, reader, "docs", "publish")
	if err != nil {
		log.Fatalf("verify delegation: %v", err)
	}
	if !res.IsValid {
		log.Fatalf("delegation not valid: %+v", res)
	}

	if _, err := coord.CreateOrUpdateDelegation(ctx, reader, authz.DelegationInput{
		DelegatorID:  reader,
		DelegateeID:  member,
		Scope:        []string{"docs"},
		Capabilities: []string{"publish"},
	}); err != nil {
		log.Fatalf("create second hop: %v", err)
	}
	res, err = coord.VerifyDelegation(ctx, owner, member, "docs", "publish")
	if err != nil {
		log.Fatalf("verify transitive: %v", err)
	}
	if !res.IsValid || !res.IsTransitive || len(res.Chain) != 2 {
		log.Fatalf("transitive chain not found: %+v", res)
	}

	revoked, err := coord.RevokeDelegation(ctx, owner, d.ID)
	if err != nil || !revoked {
		log.Fatalf("revoke delegation: revoked=%v err=%v", revoked, err)
	}
	res, err = coord.VerifyDelegation(ctx, owner, reader, "docs", "publish")
	if err != nil {
		log.Fatalf("verify after revoke: %v", err)
	}
	if res.IsValid || res.Reason != authz.ReasonDelegationRevoked {
		log.Fatalf("revocation not terminal: %+v", res)
	}

	entries, total, err := coord.ListAudit(ctx, authz.AuditFilter{}, authz.Page{})
	if err != nil {
		log.Fatalf("list audit: %v", err)
	}
	// set grant + policy upsert + 2 delegation creates + 1 revoke
	if total != 5 || len(entries) != 5 {
		log.Fatalf("audit trail incomplete: total=%d len=%d", total, len(entries))
	}

	fmt.Println("✅ qonsent smoke test passed")
}
