package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"qonsent.org/internal/auth"
	"qonsent.org/internal/authz"
	"qonsent.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T, members map[string][]string) *apiClient {
	t.Helper()

	t.Setenv("QONSENT_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	membership := authz.MembershipFunc(func(ctx context.Context, daoID, identityID string) (bool, error) {
		for _, id := range members[daoID] {
			if id == identityID {
				return true, nil
			}
		}
		return false, nil
	})
	coord, err := authz.NewCoordinator(authz.NewInMemory(), membership,
		authz.WithDelegationOptions(authz.WithTransitiveDepth(2)))
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}

	api := New(Config{
		Version:     "test",
		Coordinator: coord,
		Stream:      stream.New(),
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) token(identityID string, roles []string) string {
	c.t.Helper()
	token, err := auth.GenerateToken(identityID, roles, time.Hour)
	if err != nil {
		c.t.Fatalf("generate token: %v", err)
	}
	return token
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestGrantLifecycleFlow(t *testing.T) {
	api := newTestAPI(t, nil)
	hdr := authHeaders(api.token("did:q:alice", nil))

	resp := api.post("/v1/grants", map[string]any{
		"resource_id": "doc:roadmap",
		"owner_id":    "did:q:alice",
		"target_id":   "did:q:bob",
		"permissions": []string{"read"},
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	grant := decode[map[string]any](t, resp)
	if grant["status"] != "active" {
		t.Fatalf("unexpected grant: %v", grant)
	}

	resp = api.post("/v1/grants/check", map[string]any{
		"resource_id":  "doc:roadmap",
		"requester_id": "did:q:bob",
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	dec := decode[authz.Decision](t, resp)
	if !dec.HasAccess || dec.Level != authz.LevelUser {
		t.Fatalf("direct access not granted: %+v", dec)
	}

	// Revoke and confirm the decision flips.
	params := url.Values{
		"resource_id": {"doc:roadmap"},
		"owner_id":    {"did:q:alice"},
		"target_id":   {"did:q:bob"},
	}
	resp = api.do(http.MethodDelete, "/v1/grants?"+params.Encode(), nil, hdr)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/grants/check", map[string]any{
		"resource_id":  "doc:roadmap",
		"requester_id": "did:q:bob",
	}, hdr)
	dec = decode[authz.Decision](t, resp)
	if dec.HasAccess || dec.Reason != authz.ReasonNoMatchingRules {
		t.Fatalf("revoked grant still effective: %+v", dec)
	}

	// The two mutations left an audit trail.
	resp = api.get("/v1/audit", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	trail := decode[auditListResponse](t, resp)
	if trail.Total != 2 {
		t.Fatalf("expected 2 audit entries, got %d", trail.Total)
	}
}

func TestGrantsForTargetEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	hdr := authHeaders(api.token("did:q:alice", nil))

	for _, res := range []string{"doc:a", "doc:b", "img:c"} {
		resp := api.post("/v1/grants", map[string]any{
			"resource_id": res,
			"owner_id":    "did:q:alice",
			"target_id":   "did:q:bob",
			"permissions": []string{"read"},
		}, hdr)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("unexpected status: %d", resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := api.get("/v1/grants/target/did:q:bob", url.Values{"resource_prefix": {"doc:"}}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	page := decode[grantListResponse](t, resp)
	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("unexpected page: total=%d len=%d", page.Total, len(page.Items))
	}
}

func TestCheckThreadsRolesFromToken(t *testing.T) {
	api := newTestAPI(t, map[string][]string{
		"dao:core": {"did:q:carol"},
	})
	admin := authHeaders(api.token("did:q:alice", nil))

	resp := api.post("/v1/daos/dao:core/policies", map[string]any{
		"resource_pattern": "doc:*",
		"allowed_roles":    []string{"maintainer"},
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Carol's roles come from her token, not the request body.
	carol := authHeaders(api.token("did:q:carol", []string{"maintainer"}))
	resp = api.post("/v1/grants/check", map[string]any{
		"resource_id":  "doc:plan",
		"requester_id": "did:q:carol",
		"dao_scope":    "dao:core",
	}, carol)
	dec := decode[authz.Decision](t, resp)
	if !dec.HasAccess || dec.Level != authz.LevelDAO {
		t.Fatalf("policy fallback via token roles failed: %+v", dec)
	}

	roleless := authHeaders(api.token("did:q:carol", nil))
	resp = api.post("/v1/grants/check", map[string]any{
		"resource_id":  "doc:plan",
		"requester_id": "did:q:carol",
		"dao_scope":    "dao:core",
	}, roleless)
	dec = decode[authz.Decision](t, resp)
	if dec.HasAccess {
		t.Fatalf("roleless caller must be denied: %+v", dec)
	}
}

func TestDelegationEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	hdr := authHeaders(api.token("did:q:alice", nil))

	resp := api.post("/v1/delegations", map[string]any{
		"delegator_id": "did:q:alice",
		"delegatee_id": "did:q:bob",
		"scope":        []string{"docs"},
		"capabilities": []string{"publish"},
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	d := decode[authz.Delegation](t, resp)
	if resp.Header.Get("Location") != "/v1/delegations/"+d.ID {
		t.Fatalf("missing location header")
	}

	resp = api.post("/v1/delegations/verify", map[string]any{
		"delegator_id": "did:q:alice",
		"delegatee_id": "did:q:bob",
		"scope":        "docs",
		"capability":   "publish",
	}, hdr)
	res := decode[authz.VerifyResult](t, resp)
	if !res.IsValid {
		t.Fatalf("expected valid delegation: %+v", res)
	}

	resp = api.post("/v1/delegations/"+d.ID+"/revoke", nil, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	out := decode[map[string]any](t, resp)
	if out["revoked"] != true {
		t.Fatalf("expected revoked=true: %v", out)
	}

	resp = api.post("/v1/delegations/verify", map[string]any{
		"delegator_id": "did:q:alice",
		"delegatee_id": "did:q:bob",
		"scope":        "docs",
	}, hdr)
	res = decode[authz.VerifyResult](t, resp)
	if res.IsValid || res.Reason != authz.ReasonDelegationRevoked {
		t.Fatalf("expected revoked reason: %+v", res)
	}

	// Reusing the revoked key conflicts.
	resp = api.post("/v1/delegations", map[string]any{
		"delegator_id": "did:q:alice",
		"delegatee_id": "did:q:bob",
		"scope":        []string{"docs"},
	}, hdr)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestListDelegationsEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	hdr := authHeaders(api.token("did:q:alice", nil))

	resp := api.post("/v1/delegations", map[string]any{
		"delegator_id": "did:q:alice",
		"delegatee_id": "did:q:bob",
		"scope":        []string{"docs"},
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/delegations", url.Values{
		"identity_id": {"did:q:bob"},
		"direction":   {"incoming"},
	}, hdr)
	page := decode[delegationListResponse](t, resp)
	if page.Total != 1 {
		t.Fatalf("expected 1 incoming delegation, got %d", page.Total)
	}

	resp = api.get("/v1/delegations", url.Values{
		"identity_id": {"did:q:bob"},
		"direction":   {"sideways"},
	}, hdr)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	hdr := authHeaders(api.token("did:q:alice", nil))

	resp := api.post("/v1/daos/dao:core/policies", map[string]any{
		"resource_pattern": "doc:reports/*",
		"allowed_roles":    []string{"analyst"},
	}, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/daos/dao:core/policies", nil, hdr)
	listing := decode[map[string][]authz.Policy](t, resp)
	if len(listing["items"]) != 1 {
		t.Fatalf("expected 1 policy: %v", listing)
	}

	resp = api.post("/v1/daos/dao:core/evaluate", map[string]any{
		"resource_id":  "doc:reports/q3",
		"caller_roles": []string{"analyst"},
	}, hdr)
	res := decode[authz.PolicyResult](t, resp)
	if !res.Allowed || res.Reason != authz.ReasonPolicyRoleMatch {
		t.Fatalf("expected allow: %+v", res)
	}

	// Invalid glob is rejected at the door.
	resp = api.post("/v1/daos/dao:core/policies", map[string]any{
		"resource_pattern": "doc:[",
		"allowed_roles":    []string{"analyst"},
	}, hdr)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBatchEndpointReportsAppliedCount(t *testing.T) {
	api := newTestAPI(t, nil)
	hdr := authHeaders(api.token("did:q:alice", nil))

	resp := api.post("/v1/grants/batch", map[string]any{
		"items": []map[string]any{
			{"resource_id": "doc:1", "owner_id": "did:q:alice", "permissions": []string{"read"}},
			{"resource_id": "", "owner_id": "did:q:alice"},
		},
	}, hdr)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	out := decode[batchGrantsResponse](t, resp)
	if out.Requested != 2 || out.Applied != 1 {
		t.Fatalf("unexpected counts: %+v", out)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.post("/v1/grants", map[string]any{
		"resource_id": "doc:1",
		"owner_id":    "did:q:alice",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	health := api.get("/healthz", nil, nil)
	defer health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", health.StatusCode)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	api := newTestAPI(t, nil)
	hdr := authHeaders(api.token("did:q:alice", nil))

	resp := api.post("/v1/grants", map[string]any{
		"resource_id": "doc:1",
		"owner_id":    "did:q:alice",
		"surprise":    true,
	}, hdr)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown fields must be rejected, got %d", resp.StatusCode)
	}
}
