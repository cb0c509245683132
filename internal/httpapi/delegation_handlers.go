package httpapi

import (
	"net/http"
	"strings"
	"time"

	"qonsent.org/internal/authz"
	"qonsent.org/internal/obs"
)

type createDelegationRequest struct {
	DelegatorID  string     `json:"delegator_id"`
	DelegateeID  string     `json:"delegatee_id"`
	Scope        []string   `json:"scope"`
	Capabilities []string   `json:"capabilities,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type verifyDelegationRequest struct {
	DelegatorID string `json:"delegator_id"`
	DelegateeID string `json:"delegatee_id"`
	Scope       string `json:"scope"`
	Capability  string `json:"capability,omitempty"`
}

type delegationListResponse struct {
	Items []authz.Delegation `json:"items"`
	Total int                `json:"total"`
}

func (a *API) handleDelegationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createDelegation(w, r)
	case http.MethodGet:
		a.listDelegations(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createDelegation(w http.ResponseWriter, r *http.Request) {
	var req createDelegationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor := a.callerID(r)
	if actor == "" {
		writeError(w, r, http.StatusUnauthorized, "actor identity is required")
		return
	}
	d, err := a.coord.CreateOrUpdateDelegation(r.Context(), actor, authz.DelegationInput{
		DelegatorID:  req.DelegatorID,
		DelegateeID:  req.DelegateeID,
		Scope:        req.Scope,
		Capabilities: req.Capabilities,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "delegations.create", map[string]any{
		"delegation_id": d.ID,
		"delegatee_id":  d.DelegateeID,
	})
	w.Header().Set("Location", "/v1/delegations/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) listDelegations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identityID := strings.TrimSpace(q.Get("identity_id"))
	direction := strings.TrimSpace(q.Get("direction"))
	if direction == "" {
		direction = "outgoing"
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, total, err := a.coord.Delegations().List(r.Context(), identityID, direction, page)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	if items == nil {
		items = []authz.Delegation{}
	}
	writeJSON(w, http.StatusOK, delegationListResponse{Items: items, Total: total})
}

func (a *API) handleDelegationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/delegations/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "revoke" || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor := a.callerID(r)
	if actor == "" {
		writeError(w, r, http.StatusUnauthorized, "actor identity is required")
		return
	}
	revoked, err := a.coord.RevokeDelegation(r.Context(), actor, parts[0])
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	if revoked {
		a.audit(r.Context(), "delegations.revoke", map[string]any{
			"delegation_id": parts[0],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}

func (a *API) handleDelegationVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyDelegationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.coord.VerifyDelegation(r.Context(), req.DelegatorID, req.DelegateeID, req.Scope, req.Capability)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	obs.ObserveDelegationCheck(res.IsValid)
	writeJSON(w, http.StatusOK, res)
}
