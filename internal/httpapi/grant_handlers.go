package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"qonsent.org/internal/auth"
	"qonsent.org/internal/authz"
	"qonsent.org/internal/obs"
)

type setGrantRequest struct {
	ResourceID  string     `json:"resource_id"`
	OwnerID     string     `json:"owner_id"`
	TargetID    string     `json:"target_id,omitempty"`
	Permissions []string   `json:"permissions"`
	DAOScope    string     `json:"dao_scope,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type checkAccessRequest struct {
	ResourceID  string `json:"resource_id"`
	RequesterID string `json:"requester_id"`
	DAOScope    string `json:"dao_scope,omitempty"`
}

type batchGrantsRequest struct {
	Items []setGrantRequest `json:"items"`
}

type batchGrantsResponse struct {
	Requested int `json:"requested"`
	Applied   int `json:"applied"`
}

type grantListResponse struct {
	Items []authz.Grant `json:"items"`
	Total int           `json:"total"`
}

func (a *API) handleGrantsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.setGrant(w, r)
	case http.MethodDelete:
		a.removeGrant(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) setGrant(w http.ResponseWriter, r *http.Request) {
	var req setGrantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor := a.callerID(r)
	if actor == "" {
		writeError(w, r, http.StatusUnauthorized, "actor identity is required")
		return
	}
	g, err := a.coord.SetGrant(r.Context(), actor, authz.GrantInput{
		ResourceID:  req.ResourceID,
		OwnerID:     req.OwnerID,
		TargetID:    req.TargetID,
		Permissions: req.Permissions,
		DAOScope:    req.DAOScope,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "grants.set", map[string]any{
		"resource_id": g.ResourceID,
		"target_id":   g.TargetID,
		"dao_scope":   g.DAOScope,
	})
	writeJSON(w, http.StatusCreated, g)
}

// removeGrant revokes by default; ?hard=true deletes the record outright.
func (a *API) removeGrant(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resourceID := strings.TrimSpace(q.Get("resource_id"))
	ownerID := strings.TrimSpace(q.Get("owner_id"))
	targetID := strings.TrimSpace(q.Get("target_id"))
	daoScope := strings.TrimSpace(q.Get("dao_scope"))
	if resourceID == "" || ownerID == "" {
		writeError(w, r, http.StatusBadRequest, "resource_id and owner_id query parameters are required")
		return
	}
	actor := a.callerID(r)
	if actor == "" {
		writeError(w, r, http.StatusUnauthorized, "actor identity is required")
		return
	}

	hard := q.Get("hard") == "true"
	var err error
	if hard {
		err = a.coord.DeleteGrant(r.Context(), actor, resourceID, ownerID, targetID, daoScope)
	} else {
		err = a.coord.RevokeGrant(r.Context(), actor, resourceID, ownerID, targetID, daoScope)
	}
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	event := "grants.revoke"
	if hard {
		event = "grants.delete"
	}
	a.audit(r.Context(), event, map[string]any{
		"resource_id": resourceID,
		"target_id":   targetID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGrantCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req checkAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	decision, err := a.coord.CheckAccess(r.Context(), authz.CheckRequest{
		ResourceID:  req.ResourceID,
		RequesterID: req.RequesterID,
		DAOScope:    req.DAOScope,
		CallerRoles: auth.RolesFromContext(r.Context()),
	})
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	obs.ObserveDecision(decision.HasAccess, decision.Level)
	writeJSON(w, http.StatusOK, decision)
}

func (a *API) handleGrantBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req batchGrantsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Items) == 0 {
		writeError(w, r, http.StatusBadRequest, "items is required")
		return
	}
	if len(req.Items) > 500 {
		writeError(w, r, http.StatusBadRequest, "at most 500 items per batch")
		return
	}
	actor := a.callerID(r)
	if actor == "" {
		writeError(w, r, http.StatusUnauthorized, "actor identity is required")
		return
	}
	items := make([]authz.GrantInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, authz.GrantInput{
			ResourceID:  item.ResourceID,
			OwnerID:     item.OwnerID,
			TargetID:    item.TargetID,
			Permissions: item.Permissions,
			DAOScope:    item.DAOScope,
			ExpiresAt:   item.ExpiresAt,
		})
	}
	applied, err := a.coord.BatchSyncPermissions(r.Context(), actor, items)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "grants.batch_sync", map[string]any{
		"requested": strconv.Itoa(len(items)),
		"applied":   strconv.Itoa(applied),
	})
	writeJSON(w, http.StatusOK, batchGrantsResponse{
		Requested: len(items),
		Applied:   applied,
	})
}

func (a *API) handleGrantsForTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	targetID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/grants/target/"), "/")
	if targetID == "" || strings.Contains(targetID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	prefix := strings.TrimSpace(r.URL.Query().Get("resource_prefix"))
	items, total, err := a.coord.Grants().FindGrantsForTarget(r.Context(), targetID, prefix, page)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	if items == nil {
		items = []authz.Grant{}
	}
	writeJSON(w, http.StatusOK, grantListResponse{Items: items, Total: total})
}

func (a *API) handlePermissionsForResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	resourceID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/grants/resource/"), "/")
	if resourceID == "" || strings.Contains(resourceID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	q := r.URL.Query()
	entries, err := a.coord.GetPermissionsForResource(r.Context(), resourceID,
		strings.TrimSpace(q.Get("requester_id")), strings.TrimSpace(q.Get("dao_scope")))
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	if entries == nil {
		entries = []authz.PermissionEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}
