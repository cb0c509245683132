package httpapi

import (
	"net/http"
	"strings"

	"qonsent.org/internal/authz"
)

type upsertPolicyRequest struct {
	ResourcePattern string   `json:"resource_pattern"`
	AllowedRoles    []string `json:"allowed_roles"`
}

type evaluatePolicyRequest struct {
	ResourceID  string   `json:"resource_id"`
	CallerRoles []string `json:"caller_roles"`
}

func (a *API) handleDAOScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/daos/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	daoID := parts[0]
	switch parts[1] {
	case "policies":
		a.handleDAOPolicies(w, r, daoID)
	case "evaluate":
		a.evaluateDAOPolicy(w, r, daoID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleDAOPolicies(w http.ResponseWriter, r *http.Request, daoID string) {
	switch r.Method {
	case http.MethodPost:
		a.upsertDAOPolicy(w, r, daoID)
	case http.MethodGet:
		a.listDAOPolicies(w, r, daoID)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) upsertDAOPolicy(w http.ResponseWriter, r *http.Request, daoID string) {
	var req upsertPolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor := a.callerID(r)
	if actor == "" {
		writeError(w, r, http.StatusUnauthorized, "actor identity is required")
		return
	}
	p, err := a.coord.UpsertPolicy(r.Context(), actor, daoID, req.ResourcePattern, req.AllowedRoles)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	a.audit(r.Context(), "policies.upsert", map[string]any{
		"dao_id":           p.DAOID,
		"resource_pattern": p.ResourcePattern,
	})
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) listDAOPolicies(w http.ResponseWriter, r *http.Request, daoID string) {
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	items, err := a.coord.Policies().Get(r.Context(), daoID, pattern)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	if items == nil {
		items = []authz.Policy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) evaluateDAOPolicy(w http.ResponseWriter, r *http.Request, daoID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req evaluatePolicyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.coord.Policies().EvaluateAccess(r.Context(), daoID, req.ResourceID, req.CallerRoles)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
