package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"qonsent.org/internal/authz"
)

type auditListResponse struct {
	Items []authz.AuditEntry `json:"items"`
	Total int                `json:"total"`
	AsOf  time.Time          `json:"as_of"`
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := authz.AuditFilter{
		ActorID:    strings.TrimSpace(q.Get("actor_id")),
		Action:     strings.TrimSpace(q.Get("action")),
		ResourceID: strings.TrimSpace(q.Get("resource_id")),
	}
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &since
	}

	items, total, err := a.coord.ListAudit(r.Context(), filter, page)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	if items == nil {
		items = []authz.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditListResponse{
		Items: items,
		Total: total,
		AsOf:  time.Now().UTC(),
	})
}

// StreamAudit handles Server-Sent Events for appended audit entries.
func (a *API) StreamAudit(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for entry := range ch {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
