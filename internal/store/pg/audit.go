package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qonsent.org/internal/authz"
	"qonsent.org/internal/ids"
)

const auditColumns = `id, occurred_at, actor_id, action, resource_id, target_id, dao_scope, metadata`

func (s *Store) AppendAudit(ctx context.Context, e authz.AuditEntry) (authz.AuditEntry, error) {
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return authz.AuditEntry{}, fmt.Errorf("encode audit metadata: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_entries (id, occurred_at, actor_id, action, resource_id, target_id, dao_scope, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+auditColumns,
		e.ID, e.OccurredAt, e.ActorID, e.Action,
		nullIfEmpty(e.ResourceID), nullIfEmpty(e.TargetID), nullIfEmpty(e.DAOScope), metaJSON)
	stored, err := scanAudit(row)
	if err != nil {
		return authz.AuditEntry{}, fmt.Errorf("append audit: %w", err)
	}
	return stored, nil
}

func (s *Store) ListAudit(ctx context.Context, filter authz.AuditFilter, limit, offset int) ([]authz.AuditEntry, int, error) {
	where, args := buildAuditFilter(filter)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	args = append(args, limit, offset)
	n := len(args)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_entries`+where+`
		ORDER BY occurred_at DESC, id DESC
		LIMIT $`+strconv.Itoa(n-1)+` OFFSET $`+strconv.Itoa(n), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []authz.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func buildAuditFilter(filter authz.AuditFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.Since != nil {
		add("occurred_at >= $%d", *filter.Since)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanAudit(row rowScanner) (authz.AuditEntry, error) {
	var (
		e          authz.AuditEntry
		resourceID sql.NullString
		targetID   sql.NullString
		daoScope   sql.NullString
		meta       []byte
	)
	err := row.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.Action,
		&resourceID, &targetID, &daoScope, &meta)
	if err != nil {
		return authz.AuditEntry{}, err
	}
	e.ResourceID = resourceID.String
	e.TargetID = targetID.String
	e.DAOScope = daoScope.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return authz.AuditEntry{}, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	return e, nil
}
