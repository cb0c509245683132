package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qonsent.org/internal/authz"
	"qonsent.org/internal/ids"
)

const grantColumns = `id, resource_id, owner_id, target_id, permissions, dao_scope, status, expires_at, created_at, updated_at`

func (s *Store) UpsertGrant(ctx context.Context, g authz.Grant) (authz.Grant, error) {
	if g.ID == "" {
		g.ID = ids.New()
	}
	perms, err := encodeSet(g.Permissions)
	if err != nil {
		return authz.Grant{}, err
	}

	// The natural key spans two partial unique indexes, one for plain
	// grants and one for DAO-scoped grants, so the conflict target must
	// name the matching predicate.
	query := `
		INSERT INTO grants (id, resource_id, owner_id, target_id, permissions, dao_scope, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (resource_id, owner_id, target_id) WHERE dao_scope IS NULL
		DO UPDATE SET
			permissions = EXCLUDED.permissions,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
		RETURNING ` + grantColumns
	if g.DAOScope != "" {
		query = `
		INSERT INTO grants (id, resource_id, owner_id, target_id, permissions, dao_scope, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (resource_id, owner_id, target_id) WHERE dao_scope IS NOT NULL
		DO UPDATE SET
			permissions = EXCLUDED.permissions,
			dao_scope = EXCLUDED.dao_scope,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
		RETURNING ` + grantColumns
	}

	row := s.db.QueryRowContext(ctx, query,
		g.ID, g.ResourceID, g.OwnerID, g.TargetID, perms,
		nullIfEmpty(g.DAOScope), g.Status, nullableTime(g.ExpiresAt),
	)
	stored, err := scanGrant(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.Grant{}, fmt.Errorf("%w: grant already exists", authz.ErrConflict)
		}
		return authz.Grant{}, fmt.Errorf("upsert grant: %w", err)
	}
	return stored, nil
}

func (s *Store) FindGrantsForResource(ctx context.Context, resourceID string) ([]authz.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+grantColumns+`
		FROM grants
		WHERE resource_id = $1
		ORDER BY created_at DESC, id DESC`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("find grants for resource: %w", err)
	}
	defer rows.Close()
	return collectGrants(rows)
}

func (s *Store) FindGrantsForTarget(ctx context.Context, targetID, resourcePrefix string, limit, offset int) ([]authz.Grant, int, error) {
	where := `
		WHERE status = 'active'
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND (target_id = $1 OR dao_scope IS NOT NULL)
		  AND ($2::text = '' OR resource_id LIKE $2::text || '%')`

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM grants`+where, targetID, resourcePrefix,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count grants for target: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+grantColumns+`
		FROM grants`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`, targetID, resourcePrefix, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("find grants for target: %w", err)
	}
	defer rows.Close()
	grants, err := collectGrants(rows)
	if err != nil {
		return nil, 0, err
	}
	return grants, total, nil
}

func (s *Store) RevokeGrant(ctx context.Context, resourceID, ownerID, targetID, daoScope string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE grants SET status = 'revoked', updated_at = NOW()
		 WHERE resource_id = $1 AND owner_id = $2 AND target_id = $3 AND `+daoScopePredicate(daoScope),
		resourceID, ownerID, targetID)
	if err != nil {
		return fmt.Errorf("revoke grant: %w", err)
	}
	return requireRow(res, "grant")
}

func (s *Store) DeleteGrant(ctx context.Context, resourceID, ownerID, targetID, daoScope string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM grants
		 WHERE resource_id = $1 AND owner_id = $2 AND target_id = $3 AND `+daoScopePredicate(daoScope),
		resourceID, ownerID, targetID)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return requireRow(res, "grant")
}

func (s *Store) PurgeExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM grants WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// daoScopePredicate selects the natural-key slot: a grant is keyed by the
// presence of a DAO scope, not its value.
func daoScopePredicate(daoScope string) string {
	if daoScope == "" {
		return "dao_scope IS NULL"
	}
	return "dao_scope IS NOT NULL"
}

func requireRow(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", authz.ErrNotFound, entity)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (authz.Grant, error) {
	var (
		g        authz.Grant
		perms    []byte
		daoScope sql.NullString
		expires  sql.NullTime
	)
	err := row.Scan(&g.ID, &g.ResourceID, &g.OwnerID, &g.TargetID,
		&perms, &daoScope, &g.Status, &expires, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authz.Grant{}, fmt.Errorf("%w: grant", authz.ErrNotFound)
		}
		return authz.Grant{}, err
	}
	g.Permissions, err = decodeSet(perms)
	if err != nil {
		return authz.Grant{}, err
	}
	g.DAOScope = daoScope.String
	g.ExpiresAt = timePtr(expires)
	return g, nil
}

func collectGrants(rows *sql.Rows) ([]authz.Grant, error) {
	var out []authz.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
