package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"qonsent.org/internal/authz"
	"qonsent.org/internal/ids"
)

const policyColumns = `id, dao_id, resource_pattern, allowed_roles, created_by, updated_by, created_at, updated_at`

func (s *Store) UpsertPolicy(ctx context.Context, p authz.Policy) (authz.Policy, error) {
	if p.ID == "" {
		p.ID = ids.New()
	}
	roles, err := encodeSet(p.AllowedRoles)
	if err != nil {
		return authz.Policy{}, err
	}

	// created_by survives updates; updated_by tracks the latest author.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO dao_policies (id, dao_id, resource_pattern, allowed_roles, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (dao_id, resource_pattern)
		DO UPDATE SET
			allowed_roles = EXCLUDED.allowed_roles,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()
		RETURNING `+policyColumns,
		p.ID, p.DAOID, p.ResourcePattern, roles, p.UpdatedBy)
	stored, err := scanPolicy(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.Policy{}, fmt.Errorf("%w: policy already exists", authz.ErrConflict)
		}
		return authz.Policy{}, fmt.Errorf("upsert policy: %w", err)
	}
	return stored, nil
}

func (s *Store) FindPolicies(ctx context.Context, daoID, resourcePattern string) ([]authz.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+`
		FROM dao_policies
		WHERE dao_id = $1 AND ($2::text = '' OR resource_pattern = $2::text)
		ORDER BY created_at DESC, id DESC`, daoID, resourcePattern)
	if err != nil {
		return nil, fmt.Errorf("find policies: %w", err)
	}
	defer rows.Close()

	var out []authz.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanPolicy(row rowScanner) (authz.Policy, error) {
	var (
		p     authz.Policy
		roles []byte
	)
	err := row.Scan(&p.ID, &p.DAOID, &p.ResourcePattern, &roles,
		&p.CreatedBy, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authz.Policy{}, fmt.Errorf("%w: policy", authz.ErrNotFound)
		}
		return authz.Policy{}, err
	}
	if p.AllowedRoles, err = decodeSet(roles); err != nil {
		return authz.Policy{}, err
	}
	return p, nil
}
