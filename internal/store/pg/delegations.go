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

const delegationColumns = `id, delegator_id, delegatee_id, scope, capabilities, status, expires_at, created_at, updated_at`

func (s *Store) GetDelegation(ctx context.Context, id string) (authz.Delegation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+delegationColumns+`
		FROM delegations WHERE id = $1`, id)
	return scanDelegation(row)
}

func (s *Store) FindDelegationByKey(ctx context.Context, delegatorID, delegateeID string, scope []string) (authz.Delegation, error) {
	encoded, err := encodeSet(scope)
	if err != nil {
		return authz.Delegation{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+delegationColumns+`
		FROM delegations
		WHERE delegator_id = $1 AND delegatee_id = $2 AND scope = $3::jsonb`,
		delegatorID, delegateeID, encoded)
	return scanDelegation(row)
}

func (s *Store) UpsertDelegation(ctx context.Context, d authz.Delegation) (authz.Delegation, error) {
	if d.ID == "" {
		d.ID = ids.New()
	}
	scope, err := encodeSet(d.Scope)
	if err != nil {
		return authz.Delegation{}, err
	}
	caps, err := encodeSet(d.Capabilities)
	if err != nil {
		return authz.Delegation{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO delegations (id, delegator_id, delegatee_id, scope, capabilities, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (delegator_id, delegatee_id, scope)
		DO UPDATE SET
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
		RETURNING `+delegationColumns,
		d.ID, d.DelegatorID, d.DelegateeID, scope, caps, d.Status, nullableTime(d.ExpiresAt))
	stored, err := scanDelegation(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return authz.Delegation{}, fmt.Errorf("%w: delegation already exists", authz.ErrConflict)
		}
		return authz.Delegation{}, fmt.Errorf("upsert delegation: %w", err)
	}
	return stored, nil
}

func (s *Store) SetDelegationStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegations SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("set delegation status: %w", err)
	}
	return requireRow(res, "delegation")
}

func (s *Store) ListDelegations(ctx context.Context, identityID string, outgoing bool, limit, offset int) ([]authz.Delegation, int, error) {
	column := "delegatee_id"
	if outgoing {
		column = "delegator_id"
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delegations WHERE `+column+` = $1`, identityID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count delegations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+delegationColumns+`
		FROM delegations
		WHERE `+column+` = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, identityID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()
	out, err := collectDelegations(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *Store) FindDelegationsByPair(ctx context.Context, delegatorID, delegateeID string) ([]authz.Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+delegationColumns+`
		FROM delegations
		WHERE delegator_id = $1 AND delegatee_id = $2
		ORDER BY created_at DESC, id DESC`, delegatorID, delegateeID)
	if err != nil {
		return nil, fmt.Errorf("find delegations by pair: %w", err)
	}
	defer rows.Close()
	return collectDelegations(rows)
}

func (s *Store) FindDelegationsByDelegator(ctx context.Context, delegatorID string) ([]authz.Delegation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+delegationColumns+`
		FROM delegations
		WHERE delegator_id = $1
		ORDER BY created_at DESC, id DESC`, delegatorID)
	if err != nil {
		return nil, fmt.Errorf("find delegations by delegator: %w", err)
	}
	defer rows.Close()
	return collectDelegations(rows)
}

func (s *Store) MarkExpiredDelegations(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delegations SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("mark expired delegations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanDelegation(row rowScanner) (authz.Delegation, error) {
	var (
		d       authz.Delegation
		scope   []byte
		caps    []byte
		expires sql.NullTime
	)
	err := row.Scan(&d.ID, &d.DelegatorID, &d.DelegateeID, &scope, &caps,
		&d.Status, &expires, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return authz.Delegation{}, fmt.Errorf("%w: delegation", authz.ErrNotFound)
		}
		return authz.Delegation{}, err
	}
	if d.Scope, err = decodeSet(scope); err != nil {
		return authz.Delegation{}, err
	}
	if d.Capabilities, err = decodeSet(caps); err != nil {
		return authz.Delegation{}, err
	}
	d.ExpiresAt = timePtr(expires)
	return d, nil
}

func collectDelegations(rows *sql.Rows) ([]authz.Delegation, error) {
	var out []authz.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
