package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/coachpo/fundwatch/internal/fund"
)

const (
	groupListSQL = `
SELECT g.id::text, g.name, COUNT(f.id)
FROM fund_groups g
LEFT JOIN funds f ON f.group_id = g.id
GROUP BY g.id, g.name, g.created_at
ORDER BY g.created_at, g.name;
`
	groupInsertSQL = `INSERT INTO fund_groups (id, name) VALUES (@id::uuid, @name);`
	groupRenameSQL = `
UPDATE fund_groups SET name = @name
WHERE id = @id::uuid
RETURNING (SELECT COUNT(*) FROM funds WHERE group_id = @id::uuid);
`
	groupUngroupSQL = `UPDATE funds SET group_id = NULL WHERE group_id = @id::uuid;`
	groupDeleteSQL  = `DELETE FROM fund_groups WHERE id = @id::uuid;`
)

// ListGroups returns all groups with fund counts.
func (s *Store) ListGroups(ctx context.Context) ([]fund.Group, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, groupListSQL)
	if err != nil {
		return nil, fmt.Errorf("%s: list groups: %w", component, err)
	}
	defer rows.Close()

	groups := make([]fund.Group, 0)
	for rows.Next() {
		var g fund.Group
		var count int64
		if err := rows.Scan(&g.ID, &g.Name, &count); err != nil {
			return nil, fmt.Errorf("%s: scan group: %w", component, err)
		}
		g.FundCount = int(count)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate groups: %w", component, err)
	}
	return groups, nil
}

// CreateGroup adds a group with a unique trimmed name.
func (s *Store) CreateGroup(ctx context.Context, name string) (fund.Group, error) {
	trimmed, err := fund.NormalizeGroupName(name)
	if err != nil {
		return fund.Group{}, err
	}
	pool, err := s.ensurePool()
	if err != nil {
		return fund.Group{}, err
	}
	g := fund.Group{ID: uuid.NewString(), Name: trimmed}
	if _, err := pool.Exec(ctx, groupInsertSQL, pgx.NamedArgs{"id": g.ID, "name": g.Name}); err != nil {
		if sqlState(err) == uniqueViolation {
			err = fund.Duplicate("group", trimmed)
		} else {
			err = fmt.Errorf("%s: insert group: %w", component, err)
		}
		s.observe(ctx, "create_group", err)
		return fund.Group{}, err
	}
	s.observe(ctx, "create_group", nil)
	return g, nil
}

// RenameGroup changes the name of group id.
func (s *Store) RenameGroup(ctx context.Context, id, name string) (fund.Group, error) {
	trimmed, err := fund.NormalizeGroupName(name)
	if err != nil {
		return fund.Group{}, err
	}
	pool, err := s.ensurePool()
	if err != nil {
		return fund.Group{}, err
	}
	var count int64
	err = pool.QueryRow(ctx, groupRenameSQL, pgx.NamedArgs{"id": id, "name": trimmed}).Scan(&count)
	switch {
	case err == nil:
	case missing(err):
		err = fund.NotFound("group", id)
	case sqlState(err) == uniqueViolation:
		err = fund.Duplicate("group", trimmed)
	default:
		err = fmt.Errorf("%s: rename group: %w", component, err)
	}
	s.observe(ctx, "rename_group", err)
	if err != nil {
		return fund.Group{}, err
	}
	return fund.Group{ID: id, Name: trimmed, FundCount: int(count)}, nil
}

// DeleteGroup removes group id and ungroups its funds.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		args := pgx.NamedArgs{"id": id}
		if _, err := tx.Exec(ctx, groupUngroupSQL, args); err != nil {
			if missing(err) {
				return fund.NotFound("group", id)
			}
			return fmt.Errorf("%s: ungroup funds: %w", component, err)
		}
		tag, err := tx.Exec(ctx, groupDeleteSQL, args)
		if err != nil {
			return fmt.Errorf("%s: delete group: %w", component, err)
		}
		if tag.RowsAffected() == 0 {
			return fund.NotFound("group", id)
		}
		return nil
	})
	s.observe(ctx, "delete_group", err)
	return err
}
