package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/coachpo/fundwatch/internal/fund"
)

const fundColumns = `
    id::text,
    code,
    name,
    current_value,
    change_rate,
    net_value,
    net_value_date,
    update_time,
    group_id::text,
    is_updating,
    last_error,
    updated_at`

const (
	fundListSQL = `SELECT` + fundColumns + `
FROM funds
ORDER BY seq;
`
	fundByIDSQL = `SELECT` + fundColumns + `
FROM funds
WHERE id = @id::uuid;
`
	fundByIDForUpdateSQL = `SELECT` + fundColumns + `
FROM funds
WHERE id = @id::uuid
FOR UPDATE;
`
	fundByCodeSQL = `SELECT` + fundColumns + `
FROM funds
WHERE code = @code;
`
	fundInsertSQL = `
INSERT INTO funds (
    id,
    code,
    name,
    current_value,
    change_rate,
    net_value,
    net_value_date,
    update_time,
    group_id,
    is_updating,
    last_error,
    updated_at
)
VALUES (
    @id::uuid,
    @code,
    @name,
    @current_value,
    @change_rate,
    @net_value,
    @net_value_date,
    @update_time,
    @group_id::uuid,
    @is_updating,
    @last_error,
    @updated_at
);
`
	fundUpdateSQL = `
UPDATE funds SET
    name = @name,
    current_value = @current_value,
    change_rate = @change_rate,
    net_value = @net_value,
    net_value_date = @net_value_date,
    update_time = @update_time,
    group_id = @group_id::uuid,
    is_updating = @is_updating,
    last_error = @last_error,
    updated_at = @updated_at
WHERE id = @id::uuid;
`
	fundDeleteSQL = `DELETE FROM funds WHERE id = @id::uuid;`
)

// List returns all funds in insertion order.
func (s *Store) List(ctx context.Context) ([]fund.Fund, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	funds, err := queryFunds(ctx, pool)
	s.observe(ctx, "list", err)
	return funds, err
}

// FindByID returns the fund with id.
func (s *Store) FindByID(ctx context.Context, id string) (fund.Fund, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return fund.Fund{}, err
	}
	f, err := scanFund(pool.QueryRow(ctx, fundByIDSQL, pgx.NamedArgs{"id": id}))
	if err != nil {
		if missing(err) {
			return fund.Fund{}, fund.NotFound("fund", id)
		}
		return fund.Fund{}, fmt.Errorf("%s: find fund: %w", component, err)
	}
	return f, nil
}

// FindByCode returns the fund tracking code.
func (s *Store) FindByCode(ctx context.Context, code string) (fund.Fund, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return fund.Fund{}, err
	}
	f, err := scanFund(pool.QueryRow(ctx, fundByCodeSQL, pgx.NamedArgs{"code": code}))
	if err != nil {
		if missing(err) {
			return fund.Fund{}, fund.NotFound("code", code)
		}
		return fund.Fund{}, fmt.Errorf("%s: find fund by code: %w", component, err)
	}
	return f, nil
}

// Create inserts f, assigning an ID when blank. Codes are unique.
func (s *Store) Create(ctx context.Context, f fund.Fund) (fund.Fund, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return fund.Fund{}, err
	}
	if strings.TrimSpace(f.ID) == "" {
		f.ID = uuid.NewString()
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}
	_, err = pool.Exec(ctx, fundInsertSQL, fundArgs(f))
	if err != nil {
		switch sqlState(err) {
		case uniqueViolation:
			err = fund.Duplicate("code", f.Code)
		case foreignKeyViolation:
			err = fund.NotFound("group", f.GroupID)
		default:
			err = fmt.Errorf("%s: insert fund: %w", component, err)
		}
	}
	s.observe(ctx, "create", err)
	if err != nil {
		return fund.Fund{}, err
	}
	return f, nil
}

// Update applies mutate to the row locked for update and writes it back.
// ID and Code are immutable.
func (s *Store) Update(ctx context.Context, id string, mutate fund.Mutation) (fund.Fund, error) {
	var next fund.Fund
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanFund(tx.QueryRow(ctx, fundByIDForUpdateSQL, pgx.NamedArgs{"id": id}))
		if err != nil {
			if missing(err) {
				return fund.NotFound("fund", id)
			}
			return fmt.Errorf("%s: lock fund: %w", component, err)
		}
		next = current
		if mutate != nil {
			if err := mutate(&next); err != nil {
				return err
			}
		}
		next.ID = current.ID
		next.Code = current.Code
		if _, err := tx.Exec(ctx, fundUpdateSQL, fundArgs(next)); err != nil {
			if sqlState(err) == foreignKeyViolation {
				return fund.NotFound("group", next.GroupID)
			}
			return fmt.Errorf("%s: update fund: %w", component, err)
		}
		return nil
	})
	s.observe(ctx, "update", err)
	if err != nil {
		return fund.Fund{}, err
	}
	return next, nil
}

// Delete removes the fund with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, fundDeleteSQL, pgx.NamedArgs{"id": id})
	switch {
	case err != nil && missing(err):
		err = fund.NotFound("fund", id)
	case err != nil:
		err = fmt.Errorf("%s: delete fund: %w", component, err)
	case tag.RowsAffected() == 0:
		err = fund.NotFound("fund", id)
	}
	s.observe(ctx, "delete", err)
	return err
}

func queryFunds(ctx context.Context, q querier) ([]fund.Fund, error) {
	rows, err := q.Query(ctx, fundListSQL)
	if err != nil {
		return nil, fmt.Errorf("%s: list funds: %w", component, err)
	}
	defer rows.Close()

	funds := make([]fund.Fund, 0)
	for rows.Next() {
		f, err := scanFund(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan fund: %w", component, err)
		}
		funds = append(funds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate funds: %w", component, err)
	}
	return funds, nil
}

func scanFund(row pgx.Row) (fund.Fund, error) {
	var (
		f                         fund.Fund
		current, change, netValue pgtype.Numeric
		groupID                   pgtype.Text
	)
	if err := row.Scan(
		&f.ID,
		&f.Code,
		&f.Name,
		&current,
		&change,
		&netValue,
		&f.NetValueDate,
		&f.UpdateTime,
		&groupID,
		&f.IsUpdating,
		&f.LastError,
		&f.UpdatedAt,
	); err != nil {
		return fund.Fund{}, err
	}
	var err error
	if f.CurrentValue, err = decimalFromNumeric(current); err != nil {
		return fund.Fund{}, fmt.Errorf("current_value: %w", err)
	}
	if f.ChangeRate, err = decimalFromNumeric(change); err != nil {
		return fund.Fund{}, fmt.Errorf("change_rate: %w", err)
	}
	if f.NetValue, err = decimalFromNumeric(netValue); err != nil {
		return fund.Fund{}, fmt.Errorf("net_value: %w", err)
	}
	if groupID.Valid {
		f.GroupID = groupID.String
	}
	f.UpdatedAt = f.UpdatedAt.UTC()
	return f, nil
}

func fundArgs(f fund.Fund) pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":             f.ID,
		"code":           f.Code,
		"name":           f.Name,
		"current_value":  numericFromDecimal(f.CurrentValue),
		"change_rate":    numericFromDecimal(f.ChangeRate),
		"net_value":      numericFromDecimal(f.NetValue),
		"net_value_date": f.NetValueDate,
		"update_time":    f.UpdateTime,
		"group_id":       nullableString(f.GroupID),
		"is_updating":    f.IsUpdating,
		"last_error":     f.LastError,
		"updated_at":     f.UpdatedAt,
	}
}

// nullableString maps a blank identifier to SQL NULL.
func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}
