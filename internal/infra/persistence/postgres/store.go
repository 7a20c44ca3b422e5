package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/fund"
	"github.com/coachpo/fundwatch/internal/infra/persistence"
	"github.com/coachpo/fundwatch/internal/telemetry"
)

const component = "fund/postgres"

// SQLSTATE codes mapped onto the errs taxonomy.
const (
	uniqueViolation           = "23505"
	foreignKeyViolation       = "23503"
	invalidTextRepresentation = "22P02"
)

var errNilPool = errs.New(component, errs.CodeUnavailable, errs.WithMessage("nil pool"))

// Store implements fund.Repository on PostgreSQL.
type Store struct {
	*persistence.Store

	operations metric.Int64Counter
}

var _ fund.Repository = (*Store)(nil)

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	store := &Store{Store: persistence.NewStore(pool)}
	meter := otel.Meter("persistence.postgres")
	store.operations, _ = meter.Int64Counter(telemetry.MetricStoreOperations,
		metric.WithDescription("Store operations by result"),
		metric.WithUnit("{operation}"))
	return store
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	s.Store.Close()
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	pool := s.Pool()
	if pool == nil {
		return nil, errNilPool
	}
	return pool, nil
}

// inTx runs fn in a read-committed transaction, committing when fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("%s: begin tx: %w", component, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit tx: %w", component, err)
	}
	return nil
}

func (s *Store) observe(ctx context.Context, operation string, err error) {
	if s.operations == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(errs.CodeOf(err))
	}
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), operation, result)
	attrs = append(attrs, telemetry.AttrStoreDriver.String("postgres"))
	s.operations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// sqlState returns the SQLSTATE of a server error, or "".
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// missing reports whether err means the addressed row does not exist.
func missing(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || sqlState(err) == invalidTextRepresentation
}
