package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var txTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pg_transactions_total",
	Help: "Outermost transactions by outcome.",
}, []string{"result"})

type Transactor interface {
	WithTx(ctx context.Context, function func(ctx context.Context) error) error
}

var _ Transactor = (*transactorImpl)(nil)

type transactorImpl struct {
	db     *DB
	logger *zap.Logger
	opts   pgx.TxOptions
}

// NewTransactor runs transactions at read committed. The claim queries rely
// on row locks, not on serializable snapshots.
func NewTransactor(db *DB, logger *zap.Logger) *transactorImpl {
	return &transactorImpl{
		db:     db,
		logger: logger.With(zap.String("component", "pg.tx")),
		opts:   pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
	}
}

// WithTx joins a transaction already carried by ctx. Only the outermost call
// commits, and a panic inside function rolls back before propagating.
func (t *transactorImpl) WithTx(ctx context.Context, function func(ctx context.Context) error) (txErr error) {
	if _, err := extractTx(ctx); err == nil {
		return function(ctx)
	}

	ctx, span := otel.Tracer("postgres").Start(ctx, "pg.tx")
	defer span.End()

	tx, err := t.db.Pool.BeginTx(ctx, t.opts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("can not begin transaction, error: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			t.rollback(ctx, tx)
			txTotal.WithLabelValues("panic").Inc()
			panic(p)
		}
		if txErr != nil {
			span.RecordError(txErr)
			t.rollback(ctx, tx)
			txTotal.WithLabelValues("rollback").Inc()
			return
		}
		if err := tx.Commit(ctx); err != nil {
			t.logger.Error("commit", zap.Error(err))
			txTotal.WithLabelValues("commit_error").Inc()
			txErr = fmt.Errorf("commit: %w", err)
			return
		}
		txTotal.WithLabelValues("commit").Inc()
	}()

	if err := function(context.WithValue(ctx, txInjector{}, tx)); err != nil {
		return fmt.Errorf("function execution error: %w", err)
	}
	return nil
}

func (t *transactorImpl) rollback(ctx context.Context, tx pgx.Tx) {
	// rollback must run even when ctx is already cancelled
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		t.logger.Error("rollback", zap.Error(err))
	}
}

type txInjector struct{}

var ErrTxNotFound = errors.New("tx not found in context")

func extractTx(ctx context.Context) (pgx.Tx, error) {
	tx, ok := ctx.Value(txInjector{}).(pgx.Tx)
	if !ok {
		return nil, ErrTxNotFound
	}
	return tx, nil
}

type execQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (db *DB) execQueryer(ctx context.Context) execQueryer {
	if tx, err := extractTx(ctx); err == nil && tx != nil {
		return tx
	}
	return db.Pool
}
