package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type TxContextKey string

const txKey = TxContextKey("tx-context-key")

type Tx interface {
	Queryer
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transaction wraps sqlx.Tx. Only the caller that began it may commit or roll it back;
// callers that join it through GetTx get a handle whose Commit and Rollback do nothing.
type Transaction struct {
	*sqlx.Tx
	logger   ectologger.Logger
	isClosed bool
}

type joinedTx struct {
	*Transaction
}

func (j *joinedTx) Commit(context.Context) error   { return nil }
func (j *joinedTx) Rollback(context.Context) error { return nil }

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) *Transaction {
	return &Transaction{
		Tx:     tx,
		logger: logger,
	}
}

// GetTx joins the transaction already carried by ctx, or begins a new one and stores it in the
// returned context.
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if existing, ok := ctx.Value(txKey).(*Transaction); ok && existing != nil && existing.IsOpen() {
		return ctx, &joinedTx{existing}, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction: %w", err)
	}

	newTx := NewTx(tx, logger)
	return context.WithValue(ctx, txKey, newTx), newTx, nil
}

// FromContext returns the open transaction in ctx, if any.
func FromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey).(*Transaction)
	if !ok || tx == nil || !tx.IsOpen() {
		return nil, false
	}
	return &joinedTx{tx}, true
}

func (t *Transaction) IsOpen() bool {
	return !t.isClosed
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	t.isClosed = true
	if err := t.Tx.Rollback(); err != nil && err != sql.ErrTxDone {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction: %w", err)
	}
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	t.isClosed = true
	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction. The transaction commits when fn returns nil and rolls
// back otherwise. If ctx already carries a transaction, fn joins it and the outer owner decides.
func WithTx(ctx context.Context, db DB, fn func(ctx context.Context) error) error {
	ctxTx, tx, err := db.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctxTx)

	if err := fn(ctxTx); err != nil {
		return err
	}
	return tx.Commit(ctxTx)
}

// Conn returns the transaction in ctx when there is one, or db otherwise.
func Conn(ctx context.Context, db DB) Queryer {
	if tx, ok := FromContext(ctx); ok {
		return tx
	}
	return db
}
