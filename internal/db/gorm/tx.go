package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Tx is an open transaction handed to a unit of work.
// Hooks registered with AfterCommit run only once the commit succeeded.
type Tx struct {
	DB          *gorm.DB
	afterCommit []func(ctx context.Context)
}

// AfterCommit registers fn to run after a successful commit. Hooks run in
// registration order and never run on rollback.
func (t *Tx) AfterCommit(fn func(ctx context.Context)) {
	t.afterCommit = append(t.afterCommit, fn)
}

// TxOption customises a transaction.
type TxOption func(*sql.TxOptions)

// WithIsolation overrides the isolation level.
func WithIsolation(level sql.IsolationLevel) TxOption {
	return func(o *sql.TxOptions) {
		o.Isolation = level
	}
}

// defaultIsolation is read committed; SQLite only knows serializable, so it keeps the driver default.
func (s *Store) defaultIsolation() sql.IsolationLevel {
	if s.IsPostgres() {
		return sql.LevelReadCommitted
	}
	return sql.LevelDefault
}

// RunInTransaction runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. A failed rollback is logged and the
// original error is returned.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error, opts ...TxOption) (err error) {
	txOpts := &sql.TxOptions{Isolation: s.defaultIsolation()}
	for _, opt := range opts {
		opt(txOpts)
	}

	gtx := s.DB.WithContext(ctx).Begin(txOpts)
	if gtx.Error != nil {
		return fmt.Errorf("begin transaction: %w", gtx.Error)
	}
	tx := &Tx{DB: gtx}

	defer func() {
		if r := recover(); r != nil {
			rollback(gtx, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		rollback(gtx, err)
		return err
	}

	if err = gtx.Commit().Error; err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	for _, hook := range tx.afterCommit {
		hook(ctx)
	}
	return nil
}

// RunInTransactionResult is RunInTransaction for units of work that return a value.
func RunInTransactionResult[T any](ctx context.Context, s *Store, fn func(ctx context.Context, tx *Tx) (T, error), opts ...TxOption) (T, error) {
	var out T
	err := s.RunInTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Run executes fn without a transaction.
func (s *Store) Run(ctx context.Context, fn func(ctx context.Context, db *gorm.DB) error) error {
	return fn(ctx, s.DB.WithContext(ctx))
}

func rollback(gtx *gorm.DB, cause error) {
	if rbErr := gtx.Rollback().Error; rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		log.Error().Err(rbErr).AnErr("cause", cause).Msg("Transaction rollback failed")
	}
}
