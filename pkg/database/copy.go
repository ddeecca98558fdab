package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// CopyRows streams rows into table with the COPY protocol. It must run inside a transaction
// because lib/pq only supports COPY on a tx-bound statement.
func CopyRows(ctx context.Context, tx Queryer, table string, columns []string, rows [][]any) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
	if err != nil {
		return fmt.Errorf("prepare copy into %s: %w", table, err)
	}
	defer stmt.Close()

	for i, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("copy row %d into %s: %w", i, table, err)
		}
	}

	// flush
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flush copy into %s: %w", table, err)
	}
	return nil
}

// ScratchTable is a temporary table dropped at commit. It mirrors the listed columns of a
// target table plus an ordinal recording source order.
type ScratchTable struct {
	Name    string
	Like    string
	Columns []string
}

// Create creates the scratch table in the current transaction.
func (s ScratchTable) Create(ctx context.Context, tx Queryer) error {
	cols := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		cols = append(cols, pq.QuoteIdentifier(c))
	}

	query := fmt.Sprintf(
		`CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s, 0::bigint AS ord FROM %s WITH NO DATA`,
		pq.QuoteIdentifier(s.Name), strings.Join(cols, ", "), pq.QuoteIdentifier(s.Like),
	)
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create scratch table %s: %w", s.Name, err)
	}
	return nil
}

// CopyColumns is Columns plus the ordinal column.
func (s ScratchTable) CopyColumns() []string {
	return append(append([]string{}, s.Columns...), "ord")
}
