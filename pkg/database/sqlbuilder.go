package database

import (
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
)

func Excluded(column string) string {
	return fmt.Sprintf("EXCLUDED.%s", column)
}

type InsertBuilder struct {
	*sqlbuilder.InsertBuilder
}

func NewInsertBuilder() *InsertBuilder {
	return &InsertBuilder{sqlbuilder.PostgreSQL.NewInsertBuilder()}
}

// OnConflictUpdate appends "ON CONFLICT (keys) DO UPDATE SET col = EXCLUDED.col, ..." for every
// listed column, followed by any raw assignments.
func (b *InsertBuilder) OnConflictUpdate(keys []string, columns []string, raw ...string) *InsertBuilder {
	return b.onConflict("("+strings.Join(keys, ", ")+")", columns, raw)
}

// OnConstraintUpdate is OnConflictUpdate with a named constraint as the arbiter.
func (b *InsertBuilder) OnConstraintUpdate(constraint string, columns []string, raw ...string) *InsertBuilder {
	return b.onConflict("ON CONSTRAINT "+constraint, columns, raw)
}

func (b *InsertBuilder) onConflict(target string, columns []string, raw []string) *InsertBuilder {
	assignments := make([]string, 0, len(columns)+len(raw))
	for _, col := range columns {
		assignments = append(assignments, fmt.Sprintf("%s = %s", col, Excluded(col)))
	}
	assignments = append(assignments, raw...)

	b.SQL(fmt.Sprintf("ON CONFLICT %s DO UPDATE SET %s", target, strings.Join(assignments, ", ")))
	return b
}

func (b *InsertBuilder) OnConflictDoNothing() *InsertBuilder {
	b.SQL("ON CONFLICT DO NOTHING")
	return b
}

func NewUpdateBuilder() *sqlbuilder.UpdateBuilder {
	return sqlbuilder.PostgreSQL.NewUpdateBuilder()
}

func NewSelectBuilder() *sqlbuilder.SelectBuilder {
	return sqlbuilder.PostgreSQL.NewSelectBuilder()
}

type Struct struct {
	*sqlbuilder.Struct
}

func NewStruct(v any) *Struct {
	return &Struct{sqlbuilder.NewStruct(v).For(sqlbuilder.PostgreSQL)}
}

const LeftJoin = sqlbuilder.LeftJoin
