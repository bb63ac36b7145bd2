package engine

import (
	"context"
	"fmt"
	"strings"

	"nestfetch/internal/metadata"
	"nestfetch/internal/store"
)

// Resolver maps relation names to their metadata. *metadata.Registry
// satisfies it; tests use an in-memory fake.
type Resolver interface {
	Entity(name string) *metadata.Entity
	RelationFor(sourceEntity, relationName string) *metadata.Relation
}

// RowFetcher issues one parameterized fetch-by-key-set per call. The store
// driver behind it owns the connection pool and any retry policy.
type RowFetcher interface {
	FetchRows(ctx context.Context, table, filterColumn string, values []any, constraints []metadata.Constraint) ([]map[string]any, error)
}

// StoreFetcher implements RowFetcher over the pgx store.
type StoreFetcher struct {
	q   store.Querier
	reg *metadata.Registry
}

func NewStoreFetcher(q store.Querier, reg *metadata.Registry) *StoreFetcher {
	return &StoreFetcher{q: q, reg: reg}
}

type paramBuilder struct {
	params []any
	n      int
}

func (p *paramBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

// FetchRows selects rows whose filterColumn is in the value set, applying
// any static relation constraints as additional WHERE clauses.
func (f *StoreFetcher) FetchRows(ctx context.Context, table, filterColumn string, values []any, constraints []metadata.Constraint) ([]map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}

	pb := &paramBuilder{}
	where := []string{fmt.Sprintf("%s = ANY(%s)", filterColumn, pb.Add(values))}
	for _, c := range constraints {
		clause, err := constraintSQL(c, pb)
		if err != nil {
			return nil, err
		}
		where = append(where, clause)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		f.columnList(table), table, strings.Join(where, " AND "))

	rows, err := store.QueryRows(ctx, f.q, sql, pb.params...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s by %s: %w", table, filterColumn, err)
	}
	return rows, nil
}

func constraintSQL(c metadata.Constraint, pb *paramBuilder) (string, error) {
	op, ok := map[string]string{
		"eq": "=", "neq": "!=", "gt": ">", "gte": ">=", "lt": "<", "lte": "<=",
	}[c.Operator]
	if ok {
		return fmt.Sprintf("%s %s %s", c.Column, op, pb.Add(c.Value)), nil
	}
	if c.Operator == "in" {
		return fmt.Sprintf("%s = ANY(%s)", c.Column, pb.Add(c.Value)), nil
	}
	return "", fmt.Errorf("unknown constraint operator: %s", c.Operator)
}

// columnList returns the explicit column list for the entity owning the
// table, or * when the table is not registered.
func (f *StoreFetcher) columnList(table string) string {
	for _, e := range f.reg.AllEntities() {
		if e.Table == table {
			return strings.Join(e.FieldNames(), ", ")
		}
	}
	return "*"
}
