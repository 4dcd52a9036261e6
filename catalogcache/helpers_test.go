package catalogcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-catalog-cache/cache"
	"github.com/goliatone/go-catalog-cache/pkg/testsupport"
)

type testSchema struct {
	Name string
}

func (s *testSchema) CacheKey() string { return s.Name }

type testTable struct {
	Schema  *testSchema
	Name    string
	Comment string
}

func (t *testTable) CacheKey() string { return t.Name }

type testIndex struct {
	Table   *testTable
	Name    string
	Unique  bool
	Columns []string
}

func (i *testIndex) CacheKey() string { return i.Name }

type testColumn struct {
	Table    *testTable
	Name     string
	Position int
	Depth    int
	Fields   []*testColumn
}

func (c *testColumn) CacheKey() string { return c.Name }

type testProc struct {
	Name     string
	Overload int
	Args     string
}

func (p *testProc) CacheKey() string { return OverloadKey(p.Name, p.Overload) }

func tableRow(name, comment string) cache.Row {
	return cache.Row{"TABLE_NAME": name, "REMARKS": comment}
}

func tableNames(tables []*testTable) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}

func indexNames(indexes []*testIndex) []string {
	out := make([]string, len(indexes))
	for i, idx := range indexes {
		out[i] = idx.Table.Name + "." + idx.Name
	}
	return out
}

func columnNames(cols []*testColumn) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// tableFetcher reads tables from the "tables" query and single tables from
// the "table" query. updates counts in-place merges.
func tableFetcher(policy MergePolicy, updates *atomic.Int32) LookupFetcher[*testSchema, *testTable] {
	f := LookupFetcher[*testSchema, *testTable]{
		Fetcher: Fetcher[*testSchema, *testTable]{
			BuildQuery: func(s *testSchema) (cache.Query, error) {
				return cache.Query{Name: "tables", Text: "SELECT * FROM tables WHERE schema = ?", Args: []any{s.Name}}, nil
			},
			RowToEntity: func(ctx context.Context, s *testSchema, row cache.Row) (*testTable, error) {
				name := row.Trimmed("TABLE_NAME")
				if name == "" {
					return nil, errors.New("missing TABLE_NAME")
				}
				return &testTable{Schema: s, Name: name, Comment: row.String("REMARKS")}, nil
			},
			Policy: policy,
		},
		BuildLookupQuery: func(s *testSchema, name string) (cache.Query, error) {
			return cache.Query{Name: "table", Args: []any{s.Name, name}}, nil
		},
	}
	if policy == MergeInPlace {
		f.Update = func(existing, fresh *testTable) {
			if updates != nil {
				updates.Add(1)
			}
			existing.Comment = fresh.Comment
		}
	}
	return f
}

func newTables(t *testing.T, src cache.RowSource, opts ...Option) *LookupCache[*testSchema, *testTable] {
	t.Helper()
	return NewLookupCache(src, tableFetcher(MergeReplace, nil), append([]Option{WithName("tables")}, opts...)...)
}

// indexFetcher folds one row per index column. The "indexes" query covers
// every table, "table_indexes" a single one.
func indexFetcher(assembled *atomic.Int32) CompositeFetcher[*testSchema, *testTable, *testIndex, string] {
	return CompositeFetcher[*testSchema, *testTable, *testIndex, string]{
		BuildQuery: func(s *testSchema, parent *testTable) (cache.Query, error) {
			if parent == nil {
				return cache.Query{Name: "indexes", Args: []any{s.Name}}, nil
			}
			return cache.Query{Name: "table_indexes", Args: []any{s.Name, parent.Name}}, nil
		},
		ParentField:  "TABLE_NAME",
		ChildField:   "INDEX_NAME",
		SeqField:     "ORDINAL",
		SubKeyField:  "COLUMN_NAME",
		EncodedField: "COLUMNS",
		NewChild: func(ctx context.Context, s *testSchema, parent *testTable, row cache.Row) (*testIndex, error) {
			return &testIndex{Table: parent, Name: row.Trimmed("INDEX_NAME"), Unique: row.Bool("UNIQUE")}, nil
		},
		NewSubRow: func(ctx context.Context, parent *testTable, idx *testIndex, sub SubRow) (string, error) {
			if sub.Key == "" {
				return "", errors.New("missing column name")
			}
			return sub.Key, nil
		},
		Assembled: func(idx *testIndex, cols []string) {
			if assembled != nil {
				assembled.Add(1)
			}
			idx.Columns = cols
		},
	}
}

func indexRow(table, index, column string, ordinal int) cache.Row {
	return cache.Row{"TABLE_NAME": table, "INDEX_NAME": index, "COLUMN_NAME": column, "ORDINAL": ordinal}
}

func columnFetcher() ChildFetcher[*testSchema, *testTable, *testColumn] {
	return ChildFetcher[*testSchema, *testTable, *testColumn]{
		ParentField: "TABLE_NAME",
		BuildQuery: func(s *testSchema, parent *testTable) (cache.Query, error) {
			if parent == nil {
				return cache.Query{Name: "columns", Args: []any{s.Name}}, nil
			}
			return cache.Query{Name: "table_columns", Args: []any{s.Name, parent.Name}}, nil
		},
		NewChild: func(ctx context.Context, s *testSchema, parent *testTable, row cache.Row) (*testColumn, error) {
			return &testColumn{Table: parent, Name: row.Trimmed("COLUMN_NAME"), Position: row.Int("ORDINAL_POSITION")}, nil
		},
		Compare: func(a, b *testColumn) int { return a.Position - b.Position },
	}
}

func columnRow(table, column string, pos int) cache.Row {
	return cache.Row{"TABLE_NAME": table, "COLUMN_NAME": column, "ORDINAL_POSITION": pos}
}

func scriptedCatalog() *testsupport.ScriptedSource {
	return testsupport.NewScriptedSource().
		SetRows("tables", tableRow("ORDERS", "orders"), tableRow("CUSTOMERS", "customers"), tableRow("ITEMS", "items")).
		SetRows("table", tableRow("ORDERS", "orders"), tableRow("CUSTOMERS", "customers"), tableRow("ITEMS", "items"))
}

func assertState(t *testing.T, want cache.State, got cache.State) {
	t.Helper()
	if got != want {
		t.Fatalf("expected state %s, got %s", want, got)
	}
}

// waitForState polls until the cache settles in want. A cancelled caller can
// return before the shared load it abandoned has unwound.
func waitForState(t *testing.T, want cache.State, state func() cache.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for state() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected state %s, got %s", want, state())
		}
		time.Sleep(time.Millisecond)
	}
}
