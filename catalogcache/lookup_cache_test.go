package catalogcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-catalog-cache/cache"
)

func newSturdycMemo(t *testing.T) cache.LookupMemo {
	t.Helper()
	memo, err := cache.NewLookupMemo(cache.DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create memo: %v", err)
	}
	return memo
}

func TestLookupCache_FindRunsNarrowQuery(t *testing.T) {
	src := scriptedCatalog()
	tables := newTables(t, src)
	schema := &testSchema{Name: "PUBLIC"}

	first, err := tables.Find(context.Background(), schema, "ORDERS")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	second, err := tables.Find(context.Background(), schema, "ORDERS")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	if first != second {
		t.Error("expected the found instance to be reused")
	}
	if first.Schema != schema {
		t.Error("expected owner to be set on the found table")
	}
	if calls := src.Calls("table"); calls != 1 {
		t.Errorf("expected 1 lookup query, got %d", calls)
	}
	if calls := src.Calls("tables"); calls != 0 {
		t.Errorf("expected no full load, got %d", calls)
	}
	assertState(t, cache.StatePartial, tables.State())

	queries := src.Queries()
	if got := queries[0].Args; len(got) != 2 || got[1] != "ORDERS" {
		t.Errorf("expected lookup query args to carry the name, got %v", got)
	}
}

func TestLookupCache_Misses(t *testing.T) {
	schema := &testSchema{Name: "PUBLIC"}

	tests := []struct {
		name      string
		memo      func(t *testing.T) cache.LookupMemo
		wantCalls int
	}{
		{name: "in-flight memo asks again", memo: func(*testing.T) cache.LookupMemo { return cache.NewInflightMemo() }, wantCalls: 2},
		{name: "sturdyc memo remembers misses", memo: newSturdycMemo, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := scriptedCatalog()
			tables := newTables(t, src, WithMemo(tt.memo(t)))

			for i := 0; i < 2; i++ {
				_, err := tables.Find(context.Background(), schema, "MISSING")
				if !errors.Is(err, cache.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
				var nf *cache.NotFoundError
				if !errors.As(err, &nf) || nf.Name != "MISSING" || nf.Cache != "tables" {
					t.Errorf("expected NotFoundError naming the miss, got %#v", err)
				}
			}
			if calls := src.Calls("table"); calls != tt.wantCalls {
				t.Errorf("expected %d lookup queries, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestLookupCache_LoadedCacheAnswersFromIndex(t *testing.T) {
	src := scriptedCatalog()
	tables := newTables(t, src)
	schema := &testSchema{Name: "PUBLIC"}

	if _, err := tables.Load(context.Background(), schema); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, err := tables.Find(context.Background(), schema, "ITEMS"); err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if _, err := tables.Find(context.Background(), schema, "NOPE"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls := src.Calls("table"); calls != 0 {
		t.Errorf("expected no lookup queries on a loaded cache, got %d", calls)
	}
}

func TestLookupCache_LookupThenLoad(t *testing.T) {
	schema := &testSchema{Name: "PUBLIC"}

	t.Run("in place keeps found instance", func(t *testing.T) {
		src := scriptedCatalog()
		tables := NewLookupCache(src, tableFetcher(MergeInPlace, nil))

		found, err := tables.Find(context.Background(), schema, "ORDERS")
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		src.SetRows("tables", tableRow("ORDERS", "v2"), tableRow("ITEMS", "items"))
		if _, err := tables.Load(context.Background(), schema); err != nil {
			t.Fatalf("load failed: %v", err)
		}

		got, ok := tables.CachedObject("ORDERS")
		if !ok || got != found {
			t.Fatal("expected the found instance to survive the load")
		}
		if got.Comment != "v2" {
			t.Errorf("expected fields from the full load, got %q", got.Comment)
		}
	})

	t.Run("replace serves full load values", func(t *testing.T) {
		src := scriptedCatalog()
		tables := newTables(t, src)

		if _, err := tables.Find(context.Background(), schema, "ORDERS"); err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		src.SetRows("tables", tableRow("ORDERS", "v2"))
		if _, err := tables.Load(context.Background(), schema); err != nil {
			t.Fatalf("load failed: %v", err)
		}
		got, err := tables.Find(context.Background(), schema, "ORDERS")
		if err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		if got.Comment != "v2" {
			t.Errorf("expected fields from the full load, got %q", got.Comment)
		}
	})

	t.Run("found object missing from load is removed", func(t *testing.T) {
		src := scriptedCatalog()
		tables := newTables(t, src)

		if _, err := tables.Find(context.Background(), schema, "CUSTOMERS"); err != nil {
			t.Fatalf("Find failed: %v", err)
		}
		src.SetRows("tables", tableRow("ORDERS", "orders"))
		if _, err := tables.Load(context.Background(), schema); err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if _, ok := tables.CachedObject("CUSTOMERS"); ok {
			t.Error("expected CUSTOMERS to be dropped by the full load")
		}
		if _, err := tables.Find(context.Background(), schema, "CUSTOMERS"); !errors.Is(err, cache.ErrNotFound) {
			t.Errorf("expected ErrNotFound after load, got %v", err)
		}
	})
}

func TestLookupCache_NameFolding(t *testing.T) {
	src := scriptedCatalog()
	tables := newTables(t, src, WithNameNormalizer(cache.FoldUpper.Normalizer(true)))
	schema := &testSchema{Name: "PUBLIC"}

	got, err := tables.Find(context.Background(), schema, "orders")
	if err != nil {
		t.Fatalf("expected folded lookup to match, got %v", err)
	}
	if got.Name != "ORDERS" {
		t.Errorf("expected ORDERS, got %s", got.Name)
	}
	if _, err := tables.Find(context.Background(), schema, `"orders"`); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected quoted name to match exactly, got %v", err)
	}
	if _, ok := tables.CachedObject("Orders"); !ok {
		t.Error("expected CachedObject to fold its key too")
	}
}

func TestLookupCache_MemoForgottenOnLoadAndInvalidate(t *testing.T) {
	src := scriptedCatalog()
	tables := newTables(t, src, WithMemo(newSturdycMemo(t)))
	schema := &testSchema{Name: "PUBLIC"}
	ctx := context.Background()

	if _, err := tables.Find(ctx, schema, "LATE"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected miss, got %v", err)
	}
	src.SetRows("table", tableRow("LATE", "created later"))
	if _, err := tables.Find(ctx, schema, "LATE"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected remembered miss, got %v", err)
	}

	tables.Invalidate()
	if _, err := tables.Find(ctx, schema, "LATE"); err != nil {
		t.Fatalf("expected invalidate to forget the miss, got %v", err)
	}

	if _, err := tables.Find(ctx, schema, "LATER"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expected miss, got %v", err)
	}
	src.SetRows("tables", tableRow("LATE", ""), tableRow("LATER", ""))
	if _, err := tables.Load(ctx, schema); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, err := tables.Find(ctx, schema, "LATER"); err != nil {
		t.Fatalf("expected load to supersede the miss, got %v", err)
	}
}

func TestLookupCache_ConcurrentFindsShareOneQuery(t *testing.T) {
	src := scriptedCatalog()
	gate := src.Gate("table")
	tables := newTables(t, src, WithMemo(newSturdycMemo(t)))
	schema := &testSchema{Name: "PUBLIC"}

	const callers = 6
	var wg sync.WaitGroup
	found := make([]*testTable, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			found[i], errs[i] = tables.Find(context.Background(), schema, "ITEMS")
		}(i)
	}
	<-gate.Entered()
	gate.Release()
	wg.Wait()

	for i := range found {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if found[i] != found[0] {
			t.Errorf("caller %d got a different instance", i)
		}
	}
	if calls := src.Calls("table"); calls != 1 {
		t.Errorf("expected 1 lookup query, got %d", calls)
	}
}

func TestLookupCache_JoinedFindOutlivesCancelledLeader(t *testing.T) {
	src := scriptedCatalog()
	gate := src.Gate("table")
	tables := newTables(t, src)
	schema := &testSchema{Name: "PUBLIC"}

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := tables.Find(leaderCtx, schema, "ITEMS")
		leaderErr <- err
	}()
	<-gate.Entered()

	type result struct {
		table *testTable
		err   error
	}
	follower := make(chan result, 1)
	go func() {
		found, err := tables.Find(context.Background(), schema, "ITEMS")
		follower <- result{found, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-leaderErr; !cache.IsCancellation(err) {
		t.Fatalf("expected leader cancellation, got %v", err)
	}
	gate.Release()

	res := <-follower
	if res.err != nil {
		t.Fatalf("expected joined Find to succeed, got %v", res.err)
	}
	if res.table.Name != "ITEMS" {
		t.Errorf("expected ITEMS, got %s", res.table.Name)
	}
	if calls := src.Calls("table"); calls != 2 {
		t.Errorf("expected the cancelled lookup to be retried once, got %d calls", calls)
	}
}

func TestLookupCache_InvalidateDuringFind(t *testing.T) {
	src := scriptedCatalog()
	gate := src.Gate("table")
	tables := newTables(t, src)
	schema := &testSchema{Name: "PUBLIC"}

	done := make(chan error, 1)
	var got *testTable
	go func() {
		var err error
		got, err = tables.Find(context.Background(), schema, "ORDERS")
		done <- err
	}()
	<-gate.Entered()
	tables.Invalidate()
	gate.Release()

	if err := <-done; err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got == nil || got.Name != "ORDERS" {
		t.Fatalf("expected the lookup result, got %+v", got)
	}
	if _, ok := tables.CachedObject("ORDERS"); ok {
		t.Error("expected a result fetched across an invalidation not to be cached")
	}
	assertState(t, cache.StateEmpty, tables.State())
}

func TestLookupCache_FindWithoutLookupQueryLoadsAll(t *testing.T) {
	src := scriptedCatalog()
	fetch := tableFetcher(MergeReplace, nil)
	fetch.BuildLookupQuery = nil
	tables := NewLookupCache(src, fetch)

	got, err := tables.Find(context.Background(), &testSchema{Name: "PUBLIC"}, "ITEMS")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if got.Name != "ITEMS" {
		t.Errorf("expected ITEMS, got %s", got.Name)
	}
	if calls := src.Calls("tables"); calls != 1 {
		t.Errorf("expected a full load, got %d", calls)
	}
	assertState(t, cache.StateLoaded, tables.State())
}

func TestLookupCache_FindTransportError(t *testing.T) {
	src := scriptedCatalog().SetError("table", errors.New("authentication failed"))
	tables := newTables(t, src)

	_, err := tables.Find(context.Background(), &testSchema{Name: "PUBLIC"}, "ORDERS")
	if !cache.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if errors.Is(err, cache.ErrNotFound) {
		t.Error("transport failure must not look like a miss")
	}
	assertState(t, cache.StateEmpty, tables.State())
}
