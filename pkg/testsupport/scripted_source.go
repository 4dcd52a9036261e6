package testsupport

import (
	"context"
	"sync"

	"github.com/goliatone/go-catalog-cache/cache"
)

// ScriptedSource is a cache.RowSource answering queries by name from scripted
// rows. It counts calls and can fail, fail mid-stream or block on a gate.
type ScriptedSource struct {
	mu      sync.Mutex
	rows    map[string][]cache.Row
	errs    map[string]error
	midErr  map[string]midStreamError
	gates   map[string]*Gate
	hooks   map[string]func(ctx context.Context, i int)
	calls   map[string]int
	queries []cache.Query
}

type midStreamError struct {
	after int
	err   error
}

// NewScriptedSource returns a source that answers every query with no rows.
func NewScriptedSource() *ScriptedSource {
	return &ScriptedSource{
		rows:   map[string][]cache.Row{},
		errs:   map[string]error{},
		midErr: map[string]midStreamError{},
		gates:  map[string]*Gate{},
		hooks:  map[string]func(ctx context.Context, i int){},
		calls:  map[string]int{},
	}
}

// Script replaces the rows of every named query.
func (s *ScriptedSource) Script(results map[string][]cache.Row) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rows := range results {
		s.rows[name] = rows
	}
	return s
}

// SetRows replaces the rows returned for query name.
func (s *ScriptedSource) SetRows(name string, rows ...cache.Row) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[name] = rows
	return s
}

// SetError makes query name fail before returning rows. A nil err clears it.
func (s *ScriptedSource) SetError(name string, err error) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, name)
	} else {
		s.errs[name] = err
	}
	return s
}

// FailAfter makes query name stop after n rows and report err from Rows.Err.
func (s *ScriptedSource) FailAfter(name string, n int, err error) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.midErr[name] = midStreamError{after: n, err: err}
	return s
}

// OnRow calls fn before row i (0-based) of query name is handed out.
func (s *ScriptedSource) OnRow(name string, fn func(ctx context.Context, i int)) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[name] = fn
	return s
}

// Gate makes the next calls of query name block until the gate is released
// or their context ends.
func (s *ScriptedSource) Gate(name string) *Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := &Gate{entered: make(chan struct{}), release: make(chan struct{})}
	s.gates[name] = g
	return g
}

// Calls reports how many times query name was run.
func (s *ScriptedSource) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Queries returns every query run, in order.
func (s *ScriptedSource) Queries() []cache.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cache.Query(nil), s.queries...)
}

// Query implements cache.RowSource.
func (s *ScriptedSource) Query(ctx context.Context, q cache.Query) (cache.Rows, error) {
	s.mu.Lock()
	s.calls[q.Name]++
	s.queries = append(s.queries, q)
	gate := s.gates[q.Name]
	err := s.errs[q.Name]
	rows := s.rows[q.Name]
	mid, hasMid := s.midErr[q.Name]
	hook := s.hooks[q.Name]
	s.mu.Unlock()

	if gate != nil {
		gate.enter()
		select {
		case <-gate.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := &scriptedRows{ctx: ctx, rows: rows, pos: -1, hook: hook, failAt: -1}
	if hasMid {
		r.failAt, r.failErr = mid.after, mid.err
	}
	return r, nil
}

// Gate blocks scripted queries until released.
type Gate struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	closed  sync.Once
}

// Entered is closed once a query reached the gate.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Release lets every waiting and future query through.
func (g *Gate) Release() {
	g.closed.Do(func() { close(g.release) })
}

func (g *Gate) enter() {
	g.once.Do(func() { close(g.entered) })
}

type scriptedRows struct {
	ctx     context.Context
	rows    []cache.Row
	pos     int
	hook    func(ctx context.Context, i int)
	failAt  int
	failErr error
	err     error
	closed  bool
}

func (r *scriptedRows) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	next := r.pos + 1
	if r.failAt >= 0 && next >= r.failAt {
		r.err = r.failErr
		return false
	}
	if next >= len(r.rows) {
		return false
	}
	if r.hook != nil {
		r.hook(r.ctx, next)
	}
	if err := r.ctx.Err(); err != nil {
		r.err = err
		return false
	}
	r.pos = next
	return true
}

func (r *scriptedRows) Row() cache.Row {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return nil
	}
	return r.rows[r.pos].Clone()
}

func (r *scriptedRows) Err() error {
	return r.err
}

func (r *scriptedRows) Close() error {
	r.closed = true
	return nil
}
