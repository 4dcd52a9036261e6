package catalogcache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/goliatone/go-catalog-cache/cache"
)

// SubRow is one element folded into a composite child: a column of an index
// or a key, with its position.
type SubRow struct {
	Key string
	Seq int
	// Row is the source row the element came from. Elements decoded from
	// one delimited field share it.
	Row cache.Row
}

// ParseSubRowList decodes a delimited sub-row field. Accepted forms:
//
//	a,b,c           positional, Seq is 1..n
//	a:2,b:1         explicit sequence
//	1 2 3           whitespace separated (PostgreSQL int2vector)
//	{a,b}           braces are stripped (PostgreSQL arrays)
//	"a,b":1,c       double quoted names, "" escapes a quote
//
// Row is left nil. An empty element, a bad sequence or an unterminated quote
// is an error.
func ParseSubRowList(encoded string) ([]SubRow, error) {
	s := strings.TrimSpace(encoded)
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if s == "" {
		return nil, nil
	}

	sep := ' '
	if containsUnquoted(s, ',') {
		sep = ','
	}
	tokens, err := splitUnquoted(s, sep)
	if err != nil {
		return nil, err
	}

	out := make([]SubRow, 0, len(tokens))
	for i, tok := range tokens {
		key, seq, err := parseSubRowToken(tok, i+1)
		if err != nil {
			return nil, fmt.Errorf("element %d %q: %w", i+1, tok, err)
		}
		out = append(out, SubRow{Key: key, Seq: seq})
	}
	return out, nil
}

var (
	errEmptyElement    = errors.New("empty element")
	errUnterminated    = errors.New("unterminated quote")
	errBadSequence     = errors.New("invalid sequence")
	errTrailingGarbage = errors.New("unexpected text after quoted name")
)

func containsUnquoted(s string, r rune) bool {
	quoted := false
	for _, c := range s {
		switch {
		case c == '"':
			quoted = !quoted
		case c == r && !quoted:
			return true
		}
	}
	return false
}

// splitUnquoted splits s on sep outside double quotes. Quotes are kept in the
// tokens. Runs of spaces count as one separator when sep is a space.
func splitUnquoted(s string, sep rune) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		quoted bool
	)
	flush := func() error {
		tok := strings.TrimSpace(cur.String())
		cur.Reset()
		if tok == "" {
			if sep == ' ' {
				return nil
			}
			return errEmptyElement
		}
		tokens = append(tokens, tok)
		return nil
	}
	for _, c := range s {
		switch {
		case c == '"':
			quoted = !quoted
			cur.WriteRune(c)
		case c == sep && !quoted:
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			cur.WriteRune(c)
		}
	}
	if quoted {
		return nil, errUnterminated
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func parseSubRowToken(tok string, pos int) (string, int, error) {
	var key, rest string
	if strings.HasPrefix(tok, `"`) {
		end := closingQuote(tok)
		if end < 0 {
			return "", 0, errUnterminated
		}
		key = strings.ReplaceAll(tok[1:end], `""`, `"`)
		rest = strings.TrimSpace(tok[end+1:])
		if rest != "" && !strings.HasPrefix(rest, ":") {
			return "", 0, errTrailingGarbage
		}
	} else if i := strings.LastIndexByte(tok, ':'); i >= 0 {
		key, rest = strings.TrimSpace(tok[:i]), tok[i:]
	} else {
		key = tok
	}

	if key == "" {
		return "", 0, errEmptyElement
	}
	if rest == "" {
		return key, pos, nil
	}
	seq, err := strconv.Atoi(strings.TrimSpace(rest[1:]))
	if err != nil {
		return "", 0, errBadSequence
	}
	return key, seq, nil
}

// closingQuote returns the index of the quote closing tok[0], skipping ""
// escapes, or -1.
func closingQuote(tok string) int {
	for i := 1; i < len(tok); i++ {
		if tok[i] != '"' {
			continue
		}
		if i+1 < len(tok) && tok[i+1] == '"' {
			i++
			continue
		}
		return i
	}
	return -1
}

// foldGroup accumulates the rows of one (parent, child) pair.
type foldGroup[P any, E any, R any] struct {
	key    cache.PairKey
	parent P
	child  E
	rows   []cache.Row
	subs   []foldedSub[R]
	broken bool
}

type foldedSub[R any] struct {
	seq   int
	value R
}

// folder walks rows ordered by (parent, child, seq) and turns each run of
// equal (parent, child) into one child entity carrying its sub-rows.
type folder[O any, P cache.Object[string], E cache.Object[string], R any] struct {
	ctx     context.Context
	owner   O
	s       *settings
	fetch   *CompositeFetcher[O, P, E, R]
	resolve func(parentKey string) (P, bool)

	groups   map[cache.PairKey]*foldGroup[P, E, R]
	order    []*foldGroup[P, E, R]
	cur      *foldGroup[P, E, R]
	dropped  map[cache.PairKey]bool
	missing  map[string]bool
	reopened bool
}

func (f *folder[O, P, E, R]) groupKey(row cache.Row) cache.PairKey {
	return cache.PairKey{
		Parent: f.s.normalize(row.Trimmed(f.fetch.ParentField)),
		Child:  row.Trimmed(f.fetch.ChildField),
	}
}

func (f *folder[O, P, E, R]) add(row cache.Row) error {
	gk := f.groupKey(row)
	if f.cur != nil && f.cur.key == gk {
		f.addSubRows(f.cur, row)
		return nil
	}
	f.close(f.cur)
	f.cur = nil

	if f.dropped[gk] {
		return nil
	}
	if g, ok := f.groups[gk]; ok {
		if !f.reopened {
			f.s.logger.Warn("composite rows are not grouped by parent and child, enable client sort", "key", gk.String())
			f.reopened = true
		}
		f.cur = g
		f.addSubRows(g, row)
		return nil
	}

	parent, ok := f.resolve(gk.Parent)
	if !ok {
		f.dropped[gk] = true
		if !f.missing[gk.Parent] {
			f.missing[gk.Parent] = true
			f.s.structural(SeverityWarning, gk.Parent, "parent not found, rows dropped", cache.ErrNotFound)
		}
		return nil
	}

	child, ok := buildEntity(f.s, gk.String(), func() (E, error) {
		return f.fetch.NewChild(f.ctx, f.owner, parent, row)
	})
	if !ok {
		f.dropped[gk] = true
		return nil
	}

	g := &foldGroup[P, E, R]{key: gk, parent: parent, child: child}
	f.groups[gk] = g
	f.order = append(f.order, g)
	f.cur = g
	f.addSubRows(g, row)
	return nil
}

func (f *folder[O, P, E, R]) addSubRows(g *foldGroup[P, E, R], row cache.Row) {
	if g.broken {
		return
	}
	g.rows = append(g.rows, row)
	if f.fetch.NewSubRow == nil {
		return
	}

	subs, err := f.decode(row, len(g.subs))
	if err != nil {
		g.broken = true
		f.dropped[g.key] = true
		f.s.structural(SeverityWarning, g.key.String(), "malformed sub-row list, child dropped", err)
		return
	}
	for _, sub := range subs {
		v, err := f.fetch.NewSubRow(f.ctx, g.parent, g.child, sub)
		switch {
		case errors.Is(err, ErrSkipRow):
		case err != nil:
			f.s.structural(SeverityWarning, g.key.String()+"/"+sub.Key, "sub-row dropped", err)
		default:
			g.subs = append(g.subs, foldedSub[R]{seq: sub.Seq, value: v})
		}
	}
}

func (f *folder[O, P, E, R]) decode(row cache.Row, count int) ([]SubRow, error) {
	if field := f.fetch.EncodedField; field != "" && row.Has(field) {
		subs, err := ParseSubRowList(row.String(field))
		for i := range subs {
			subs[i].Row = row
		}
		return subs, err
	}
	seq := count + 1
	if f.fetch.SeqField != "" && row.Has(f.fetch.SeqField) {
		seq = row.Int(f.fetch.SeqField)
	}
	return []SubRow{{Key: row.Trimmed(f.fetch.SubKeyField), Seq: seq, Row: row}}, nil
}

func (f *folder[O, P, E, R]) close(g *foldGroup[P, E, R]) {
	if g == nil || g.broken {
		return
	}
	slices.SortStableFunc(g.subs, func(a, b foldedSub[R]) int {
		return cmp.Compare(a.seq, b.seq)
	})
	if f.fetch.Assembled == nil {
		return
	}
	values := make([]R, len(g.subs))
	for i, sub := range g.subs {
		values[i] = sub.value
	}
	f.fetch.Assembled(g.child, values)
}

// finish closes the open group and returns the surviving groups in first-seen
// order.
func (f *folder[O, P, E, R]) finish() []*foldGroup[P, E, R] {
	f.close(f.cur)
	f.cur = nil
	out := make([]*foldGroup[P, E, R], 0, len(f.order))
	for _, g := range f.order {
		if !g.broken {
			out = append(out, g)
		}
	}
	return out
}

// sortCompositeRows orders rows by (parent, child, seq), keeping source order
// for ties. Parents compare by normalize, the way the folder groups them.
func sortCompositeRows(rows []cache.Row, normalize func(string) string, parentField, childField, seqField string) {
	slices.SortStableFunc(rows, func(a, b cache.Row) int {
		if c := cmp.Compare(normalize(a.Trimmed(parentField)), normalize(b.Trimmed(parentField))); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Trimmed(childField), b.Trimmed(childField)); c != 0 {
			return c
		}
		if seqField == "" {
			return 0
		}
		return cmp.Compare(a.Int(seqField), b.Int(seqField))
	})
}
