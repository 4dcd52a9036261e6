package catalogcache

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/goliatone/go-catalog-cache/cache"
	"github.com/goliatone/go-catalog-cache/pkg/logging"
)

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewSlogAdapter(logging.New(logging.Options{Writer: &buf}))
	s := newSettings("columns", []Option{WithLogger(logger)})

	se := s.structural(SeverityWarning, "ORDERS", "parent not found", cache.ErrNotFound)
	s.structural(SeverityError, "AUDIT", "unreadable", errors.New("bad encoding"))

	if se.Cache != "columns" || se.Key != "ORDERS" {
		t.Errorf("unexpected structural error: %+v", se)
	}
	if !errors.Is(se, cache.ErrNotFound) {
		t.Error("expected the cause to be wrapped")
	}

	out := buf.String()
	for _, want := range []string{"level=WARN", "parent not found", "key=ORDERS", "cache=columns", "level=ERROR", "unreadable"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector()
	c.Report(Diagnostic{Key: "a", Message: "plain"})
	c.Report(Diagnostic{Key: "b", Err: &cache.StructuralError{Key: "b"}})

	if n := len(c.Diagnostics()); n != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", n)
	}
	if s := c.Structural(); len(s) != 1 || s[0].Key != "b" {
		t.Errorf("expected one structural error, got %v", s)
	}
	c.Reset()
	if n := len(c.Diagnostics()); n != 0 {
		t.Errorf("expected reset to clear, got %d", n)
	}
	if SeverityError.String() != "error" || SeverityWarning.String() != "warning" {
		t.Error("unexpected severity names")
	}
}
