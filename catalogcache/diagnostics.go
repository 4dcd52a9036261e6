package catalogcache

import (
	"sync"

	"github.com/goliatone/go-catalog-cache/cache"
	"github.com/goliatone/go-catalog-cache/pkg/logging"
)

// Severity grades a diagnostic.
type Severity int

const (
	// SeverityWarning marks a recovered anomaly: a dropped row or sub-row.
	SeverityWarning Severity = iota
	// SeverityError marks data that could not be reconciled at all.
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Diagnostic describes one row-level anomaly recovered during a load.
type Diagnostic struct {
	Severity Severity
	Cache    string
	Key      string
	Message  string
	Err      error
}

// Reporter receives diagnostics. Implementations must be safe for concurrent use.
type Reporter interface {
	Report(d Diagnostic)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(d Diagnostic)

// Report implements Reporter.
func (f ReporterFunc) Report(d Diagnostic) { f(d) }

type logReporter struct {
	logger logging.Logger
}

// NewLogReporter returns a Reporter writing diagnostics to logger.
func NewLogReporter(logger logging.Logger) Reporter {
	return &logReporter{logger: logger}
}

func (r *logReporter) Report(d Diagnostic) {
	args := []any{"key", d.Key}
	if d.Err != nil {
		args = append(args, "error", d.Err)
	}
	if d.Severity == SeverityError {
		r.logger.Error(d.Message, args...)
		return
	}
	r.logger.Warn(d.Message, args...)
}

// Collector keeps every diagnostic it receives.
type Collector struct {
	mu    sync.Mutex
	items []Diagnostic
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Report implements Reporter.
func (c *Collector) Report(d Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, d)
}

// Diagnostics returns a copy of everything collected so far.
func (c *Collector) Diagnostics() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Diagnostic(nil), c.items...)
}

// Structural returns the structural errors among the collected diagnostics.
func (c *Collector) Structural() []*cache.StructuralError {
	var out []*cache.StructuralError
	for _, d := range c.Diagnostics() {
		if se, ok := d.Err.(*cache.StructuralError); ok {
			out = append(out, se)
		}
	}
	return out
}

// Reset drops collected diagnostics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

// structural reports a StructuralError for key and returns it.
func (s *settings) structural(sev Severity, key, msg string, cause error) *cache.StructuralError {
	se := &cache.StructuralError{Cache: s.name, Key: key, Message: msg, Err: cause}
	s.reporter.Report(Diagnostic{
		Severity: sev,
		Cache:    s.name,
		Key:      key,
		Message:  msg,
		Err:      se,
	})
	return se
}

// named stamps the cache name on diagnostics raised by post-processors.
type named struct {
	cache string
	next  Reporter
}

func (n named) Report(d Diagnostic) {
	if d.Cache == "" {
		d.Cache = n.cache
	}
	if se, ok := d.Err.(*cache.StructuralError); ok && se.Cache == "" {
		se.Cache = n.cache
	}
	n.next.Report(d)
}
