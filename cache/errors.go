package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/goliatone/go-catalog-cache/internal/cacheinfra"
)

// ErrNotFound is matched by every lookup miss. A miss is a valid absent
// result, not a failure of the cache.
var ErrNotFound = cacheinfra.ErrNotFound

// NotFoundError carries the name that could not be resolved.
type NotFoundError struct {
	Cache string
	Name  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %q not found", e.Cache, e.Name)
}

// Is makes errors.Is(err, ErrNotFound) succeed.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// KindConnectivity covers unreachable or interrupted sources.
	KindConnectivity ErrorKind = iota
	// KindAuthorization covers rejected credentials and missing privileges.
	KindAuthorization
	// KindQuery covers a reachable source refusing the query itself, such as
	// a syntax error or an undefined catalog view.
	KindQuery
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindQuery:
		return "query"
	}
	return "connectivity"
}

// TransportError reports that the RowSource could not deliver rows. It fails
// the whole operation; the cache keeps its previous contents.
type TransportError struct {
	Query string
	Kind  ErrorKind
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s error running %s: %v", e.Kind, e.Query, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a connectivity TransportError unless it is
// already one.
func NewTransportError(query string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Query: query, Kind: KindConnectivity, Err: err}
}

// StructuralError reports data that could not be reconciled during a fold:
// an orphan nested row, a malformed encoded list, an unresolved parent. Only
// the affected entity or sub-row is dropped.
type StructuralError struct {
	Cache   string
	Key     string
	Message string
	Err     error
}

func (e *StructuralError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Key != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Cache, e.Key, msg)
	}
	return fmt.Sprintf("%s: %s", e.Cache, msg)
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// CancellationError reports a cooperative cancellation observed mid-fold. The
// partial fold was discarded.
type CancellationError struct {
	Cache string
	Err   error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("%s: load cancelled: %v", e.Cache, e.Err)
}

func (e *CancellationError) Unwrap() error {
	return e.Err
}

// IsCancellation reports whether err stems from context cancellation or
// deadline expiry.
func IsCancellation(err error) bool {
	var ce *CancellationError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsStructural reports whether err is a StructuralError.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}
