// Package errkinds defines the core's surface-level error kinds (§7 of the
// design) and the wrapping helpers used to attach one to an underlying cause.
package errkinds

import (
	"errors"
	"fmt"
)

// The error kinds surfaced to callers of the core. Handlers compare against
// these with errors.Is; they are never returned bare.
var (
	NotFound         = errors.New("not found")
	Conflict         = errors.New("conflict")
	Upstream         = errors.New("upstream error")
	ClusterTransient = errors.New("transient cluster error")
	ClusterFatal     = errors.New("fatal cluster error")
	DataCorruption   = errors.New("data corruption")
	InvalidInput     = errors.New("invalid input")
	EmptyManifest    = errors.New("empty manifest")
	ArtifactRequired = errors.New("artifact sha required")
	Io               = errors.New("io error")
)

// subError pairs a proto (kind) error with the underlying cause so that
// errors.Is(sub, proto) holds while errors.Unwrap(sub) still reaches cause.
type subError struct {
	proto error
	cause error
}

// Wrap produces an error of the given kind carrying cause as its message and
// Unwrap target. errors.Is(Wrap(k, c), k) is always true.
func Wrap(proto, cause error) error {
	if cause == nil {
		return nil
	}
	return &subError{proto: proto, cause: cause}
}

// Wrapf is Wrap with a formatted cause.
func Wrapf(proto error, format string, args ...any) error {
	return Wrap(proto, fmt.Errorf(format, args...))
}

func (e *subError) Error() string {
	return fmt.Sprintf("%v: %v", e.proto, e.cause)
}

func (e *subError) Is(other error) bool {
	return errors.Is(other, e.proto)
}

func (e *subError) Unwrap() error {
	return e.cause
}

// List accumulates non-nil errors, used by the Config Synchroniser to
// continue past per-file failures while still surfacing all of them.
type List []error

// Add appends e to the list if it is non-nil, returning e.
func (l *List) Add(e error) error {
	if e != nil {
		*l = append(*l, e)
	}
	return e
}

// Err returns a combined error for the list, or nil if it is empty.
func (l List) Err() error {
	if len(l) == 0 {
		return nil
	}
	return errors.Join(l...)
}
