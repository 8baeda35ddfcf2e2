package resilience

import (
	"context"
	"errors"
	"net"
)

// Permanent wraps an error to mark it as non-retryable: the orchestrator
// exhausts the item's retry budget immediately instead of backing off.
type Permanent struct {
	Err error
}

// AsPermanent marks err as non-retryable. Returns nil if err is nil.
func AsPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// IsPermanent reports whether err (or anything it wraps) was marked
// non-retryable via [AsPermanent].
func IsPermanent(err error) bool {
	var p *Permanent
	return errors.As(err, &p)
}

// IsTransient reports whether err looks like a failure worth retrying:
// network timeouts and temporary conditions, or any error not explicitly
// marked permanent and not a cancellation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	// Unclassified errors default to retryable; the retry budget bounds the
	// damage of a miscategorised permanent failure.
	return true
}
