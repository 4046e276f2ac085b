// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upload

import (
	"github.com/juju/errors"
)

const (
	// ErrDone is returned by a pull when the stream ended cleanly and
	// every emitted handle has been delivered. It is the end-of-sequence
	// signal, not a failure.
	ErrDone = errors.ConstError("no more files")

	// ErrCancelled is raised on a handle's byte source when the handle
	// is cancelled, letting a sink distinguish a source-side abort from
	// its own write failures.
	ErrCancelled = errors.ConstError("upload cancelled")

	// ErrStopped is returned by calls made after the owning worker was
	// killed. Handles and upstreams never outlive their request.
	ErrStopped = errors.ConstError("upload worker stopped")
)

// IsDone reports whether err signals clean end-of-sequence.
func IsDone(err error) bool {
	return errors.Is(err, ErrDone)
}

// IsCancelled reports whether err stems from a cancelled handle.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
