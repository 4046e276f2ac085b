// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upload

import (
	"context"
)

// Result describes one file fully consumed by a sink.
type Result struct {
	// File is the handle the sink drained.
	File *File

	// Size is the number of bytes the sink wrote.
	Size int64

	// Location optionally addresses where the sink put the bytes,
	// in whatever scheme the sink uses.
	Location string
}

// A Sink is the downstream destination for uploaded files. Consume
// drains one handle's bytes into a destination the sink controls and
// reports where they went. Returning an error aborts the upload loop;
// the failed handle is cancelled so the producer is never left blocked
// on a consumer that gave up.
type Sink interface {
	Consume(ctx context.Context, file *File) (Result, error)
}
