// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upload

import (
	"io"
)

// Part is one sub-stream of a request body as reported by the decoder:
// either a text field or a file, distinguished by whether the client
// declared a filename for it.
type Part struct {
	// Field is the form field name the part arrived on.
	Field string

	// IsFile is true when the part declared a filename, however empty.
	IsFile bool

	// Filename is the client-declared filename of a file part. Untrusted.
	Filename string

	// Body yields the part's bytes. It is only valid until the next
	// part is requested from the decoder.
	Body io.Reader
}

// Decoder is the contract required of the body tokenizer: it reports
// each sub-stream of one request body in arrival order. NextPart
// returns io.EOF exactly once at the clean end of the request, or the
// fatal decode error exactly once on malformed input.
type Decoder interface {
	NextPart() (*Part, error)
}
