// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upload holds the domain types shared by the fieldstream engine:
// the file handle exposed to consumers, the decoder collaborator contract,
// and the error surface of the upload pipeline.
package upload

import (
	"io"
	"sync"

	"github.com/juju/fieldstream/internal/pausable"
)

// Status describes where a file handle sits in its lifecycle.
type Status string

const (
	// StatusBuffering means bytes are arriving (or have fully arrived)
	// and no consumer has started reading yet.
	StatusBuffering Status = "buffering"

	// StatusUploading means a consumer is draining the handle's bytes.
	StatusUploading Status = "uploading"

	// StatusCancelled means the handle was terminated before its bytes
	// were fully delivered; the remainder has been discarded.
	StatusCancelled Status = "cancelled"

	// StatusDone means the consumer read the handle to end-of-bytes.
	StatusDone Status = "done"
)

// File is one uploaded file: a session-unique id, the field it arrived
// on, the client-declared filename, and the byte source. It implements
// io.ReadCloser; the first Read resumes the underlying stream, draining
// anything buffered while the handle waited for a consumer and then
// passing bytes straight through.
type File struct {
	id       int
	field    string
	filename string
	stream   *pausable.Stream

	mu     sync.Mutex
	status Status
}

// NewFile wraps a pausable stream in a file handle. It is called by the
// session for each file sub-stream the decoder reports; the stream
// argument keeps construction within this module.
func NewFile(id int, field, filename string, stream *pausable.Stream) *File {
	return &File{
		id:       id,
		field:    field,
		filename: filename,
		stream:   stream,
		status:   StatusBuffering,
	}
}

// ID returns the session-unique id of this file.
func (f *File) ID() int {
	return f.id
}

// Field returns the name of the form field the file arrived on.
func (f *File) Field() string {
	return f.field
}

// Filename returns the client-declared filename. It is untrusted input:
// treat it as a label, never as a path.
func (f *File) Filename() string {
	return f.filename
}

// Status returns the handle's current lifecycle status.
func (f *File) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Read implements io.Reader. Bytes buffered before the consumer attached
// are delivered first, in arrival order, then reads track the producer
// directly. Returns io.EOF at the natural end of the file's bytes, or
// the cancellation error if the handle was cancelled.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.status == StatusBuffering {
		f.status = StatusUploading
	}
	f.mu.Unlock()
	f.stream.Resume()

	n, err := f.stream.Read(p)
	if err == io.EOF {
		f.mu.Lock()
		if f.status == StatusUploading {
			f.status = StatusDone
		}
		f.mu.Unlock()
	}
	return n, err
}

// Close releases the handle. If the bytes were not fully read the
// remainder is discarded so the producer can move on to the next part
// of the request. Close after end-of-bytes is a no-op. Idempotent.
func (f *File) Close() error {
	f.Cancel(nil)
	return nil
}

// Cancel terminates the handle: remaining bytes are discarded, a reader
// blocked on the byte source is released with err, and the producer's
// writes fail so it can skip the rest of this file. A nil err cancels
// with ErrCancelled. Cancelling a handle already done or cancelled is a
// no-op.
func (f *File) Cancel(err error) {
	f.mu.Lock()
	if f.status == StatusDone || f.status == StatusCancelled {
		f.mu.Unlock()
		return
	}
	f.status = StatusCancelled
	f.mu.Unlock()

	if err == nil {
		err = ErrCancelled
	}
	f.stream.Cancel(err)
}

// Buffered reports how many bytes are queued waiting for a consumer.
func (f *File) Buffered() int64 {
	return f.stream.Buffered()
}
