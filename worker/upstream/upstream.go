// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upstream implements the flow-controlled sequence of uploaded
// files that application code consumes: one upstream per form field,
// plus one global upstream that mirrors every file in overall arrival
// order. The producer (the parser session) emits file handles as the
// decoder discovers them; consumers pull at their own pace, attaching
// at any time without losing, duplicating or reordering handles. Two
// one-shot watchdogs bound unattended buffering: one fires if no file
// arrives in time, the other if no consumer ever pulls.
package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/deque"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/fieldstream/core/upload"
)

const (
	// ErrFirstFileTimeout is the cause of the fatal error raised when
	// the first-file deadline fires: the stream saw no file within
	// MaxTimeToWaitForFirstFile of its construction.
	ErrFirstFileTimeout = errors.ConstError("timed out waiting for first file")

	// ErrBufferTimeout is the cause of the fatal error raised when the
	// first-consumer deadline fires: nothing pulled from the stream
	// within MaxTimeToBuffer of its construction.
	ErrBufferTimeout = errors.ConstError("timed out waiting for a consumer")
)

// Logger is what this package needs out of a loggo-style logger.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Config holds an Upstream's dependencies and identity.
type Config struct {
	// Field names the form field this upstream carries. Empty for the
	// global upstream.
	Field string

	// Global marks the upstream that mirrors every file of the request.
	Global bool

	// Clock drives the watchdog deadlines.
	Clock clock.Clock

	// Logger is used for warnings about protocol misuse and for trace
	// output.
	Logger Logger

	// MaxTimeToWaitForFirstFile arms the first-file watchdog when
	// positive: if no handle has been emitted within this duration of
	// construction, the upstream fails with a timeout. Zero disables.
	MaxTimeToWaitForFirstFile time.Duration

	// MaxTimeToBuffer arms the first-consumer watchdog when positive:
	// if no pull has occurred within this duration of construction,
	// the upstream fails with a timeout. Zero disables.
	MaxTimeToBuffer time.Duration

	// OnFatal, when set, observes the error passed to FatalError
	// (including watchdog timeouts). It is called from the worker loop
	// and must not block.
	OnFatal func(error)
}

// Validate returns an error if the config is not usable.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

func (config Config) description() string {
	if config.Global {
		return "global upstream"
	}
	return fmt.Sprintf("upstream for field %q", config.Field)
}

// pullRequest asks the loop for the next file handle. The reply channel
// is buffered so the loop never blocks delivering.
type pullRequest struct {
	reply chan pullReply
}

type pullReply struct {
	file *upload.File
	err  error
}

// Upstream is a worker.Worker delivering one request's files for one
// field (or all fields, for the global upstream) in arrival order.
// Emit, End and FatalError are for the producing session; Next and
// Upload are for consumers.
type Upstream struct {
	catacomb catacomb.Catacomb
	config   Config

	emits   chan *upload.File
	ends    chan error
	fatals  chan error
	pulls   chan pullRequest
	reports chan chan map[string]interface{}

	// The fields below are owned by the loop goroutine.
	record   []*upload.File
	queue    *deque.Deque
	waiters  []pullRequest
	emitted  bool
	pulled   bool
	terminal bool
	termErr  error
}

// New starts an upstream with the supplied config. The caller takes
// responsibility for killing it and handling its lifetime error.
func New(config Config) (*Upstream, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	u := &Upstream{
		config:  config,
		emits:   make(chan *upload.File),
		ends:    make(chan error),
		fatals:  make(chan error),
		pulls:   make(chan pullRequest),
		reports: make(chan chan map[string]interface{}),
		queue:   deque.New(),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &u.catacomb,
		Work: u.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return u, nil
}

// Kill is part of the worker.Worker interface.
func (u *Upstream) Kill() {
	u.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (u *Upstream) Wait() error {
	return u.catacomb.Wait()
}

// Field returns the form field this upstream carries; empty for the
// global upstream.
func (u *Upstream) Field() string {
	return u.config.Field
}

// Global reports whether this is the request-wide upstream.
func (u *Upstream) Global() bool {
	return u.config.Global
}

// Emit appends a newly discovered file handle to the stream, handing it
// to a parked pull if one is waiting. The first emit permanently
// cancels the first-file deadline. Emitting on a terminal upstream
// discards the handle with a warning. Producer-side only.
func (u *Upstream) Emit(f *upload.File) {
	select {
	case u.emits <- f:
	case <-u.catacomb.Dying():
	}
}

// End marks the stream terminal for new emissions: parked and future
// pulls observe err, or end-of-sequence when err is nil and the queue
// has drained. In-flight handles are not touched. Producer-side only,
// called exactly once when the decoder finishes the request.
func (u *Upstream) End(err error) {
	select {
	case u.ends <- err:
	case <-u.catacomb.Dying():
	}
}

// FatalError reacts to an unrecoverable producer-side failure, in
// strict order: both deadlines are permanently cancelled; every
// recorded handle still buffering or uploading is cancelled so an
// attached sink can abort and release partial writes; the stream is
// ended with err; and the error is raised to whoever consumes the
// stream. Idempotent. Never affects sibling upstreams.
func (u *Upstream) FatalError(err error) {
	select {
	case u.fatals <- err:
	case <-u.catacomb.Dying():
	}
}

// Next returns the next file handle in arrival order, blocking while
// the stream is live and empty. It returns upload.ErrDone once the
// stream ended cleanly and every handle was delivered, the terminal
// error if the stream failed, or upload.ErrStopped after the worker
// was killed. The very first pull, regardless of outcome, permanently
// cancels the first-consumer deadline. ctx bounds admission of the
// pull; once accepted, the pull completes or fails with the stream.
func (u *Upstream) Next(ctx context.Context) (*upload.File, error) {
	req := pullRequest{reply: make(chan pullReply, 1)}
	select {
	case u.pulls <- req:
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case <-u.catacomb.Dying():
		return nil, upload.ErrStopped
	}
	select {
	case reply := <-req.reply:
		if reply.err != nil {
			return nil, errors.Trace(reply.err)
		}
		return reply.file, nil
	case <-u.catacomb.Dying():
		return nil, upload.ErrStopped
	}
}

// Upload drains the whole stream through sink: every handle is pulled
// in order, consumed, and closed. It returns the sink's results in
// delivery order once the stream ends cleanly (an empty slice when no
// files arrived), or the first failure, whether that is a sink error,
// a watchdog timeout, or the stream's terminal error. A handle whose
// sink failed is cancelled so the producer is never left blocked.
func (u *Upstream) Upload(ctx context.Context, sink upload.Sink) ([]upload.Result, error) {
	if sink == nil {
		return nil, errors.NotValidf("nil sink")
	}
	results := []upload.Result{}
	for {
		f, err := u.Next(ctx)
		if err != nil {
			if upload.IsDone(err) {
				return results, nil
			}
			return nil, errors.Trace(err)
		}
		res, err := sink.Consume(ctx, f)
		_ = f.Close()
		if err != nil {
			return nil, errors.Annotatef(err, "sink failed on file %d (%q)", f.ID(), f.Filename())
		}
		results = append(results, res)
	}
}

// Report is part of the worker Reporter convention: a snapshot of the
// stream for introspection.
func (u *Upstream) Report() map[string]interface{} {
	reply := make(chan map[string]interface{}, 1)
	select {
	case u.reports <- reply:
	case <-u.catacomb.Dying():
		return map[string]interface{}{"state": "stopped"}
	}
	select {
	case report := <-reply:
		return report
	case <-u.catacomb.Dying():
		return map[string]interface{}{"state": "stopped"}
	}
}

func (u *Upstream) loop() error {
	var firstFile, firstConsumer clock.Timer
	var firstFileAlarm, firstConsumerAlarm <-chan time.Time
	if d := u.config.MaxTimeToWaitForFirstFile; d > 0 {
		firstFile = u.config.Clock.NewTimer(d)
		defer stopTimer(firstFile)
		firstFileAlarm = firstFile.Chan()
	}
	if d := u.config.MaxTimeToBuffer; d > 0 {
		firstConsumer = u.config.Clock.NewTimer(d)
		defer stopTimer(firstConsumer)
		firstConsumerAlarm = firstConsumer.Chan()
	}

	for {
		select {
		case <-u.catacomb.Dying():
			for _, w := range u.waiters {
				w.reply <- pullReply{err: upload.ErrStopped}
			}
			u.waiters = nil
			return u.catacomb.ErrDying()

		case f := <-u.emits:
			if u.terminal {
				u.config.Logger.Warningf(
					"%s: discarding file %d (%q) emitted after the stream ended",
					u.config.description(), f.ID(), f.Filename())
				continue
			}
			u.emitted = true
			if firstFile != nil {
				stopTimer(firstFile)
				firstFile = nil
				firstFileAlarm = nil
			}
			u.record = append(u.record, f)
			if len(u.waiters) > 0 {
				w := u.waiters[0]
				u.waiters = u.waiters[1:]
				w.reply <- pullReply{file: f}
			} else {
				u.queue.PushBack(f)
			}

		case err := <-u.ends:
			u.handleEnd(err)
			firstFileAlarm = nil
			firstConsumerAlarm = nil

		case err := <-u.fatals:
			u.handleFatal(err)
			firstFileAlarm = nil
			firstConsumerAlarm = nil

		case req := <-u.pulls:
			if !u.pulled {
				u.pulled = true
				if firstConsumer != nil {
					stopTimer(firstConsumer)
					firstConsumer = nil
					firstConsumerAlarm = nil
				}
				u.config.Logger.Tracef("%s: first consumer attached", u.config.description())
			}
			if u.queue.Len() > 0 {
				front, _ := u.queue.PopFront()
				req.reply <- pullReply{file: front.(*upload.File)}
			} else if u.terminal {
				req.reply <- pullReply{err: u.terminalError()}
			} else {
				u.waiters = append(u.waiters, req)
			}

		case <-firstFileAlarm:
			firstFileAlarm = nil
			if !u.emitted && !u.terminal {
				u.handleFatal(errors.NewTimeout(ErrFirstFileTimeout, fmt.Sprintf(
					"%s: no file received within %v",
					u.config.description(), u.config.MaxTimeToWaitForFirstFile)))
			}

		case <-firstConsumerAlarm:
			firstConsumerAlarm = nil
			if !u.pulled && !u.terminal {
				u.handleFatal(errors.NewTimeout(ErrBufferTimeout, fmt.Sprintf(
					"%s: no consumer attached within %v",
					u.config.description(), u.config.MaxTimeToBuffer)))
			}

		case reply := <-u.reports:
			reply <- u.report()
		}
	}
}

// handleEnd makes the stream terminal without touching in-flight
// handles. Parked pulls resolve immediately.
func (u *Upstream) handleEnd(err error) {
	if u.terminal {
		u.config.Logger.Debugf("%s: end of an already terminal stream", u.config.description())
		return
	}
	u.terminal = true
	u.termErr = err
	u.flushWaiters()
	u.config.Logger.Tracef("%s: ended (%d files, err=%v)", u.config.description(), len(u.record), err)
}

// handleFatal applies the fatal cascade: deadlines cancelled (by the
// caller nilling the alarm channels), in-flight handles cancelled, the
// stream ended with err, and the error raised to consumers.
func (u *Upstream) handleFatal(err error) {
	if u.terminal {
		return
	}
	for _, f := range u.record {
		f.Cancel(upload.ErrCancelled)
	}
	u.queue = deque.New()
	u.terminal = true
	u.termErr = err
	u.flushWaiters()
	u.config.Logger.Debugf("%s: fatal: %v", u.config.description(), err)
	if u.config.OnFatal != nil {
		u.config.OnFatal(err)
	}
}

func (u *Upstream) flushWaiters() {
	for _, w := range u.waiters {
		w.reply <- pullReply{err: u.terminalError()}
	}
	u.waiters = nil
}

func (u *Upstream) terminalError() error {
	if u.termErr != nil {
		return u.termErr
	}
	return upload.ErrDone
}

func (u *Upstream) report() map[string]interface{} {
	state := "live"
	if u.terminal {
		state = "terminal"
		if u.termErr != nil {
			state = "failed"
		}
	}
	report := map[string]interface{}{
		"state":             state,
		"emitted":           len(u.record),
		"buffered":          u.queue.Len(),
		"waiting-pulls":     len(u.waiters),
		"consumer-attached": u.pulled,
	}
	if u.config.Global {
		report["global"] = true
	} else {
		report["field"] = u.config.Field
	}
	return report
}

// stopTimer stops a timer and drains its channel if it already fired.
func stopTimer(t clock.Timer) {
	if t == nil {
		return
	}
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
