// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package session drives one upload request from raw decoded parts to
// consumable file streams. A session pumps the decoder, stores text
// fields, wraps each file sub-stream in a pausable pipe and emits the
// handle on the field's upstream and on the global one. It owns the
// single moment control passes to downstream processing: on the first
// file, on an optional wait timer, on a clean zero-file end, or on a
// parse failure, whichever happens first and exactly once.
package session

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/rs/xid"
	"gopkg.in/tomb.v2"

	"github.com/juju/fieldstream/core/upload"
	"github.com/juju/fieldstream/internal/pausable"
	"github.com/juju/fieldstream/worker/upstream"
)

// DefaultMaxFieldBytes caps the value of a single text field when the
// config does not say otherwise.
const DefaultMaxFieldBytes int64 = 1 << 20

// State identifies where a session is in its lifecycle.
type State string

const (
	// StateWaiting means no file has been seen and control has not
	// passed: text fields arriving now are part of the handoff snapshot.
	StateWaiting State = "waiting"

	// StateControlPassed means downstream processing has begun while
	// the rest of the request body may still be arriving.
	StateControlPassed State = "control-passed"

	// StateClosed means the decoder reported end of request: upstreams
	// accept no further files and late lookups get dead stand-ins.
	StateClosed State = "closed"
)

// Trigger identifies what caused the control handoff.
type Trigger string

const (
	// TriggerFirstFile: the decoder reported the request's first file.
	TriggerFirstFile Trigger = "first-file"

	// TriggerWaitTimer: the configured wait elapsed with no files seen.
	TriggerWaitTimer Trigger = "wait-timer"

	// TriggerRequestEnd: the request ended cleanly with no files seen.
	TriggerRequestEnd Trigger = "request-end"

	// TriggerParseError: the decoder failed before any other trigger;
	// ControlError reports the failure.
	TriggerParseError Trigger = "parse-error"
)

// Logger is what this package needs out of a loggo-style logger.
type Logger interface {
	Errorf(string, ...interface{})
	Warningf(string, ...interface{})
	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Config holds a Session's dependencies and tuning.
type Config struct {
	// Decoder supplies the request's parts in arrival order.
	Decoder upload.Decoder

	// Clock drives the wait timer and the upstream watchdogs.
	Clock clock.Clock

	// Logger is used for ordering warnings, abort reports and trace
	// output, and is shared with the upstreams the session creates.
	Logger Logger

	// MaxTimeToWaitForFirstFile bounds how long the session stays in
	// StateWaiting with zero files before passing control anyway, and
	// arms the same-named watchdog on every upstream it creates. Zero
	// disables both.
	MaxTimeToWaitForFirstFile time.Duration

	// MaxTimeToBuffer arms the first-consumer watchdog on every
	// upstream the session creates. Zero disables it.
	MaxTimeToBuffer time.Duration

	// MaxFieldBytes caps the value of a single text field; a larger
	// field aborts the request as malformed. Zero means
	// DefaultMaxFieldBytes.
	MaxFieldBytes int64

	// Hub, when set, receives the session lifecycle events defined in
	// this package. Publication never blocks the pump.
	Hub *pubsub.SimpleHub

	// Metrics, when set, is updated as the session progresses.
	Metrics *Metrics

	// ID identifies the session in logs and events. Generated when
	// empty.
	ID string
}

// Validate returns an error if the config is not usable.
func (config Config) Validate() error {
	if config.Decoder == nil {
		return errors.NotValidf("nil Decoder")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.MaxFieldBytes < 0 {
		return errors.NotValidf("negative MaxFieldBytes")
	}
	return nil
}

// Session pumps one request's decoder and multiplexes its files onto
// upstreams. Kill stops the pump, cancels outstanding file handles and
// kills every upstream the session created; Wait blocks until all of
// them have stopped, so the usual order is Kill then Wait, once the
// request is done with the session.
type Session struct {
	tomb   tomb.Tomb
	config Config

	id            string
	maxFieldBytes int64
	ready         chan struct{}

	mu        sync.Mutex
	state     State
	trigger   Trigger
	ctrlErr   error
	fields    map[string]string
	snapshot  map[string]string
	fileSeen  bool
	killed    bool
	nextID    int
	files     []*upload.File
	global    *upstream.Upstream
	upstreams map[string]*upstream.Upstream
}

// New starts a session pumping config.Decoder. The pump runs until the
// decoder reports end of request or fails, or until the session is
// killed.
func New(config Config) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	id := config.ID
	if id == "" {
		id = xid.New().String()
	}
	maxFieldBytes := config.MaxFieldBytes
	if maxFieldBytes == 0 {
		maxFieldBytes = DefaultMaxFieldBytes
	}
	s := &Session{
		config:        config,
		id:            id,
		maxFieldBytes: maxFieldBytes,
		ready:         make(chan struct{}),
		state:         StateWaiting,
		fields:        make(map[string]string),
		upstreams:     make(map[string]*upstream.Upstream),
	}
	s.config.Metrics.SessionStarted()
	if config.MaxTimeToWaitForFirstFile > 0 {
		s.tomb.Go(s.waitForFirstFile)
	}
	s.tomb.Go(s.loop)
	return s, nil
}

// Kill stops the pump, cancels every file handle the session created
// that is still live, and kills every upstream. Lookups on a killed
// session fail with upload.ErrStopped.
func (s *Session) Kill() {
	s.tomb.Kill(nil)
	s.mu.Lock()
	s.killed = true
	files := append([]*upload.File(nil), s.files...)
	workers := s.allUpstreamsLocked()
	s.mu.Unlock()
	for _, f := range files {
		f.Cancel(nil)
	}
	for _, u := range workers {
		u.Kill()
	}
}

// Wait blocks until the pump and every upstream created so far have
// stopped, and returns the pump's error: nil for a clean or killed
// session, or the failure that aborted it.
func (s *Session) Wait() error {
	err := s.tomb.Wait()
	s.mu.Lock()
	workers := s.allUpstreamsLocked()
	s.mu.Unlock()
	for _, u := range workers {
		_ = u.Wait()
	}
	return err
}

// ID identifies the session in logs and events.
func (s *Session) ID() string {
	return s.id
}

// State returns where the session is in its lifecycle.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Trigger returns what caused the control handoff; empty while the
// session is still waiting.
func (s *Session) Trigger() Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trigger
}

// Ready is closed exactly once, when control passes to downstream
// processing. Check ControlError afterwards to distinguish a usable
// session from an aborted one.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// ControlError reports why the session aborted before control passed,
// or nil if it is usable. Only meaningful once Ready is closed.
func (s *Session) ControlError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrlErr
}

// Fields returns the request's text fields. Once control has passed
// the result is the frozen handoff snapshot: stable, and not extended
// by fields arriving after the first file. Before that it is a copy of
// whatever has arrived so far.
func (s *Session) Fields() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.fields
	if s.state != StateWaiting {
		src = s.snapshot
	}
	fields := make(map[string]string, len(src))
	for k, v := range src {
		fields[k] = v
	}
	return fields
}

// GlobalUpload returns the upstream carrying every file of the request
// in overall arrival order, creating it on first reference. On a
// closed session with no global upstream yet, the result is a dead
// stand-in whose first pull reports end-of-sequence.
func (s *Session) GlobalUpload() (*upstream.Upstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.globalLocked()
	return u, errors.Trace(err)
}

// FieldUpload returns the upstream for the named form field, creating
// and registering it on first reference. An empty field name is a
// caller bug, reported synchronously. On a closed session a missing
// entry yields a dead stand-in whose first pull reports
// end-of-sequence; an existing entry is returned as is.
func (s *Session) FieldUpload(field string) (*upstream.Upstream, error) {
	if field == "" {
		return nil, errors.NotValidf("empty field name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.fieldLocked(field)
	return u, errors.Trace(err)
}

// Report is part of the worker Reporter convention: a snapshot of the
// session and its upstreams for introspection.
func (s *Session) Report() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := map[string]interface{}{
		"id":     s.id,
		"state":  string(s.state),
		"files":  len(s.files),
		"fields": len(s.fields),
	}
	if s.trigger != "" {
		report["trigger"] = string(s.trigger)
	}
	if s.global != nil {
		report["global"] = s.global.Report()
	}
	if len(s.upstreams) > 0 {
		streams := make(map[string]interface{}, len(s.upstreams))
		for field, u := range s.upstreams {
			streams[field] = u.Report()
		}
		report["upstreams"] = streams
	}
	return report
}

// waitForFirstFile passes control when the configured wait elapses
// before any other trigger. Parsing continues regardless; files
// arriving after the timer are still emitted normally.
func (s *Session) waitForFirstFile() error {
	timer := s.config.Clock.NewTimer(s.config.MaxTimeToWaitForFirstFile)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		s.passControl(TriggerWaitTimer, nil)
	case <-s.tomb.Dying():
	}
	return nil
}

func (s *Session) loop() error {
	defer s.config.Metrics.SessionFinished()
	for {
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		default:
		}
		part, err := s.config.Decoder.NextPart()
		if errors.Is(err, io.EOF) {
			s.finish()
			s.tomb.Kill(nil)
			return nil
		}
		if err != nil {
			return s.abort(errors.NewBadRequest(err, "malformed upload body"))
		}
		if part.IsFile {
			err = s.handleFile(part)
		} else {
			err = s.handleField(part)
		}
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			return s.abort(errors.Trace(err))
		}
	}
}

// handleField materializes one text part. The value is stored even
// when it arrives after the first file, but such late fields are
// excluded from the handoff snapshot and warned about: the protocol
// contract has clients send semantic fields before file fields.
func (s *Session) handleField(part *upload.Part) error {
	data, err := io.ReadAll(io.LimitReader(part.Body, s.maxFieldBytes+1))
	if err != nil {
		return errors.NewBadRequest(err, fmt.Sprintf("reading field %q", part.Field))
	}
	if int64(len(data)) > s.maxFieldBytes {
		return errors.BadRequestf("field %q exceeds %d byte limit", part.Field, s.maxFieldBytes)
	}
	s.mu.Lock()
	late := s.fileSeen || s.state != StateWaiting
	s.fields[part.Field] = string(data)
	s.mu.Unlock()
	s.config.Metrics.FieldReceived()
	if late {
		s.config.Logger.Warningf(
			"session %s: field %q arrived after the first file and is excluded from the handoff snapshot",
			s.id, part.Field)
		s.config.Metrics.LateField()
		s.publish(TopicLateField, LateFieldEvent{Session: s.id, Field: part.Field})
	}
	return nil
}

// handleFile turns one file part into a handle, emits it on the global
// and per-field upstreams, passes control if this is the request's
// first file, and then pumps the part body into the handle's stream.
// While nothing has resumed the stream the pump never blocks; once a
// consumer is reading, writes block until drained, so decoding
// advances only as fast as the slowest attached consumer.
func (s *Session) handleFile(part *upload.Part) error {
	stream := pausable.New()
	s.mu.Lock()
	s.nextID++
	f := upload.NewFile(s.nextID, part.Field, part.Filename, stream)
	s.fileSeen = true
	s.files = append(s.files, f)
	s.mu.Unlock()

	s.config.Metrics.FileReceived()
	s.config.Logger.Tracef("session %s: file %d on field %q (%q)", s.id, f.ID(), f.Field(), f.Filename())

	s.mu.Lock()
	global, err := s.globalLocked()
	var field *upstream.Upstream
	if err == nil {
		field, err = s.fieldLocked(part.Field)
	}
	s.mu.Unlock()
	if err != nil {
		return errors.Trace(err)
	}
	global.Emit(f)
	field.Emit(f)
	s.passControl(TriggerFirstFile, nil)

	buf := make([]byte, 32*1024)
	for {
		n, rerr := part.Body.Read(buf)
		if n > 0 {
			if _, werr := stream.Write(buf[:n]); werr != nil {
				// The handle was cancelled; drop the rest of the part
				// so the decoder can move on to the next one.
				s.config.Logger.Debugf(
					"session %s: file %d cancelled (%v), discarding remainder", s.id, f.ID(), werr)
				s.config.Metrics.FilesCancelled(1)
				_, _ = io.Copy(io.Discard, part.Body)
				return nil
			}
		}
		if rerr == io.EOF {
			stream.Close()
			return nil
		}
		if rerr != nil {
			return errors.NewBadRequest(rerr, fmt.Sprintf("reading file %q", part.Filename))
		}
	}
}

// passControl performs the one legal Waiting transition. The earliest
// trigger wins; later triggers return false and have no effect on the
// snapshot, the ready channel or the recorded cause.
func (s *Session) passControl(trigger Trigger, ctrlErr error) bool {
	s.mu.Lock()
	if s.state != StateWaiting {
		s.mu.Unlock()
		return false
	}
	s.state = StateControlPassed
	s.trigger = trigger
	s.ctrlErr = ctrlErr
	s.snapshot = make(map[string]string, len(s.fields))
	for k, v := range s.fields {
		s.snapshot[k] = v
	}
	s.mu.Unlock()
	close(s.ready)
	s.config.Metrics.ControlPassed(string(trigger))
	s.publish(TopicControlPassed, ControlPassedEvent{Session: s.id, Trigger: string(trigger)})
	s.config.Logger.Debugf("session %s: control passed (%s)", s.id, trigger)
	return true
}

// finish handles clean decoder end of request: control passes if no
// other trigger beat it, and every live upstream is ended so consumers
// drain what is buffered and then observe end-of-sequence.
func (s *Session) finish() {
	s.passControl(TriggerRequestEnd, nil)
	s.mu.Lock()
	s.state = StateClosed
	workers := s.allUpstreamsLocked()
	files, fields := len(s.files), len(s.fields)
	s.mu.Unlock()
	for _, u := range workers {
		u.End(nil)
	}
	s.publish(TopicClosed, ClosedEvent{Session: s.id, Files: files, Fields: fields})
	s.config.Logger.Debugf("session %s: request ended cleanly (%d files, %d fields)", s.id, files, fields)
}

// abort handles an unrecoverable producer-side failure. Before control
// has passed the error is delivered to the boundary caller through
// ControlError; afterwards it is downgraded to a warning since
// downstream code is already running. Either way every live upstream
// receives the failure: in-flight handles are cancelled, streams with
// nothing in flight simply end, and consumers observe an error
// satisfying upload.IsCancelled on their next pull.
func (s *Session) abort(aerr error) error {
	if s.passControl(TriggerParseError, aerr) {
		s.config.Logger.Debugf("session %s: aborted before control passed: %v", s.id, aerr)
	} else {
		s.config.Logger.Warningf("session %s: request failed after control passed: %v", s.id, aerr)
	}
	s.config.Metrics.ParseError()
	s.mu.Lock()
	s.state = StateClosed
	workers := s.allUpstreamsLocked()
	live := 0
	for _, f := range s.files {
		if status := f.Status(); status == upload.StatusBuffering || status == upload.StatusUploading {
			live++
		}
	}
	s.mu.Unlock()
	s.config.Metrics.FilesCancelled(live)
	cancelErr := errors.WithType(aerr, upload.ErrCancelled)
	for _, u := range workers {
		u.FatalError(cancelErr)
	}
	s.publish(TopicAborted, AbortedEvent{Session: s.id, Error: aerr.Error()})
	return errors.Trace(aerr)
}

// globalLocked lazy-creates the global upstream. Callers hold s.mu.
func (s *Session) globalLocked() (*upstream.Upstream, error) {
	if s.killed {
		return nil, upload.ErrStopped
	}
	if s.global != nil {
		return s.global, nil
	}
	u, err := s.newUpstreamLocked("", true)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.global = u
	return u, nil
}

// fieldLocked lazy-creates the upstream for field, tolerating names
// FieldUpload rejects: the decoder may legitimately report parts with
// field names an importer would never ask for. Callers hold s.mu.
func (s *Session) fieldLocked(field string) (*upstream.Upstream, error) {
	if s.killed {
		return nil, upload.ErrStopped
	}
	if u, ok := s.upstreams[field]; ok {
		return u, nil
	}
	u, err := s.newUpstreamLocked(field, false)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.upstreams[field] = u
	return u, nil
}

// newUpstreamLocked starts an upstream sharing the session's clock and
// logger. On a closed session the result is a dead stand-in: no
// watchdogs, ended before anything can be emitted. Callers hold s.mu.
func (s *Session) newUpstreamLocked(field string, global bool) (*upstream.Upstream, error) {
	config := upstream.Config{
		Field:  field,
		Global: global,
		Clock:  s.config.Clock,
		Logger: s.config.Logger,
	}
	dead := s.state == StateClosed
	if !dead {
		config.MaxTimeToWaitForFirstFile = s.config.MaxTimeToWaitForFirstFile
		config.MaxTimeToBuffer = s.config.MaxTimeToBuffer
		config.OnFatal = func(err error) {
			s.onUpstreamFatal(field, global, err)
		}
	}
	u, err := upstream.New(config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if dead {
		u.End(nil)
	}
	return u, nil
}

// onUpstreamFatal observes upstream failures from the upstream's own
// loop goroutine. Watchdog timeouts are counted and published here;
// failures the session itself broadcast already were.
func (s *Session) onUpstreamFatal(field string, global bool, err error) {
	var kind string
	switch {
	case errors.Is(err, upstream.ErrFirstFileTimeout):
		kind = TimeoutKindFirstFile
	case errors.Is(err, upstream.ErrBufferTimeout):
		kind = TimeoutKindFirstConsumer
	default:
		return
	}
	name := field
	if global {
		name = "global"
	}
	s.config.Logger.Warningf("session %s: upstream %q timed out: %v", s.id, name, err)
	s.config.Metrics.Timeout(kind)
	s.publish(TopicTimeout, TimeoutEvent{Session: s.id, Field: field, Global: global, Kind: kind})
}

// allUpstreamsLocked snapshots every upstream created so far, global
// first. Callers hold s.mu.
func (s *Session) allUpstreamsLocked() []*upstream.Upstream {
	workers := make([]*upstream.Upstream, 0, len(s.upstreams)+1)
	if s.global != nil {
		workers = append(workers, s.global)
	}
	for _, u := range s.upstreams {
		workers = append(workers, u)
	}
	return workers
}

func (s *Session) publish(topic string, data interface{}) {
	if s.config.Hub == nil {
		return
	}
	_ = s.config.Hub.Publish(topic, data)
}
