// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver is the HTTP boundary of the upload engine. Its
// StreamHandler middleware recognizes upload request bodies, starts a
// parser session for each, and hands the request on to the wrapped
// handler the moment control passes, with the session reachable from
// the request context. No session outlives its request.
package apiserver

import (
	"context"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/ratelimit"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/fieldstream/core/upload"
	"github.com/juju/fieldstream/worker/session"
)

var logger = loggo.GetLogger("fieldstream.apiserver")

type contextKey string

const sessionContextKey contextKey = "fieldstream-session"

// Config holds a StreamHandler's tuning. The zero value is usable:
// wall clock, no limits, no metrics, no events.
type Config struct {
	// Clock drives the session wait timer and upstream watchdogs.
	// Defaults to clock.WallClock.
	Clock clock.Clock

	// MaxTimeToWaitForFirstFile and MaxTimeToBuffer configure every
	// session this handler starts; zero disables the corresponding
	// timeout.
	MaxTimeToWaitForFirstFile time.Duration
	MaxTimeToBuffer           time.Duration

	// MaxFieldBytes caps a single text field value; zero means the
	// session default.
	MaxFieldBytes int64

	// MaxBodyBytes caps the whole request body; zero means unlimited.
	MaxBodyBytes int64

	// BytesPerSecond throttles upload body reads across all requests
	// served by this handler; zero means unthrottled.
	BytesPerSecond int64

	// Hub, when set, receives session lifecycle events.
	Hub *pubsub.SimpleHub

	// Registerer, when set, gets the handler's upload metrics
	// registered against it; Close unregisters them.
	Registerer prometheus.Registerer
}

// StreamHandler is an http.Handler middleware that turns multipart and
// url-encoded request bodies into parser sessions. Other content types
// pass through untouched.
type StreamHandler struct {
	config  Config
	next    http.Handler
	bucket  *ratelimit.Bucket
	metrics *session.Metrics
}

// NewStreamHandler returns a handler wrapping next. If config names a
// prometheus registerer the handler's metrics are registered now and
// unregistered by Close.
func NewStreamHandler(config Config, next http.Handler) (*StreamHandler, error) {
	if next == nil {
		return nil, errors.NotValidf("nil next handler")
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	h := &StreamHandler{config: config, next: next}
	if config.BytesPerSecond > 0 {
		h.bucket = ratelimit.NewBucketWithRate(float64(config.BytesPerSecond), config.BytesPerSecond)
	}
	if config.Registerer != nil {
		h.metrics = session.NewMetrics()
		if err := config.Registerer.Register(h.metrics); err != nil {
			return nil, errors.Annotate(err, "registering upload metrics")
		}
	}
	return h, nil
}

// Close unregisters the handler's metrics, if any. The handler must
// not serve requests afterwards.
func (h *StreamHandler) Close() {
	if h.metrics != nil {
		h.config.Registerer.Unregister(h.metrics)
	}
}

// ServeHTTP implements http.Handler. Upload requests block here until
// the session passes control: on the first file, the wrapped handler
// runs while the rest of the body is still arriving; on a parse
// failure before that, the client gets a JSON error and the wrapped
// handler never runs.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	decoder, err := h.decoderFor(w, r)
	if err != nil {
		if err := sendJSONError(w, r, err); err != nil {
			logger.Errorf("cannot send error response: %v", err)
		}
		return
	}
	if decoder == nil {
		h.next.ServeHTTP(w, r)
		return
	}

	sess, err := session.New(session.Config{
		Decoder:                   decoder,
		Clock:                     h.config.Clock,
		Logger:                    logger,
		MaxTimeToWaitForFirstFile: h.config.MaxTimeToWaitForFirstFile,
		MaxTimeToBuffer:           h.config.MaxTimeToBuffer,
		MaxFieldBytes:             h.config.MaxFieldBytes,
		Hub:                       h.config.Hub,
		Metrics:                   h.metrics,
	})
	if err != nil {
		if err := sendJSONError(w, r, errors.Trace(err)); err != nil {
			logger.Errorf("cannot send error response: %v", err)
		}
		return
	}
	defer func() {
		// Closing the body unwedges a pump blocked on a network read;
		// killing first makes sure nothing new is handed out.
		sess.Kill()
		_ = r.Body.Close()
		if err := sess.Wait(); err != nil {
			logger.Debugf("session %s finished: %v", sess.ID(), err)
		}
	}()

	select {
	case <-sess.Ready():
	case <-r.Context().Done():
		logger.Debugf("session %s: request cancelled before control passed", sess.ID())
		return
	}
	if err := sess.ControlError(); err != nil {
		if err := sendJSONError(w, r, err); err != nil {
			logger.Errorf("cannot send error response: %v", err)
		}
		return
	}
	ctx := context.WithValue(r.Context(), sessionContextKey, sess)
	h.next.ServeHTTP(w, r.WithContext(ctx))
}

// decoderFor dispatches on the request's content type, returning a nil
// decoder for requests this handler does not own.
func (h *StreamHandler) decoderFor(w http.ResponseWriter, r *http.Request) (upload.Decoder, error) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return nil, nil
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, errors.NewBadRequest(err, "malformed Content-Type")
	}
	switch mediaType {
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errors.BadRequestf("multipart request without boundary")
		}
		return newMultipartDecoder(h.wrapBody(w, r), boundary), nil
	case "application/x-www-form-urlencoded":
		return newFormDecoder(h.wrapBody(w, r)), nil
	}
	return nil, nil
}

// wrapBody applies the configured body cap and ingest throttle.
func (h *StreamHandler) wrapBody(w http.ResponseWriter, r *http.Request) io.Reader {
	var body io.Reader = r.Body
	if h.config.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	}
	if h.bucket != nil {
		body = ratelimit.Reader(body, h.bucket)
	}
	return body
}

// SessionFromContext returns the upload session the StreamHandler
// stored for this request, if any.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*session.Session)
	return sess, ok
}
