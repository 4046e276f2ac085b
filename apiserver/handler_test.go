// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"

	jc "github.com/juju/testing/checkers"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"

	"github.com/juju/fieldstream/apiserver"
	"github.com/juju/fieldstream/core/upload"
	coretesting "github.com/juju/fieldstream/testing"
	"github.com/juju/fieldstream/worker/session"
)

type handlerSuite struct {
	coretesting.BaseSuite
}

var _ = gc.Suite(&handlerSuite{})

func (s *handlerSuite) newHandler(c *gc.C, config apiserver.Config, next http.Handler) *apiserver.StreamHandler {
	h, err := apiserver.NewStreamHandler(config, next)
	c.Assert(err, jc.ErrorIsNil)
	return h
}

func (s *handlerSuite) multipartRequest(c *gc.C, build func(w *multipart.Writer)) *http.Request {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	build(w)
	c.Assert(w.Close(), jc.ErrorIsNil)
	req := httptest.NewRequest("POST", "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func (s *handlerSuite) TestNilNextRejected(c *gc.C) {
	_, err := apiserver.NewStreamHandler(apiserver.Config{}, nil)
	c.Check(err, gc.ErrorMatches, "nil next handler not valid")
}

func (s *handlerSuite) TestMultipartEndToEnd(c *gc.C) {
	var fields map[string]string
	var got []string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := apiserver.SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "no session", http.StatusInternalServerError)
			return
		}
		fields = sess.Fields()
		global, err := sess.GlobalUpload()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for {
			f, err := global.Next(r.Context())
			if err != nil {
				if !upload.IsDone(err) {
					http.Error(w, err.Error(), http.StatusInternalServerError)
				}
				break
			}
			data, err := io.ReadAll(f)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			_ = f.Close()
			got = append(got, f.Filename()+":"+string(data))
		}
		w.WriteHeader(http.StatusOK)
	})
	h := s.newHandler(c, apiserver.Config{}, next)

	req := s.multipartRequest(c, func(w *multipart.Writer) {
		c.Assert(w.WriteField("name", "bob"), jc.ErrorIsNil)
		fw, err := w.CreateFormFile("avatar", "1.png")
		c.Assert(err, jc.ErrorIsNil)
		_, err = fw.Write([]byte("first"))
		c.Assert(err, jc.ErrorIsNil)
		fw, err = w.CreateFormFile("avatar", "2.png")
		c.Assert(err, jc.ErrorIsNil)
		_, err = fw.Write([]byte("second"))
		c.Assert(err, jc.ErrorIsNil)
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	c.Check(rec.Code, gc.Equals, http.StatusOK)
	c.Check(fields, jc.DeepEquals, map[string]string{"name": "bob"})
	c.Check(got, jc.DeepEquals, []string{"1.png:first", "2.png:second"})
}

func (s *handlerSuite) TestUrlencodedZeroFileSession(c *gc.C) {
	var trigger session.Trigger
	var fields map[string]string
	var pullErr error
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := apiserver.SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "no session", http.StatusInternalServerError)
			return
		}
		trigger = sess.Trigger()
		fields = sess.Fields()
		global, err := sess.GlobalUpload()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, pullErr = global.Next(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := s.newHandler(c, apiserver.Config{}, next)

	req := httptest.NewRequest("POST", "/upload", strings.NewReader("a=1&b=2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	c.Check(rec.Code, gc.Equals, http.StatusOK)
	c.Check(trigger, gc.Equals, session.TriggerRequestEnd)
	c.Check(fields, jc.DeepEquals, map[string]string{"a": "1", "b": "2"})
	c.Check(pullErr, jc.ErrorIs, upload.ErrDone)
}

func (s *handlerSuite) TestMalformedMultipartRejected(c *gc.C) {
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	})
	h := s.newHandler(c, apiserver.Config{}, next)

	req := httptest.NewRequest("POST", "/upload", strings.NewReader("this is not multipart"))
	req.Header.Set("Content-Type", `multipart/form-data; boundary="xyz"`)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	c.Check(rec.Code, gc.Equals, http.StatusBadRequest)
	c.Check(nextCalled, jc.IsFalse)
	var resp apiserver.ErrorResponse
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &resp), jc.ErrorIsNil)
	c.Check(resp.Error, gc.Matches, "malformed upload body: .*")
	c.Check(resp.Code, gc.Equals, "bad request")
}

func (s *handlerSuite) TestMissingBoundaryRejected(c *gc.C) {
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	})
	h := s.newHandler(c, apiserver.Config{}, next)

	req := httptest.NewRequest("POST", "/upload", strings.NewReader("irrelevant"))
	req.Header.Set("Content-Type", "multipart/form-data")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	c.Check(rec.Code, gc.Equals, http.StatusBadRequest)
	c.Check(nextCalled, jc.IsFalse)
	var resp apiserver.ErrorResponse
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &resp), jc.ErrorIsNil)
	c.Check(resp.Error, gc.Equals, "multipart request without boundary")
}

func (s *handlerSuite) TestNonUploadRequestsPassThrough(c *gc.C) {
	var sawSession bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawSession = apiserver.SessionFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})
	h := s.newHandler(c, apiserver.Config{}, next)

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	c.Check(rec.Code, gc.Equals, http.StatusTeapot)
	c.Check(sawSession, jc.IsFalse)

	req = httptest.NewRequest("POST", "/api", strings.NewReader(`{"a": 1}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	c.Check(rec.Code, gc.Equals, http.StatusTeapot)
	c.Check(sawSession, jc.IsFalse)
}

func (s *handlerSuite) TestMaxBodyBytesEnforced(c *gc.C) {
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	})
	h := s.newHandler(c, apiserver.Config{MaxBodyBytes: 32}, next)

	req := s.multipartRequest(c, func(w *multipart.Writer) {
		c.Assert(w.WriteField("note", strings.Repeat("x", 4096)), jc.ErrorIsNil)
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	c.Check(rec.Code, gc.Equals, http.StatusBadRequest)
	c.Check(nextCalled, jc.IsFalse)
}

func (s *handlerSuite) TestRequestCancelledBeforeControlPasses(c *gc.C) {
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	})
	h := s.newHandler(c, apiserver.Config{}, next)

	// The body never produces a part, so control cannot pass; the
	// already-cancelled request context must unblock the handler, and
	// tearing down the session closes the body pipe to free the pump.
	pr, pw := io.Pipe()
	defer pw.Close()
	req := httptest.NewRequest("POST", "/upload", pr)
	req.Header.Set("Content-Type", `multipart/form-data; boundary="xyz"`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	c.Check(nextCalled, jc.IsFalse)
}

func (s *handlerSuite) TestSessionKilledAfterRequest(c *gc.C) {
	var sess *session.Session
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ = apiserver.SessionFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := s.newHandler(c, apiserver.Config{}, next)

	req := httptest.NewRequest("POST", "/upload", strings.NewReader("a=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	c.Assert(sess, gc.NotNil)
	_, err := sess.FieldUpload("anything")
	c.Check(err, jc.ErrorIs, upload.ErrStopped)
}

func (s *handlerSuite) TestMetricsRegisteredAndUnregistered(c *gc.C) {
	registry := prometheus.NewPedanticRegistry()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := s.newHandler(c, apiserver.Config{Registerer: registry}, next)

	req := httptest.NewRequest("POST", "/upload", strings.NewReader("a=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	c.Check(rec.Code, gc.Equals, http.StatusOK)

	families, err := registry.Gather()
	c.Assert(err, jc.ErrorIsNil)
	counts := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if counter := metric.GetCounter(); counter != nil {
				counts[family.GetName()] += counter.GetValue()
			}
		}
	}
	c.Check(counts["fieldstream_sessions_total"], gc.Equals, 1.0)

	h.Close()
	families, err = registry.Gather()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(families, gc.HasLen, 0)
}

func (s *handlerSuite) TestThrottledUploadStillDelivers(c *gc.C) {
	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := apiserver.SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "no session", http.StatusInternalServerError)
			return
		}
		docs, err := sess.FieldUpload("docs")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		f, err := docs.Next(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		got = string(data)
		w.WriteHeader(http.StatusOK)
	})
	h := s.newHandler(c, apiserver.Config{BytesPerSecond: 1 << 20}, next)

	req := s.multipartRequest(c, func(w *multipart.Writer) {
		fw, err := w.CreateFormFile("docs", "a.txt")
		c.Assert(err, jc.ErrorIsNil)
		_, err = fw.Write([]byte("throttled but intact"))
		c.Assert(err, jc.ErrorIsNil)
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	c.Check(rec.Code, gc.Equals, http.StatusOK)
	c.Check(got, gc.Equals, "throttled but intact")
}
