// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// fieldstreamd is a standalone upload server built on the fieldstream
// engine. It accepts form uploads on /upload, digests each file as it
// streams through, and exposes engine metrics on /metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/fieldstream/apiserver"
	"github.com/juju/fieldstream/worker/session"
)

var logger = loggo.GetLogger("fieldstream.cmd.fieldstreamd")

func main() {
	os.Exit(Main(os.Args))
}

// Main is not redundant with main(): it gives tests an entry point
// that takes arbitrary arguments and returns an exit code.
func Main(args []string) int {
	conf, err := parseArgs(args[1:])
	if err == gnuflag.ErrHelp {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	if err := runServer(conf); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

type serverConfig struct {
	addr             string
	maxWaitFirstFile time.Duration
	maxBuffer        time.Duration
	maxFieldBytes    int64
	maxBodyBytes     int64
	bytesPerSecond   int64
	logConfig        string
	logFile          string
}

func parseArgs(args []string) (*serverConfig, error) {
	conf := &serverConfig{}
	f := gnuflag.NewFlagSet("fieldstreamd", gnuflag.ContinueOnError)
	f.StringVar(&conf.addr, "addr", ":17070", "address to listen on")
	f.DurationVar(&conf.maxWaitFirstFile, "max-wait-first-file", 30*time.Second,
		"how long a request may run without producing a file")
	f.DurationVar(&conf.maxBuffer, "max-buffer", 2*time.Minute,
		"how long a buffered file may wait for its first consumer")
	f.Int64Var(&conf.maxFieldBytes, "max-field-bytes", session.DefaultMaxFieldBytes,
		"largest accepted text field, in bytes")
	f.Int64Var(&conf.maxBodyBytes, "max-body", 0,
		"largest accepted request body in bytes, 0 for no limit")
	f.Int64Var(&conf.bytesPerSecond, "rate-limit", 0,
		"upload read rate in bytes per second, 0 for no limit")
	f.StringVar(&conf.logConfig, "log-config", "<root>=INFO", "loggo configuration string")
	f.StringVar(&conf.logFile, "log-file", "", "also log to this rotating file")
	if err := f.Parse(true, args); err != nil {
		return nil, err
	}
	if extra := f.Args(); len(extra) != 0 {
		return nil, errors.Errorf("unrecognised args: %v", extra)
	}
	return conf, nil
}

func setupLogging(conf *serverConfig) error {
	if conf.logFile != "" {
		writer := &lumberjack.Logger{
			Filename:   conf.logFile,
			MaxSize:    300, // megabytes
			MaxBackups: 2,
			Compress:   true,
		}
		err := loggo.RegisterWriter("logfile", loggo.NewSimpleWriter(writer, loggo.DefaultFormatter))
		if err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(loggo.ConfigureLoggers(conf.logConfig))
}

func runServer(conf *serverConfig) error {
	if err := setupLogging(conf); err != nil {
		return errors.Trace(err)
	}

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("fieldstream.hub"),
	})
	defer logEvents(hub)()

	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return errors.Trace(err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return errors.Trace(err)
	}

	handler, err := apiserver.NewStreamHandler(apiserver.Config{
		MaxTimeToWaitForFirstFile: conf.maxWaitFirstFile,
		MaxTimeToBuffer:           conf.maxBuffer,
		MaxFieldBytes:             conf.maxFieldBytes,
		MaxBodyBytes:              conf.maxBodyBytes,
		BytesPerSecond:            conf.bytesPerSecond,
		Hub:                       hub,
		Registerer:                registry,
	}, newUploadHandler())
	if err != nil {
		return errors.Trace(err)
	}
	defer handler.Close()

	router := mux.NewRouter()
	router.Handle("/upload", handler).Methods("POST")
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods("GET")

	srv := &http.Server{
		Addr:    conf.addr,
		Handler: router,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", conf.addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("caught %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return errors.Annotate(err, "shutting down server")
		}
		return errors.Trace(<-errCh)
	case err := <-errCh:
		return errors.Trace(err)
	}
}

// logEvents mirrors the session lifecycle topics into the log so an
// operator can follow sessions without scraping metrics. The returned
// function unsubscribes.
func logEvents(hub *pubsub.SimpleHub) func() {
	unsubs := []func(){
		hub.Subscribe(session.TopicControlPassed, func(_ string, data interface{}) {
			if ev, ok := data.(session.ControlPassedEvent); ok {
				logger.Infof("session %s: control passed (%s)", ev.Session, ev.Trigger)
			}
		}),
		hub.Subscribe(session.TopicLateField, func(_ string, data interface{}) {
			if ev, ok := data.(session.LateFieldEvent); ok {
				logger.Infof("session %s: late field %q excluded from snapshot", ev.Session, ev.Field)
			}
		}),
		hub.Subscribe(session.TopicTimeout, func(_ string, data interface{}) {
			if ev, ok := data.(session.TimeoutEvent); ok {
				logger.Warningf("session %s: %s watchdog fired (field %q, global %v)",
					ev.Session, ev.Kind, ev.Field, ev.Global)
			}
		}),
		hub.Subscribe(session.TopicAborted, func(_ string, data interface{}) {
			if ev, ok := data.(session.AbortedEvent); ok {
				logger.Warningf("session %s: aborted: %s", ev.Session, ev.Error)
			}
		}),
		hub.Subscribe(session.TopicClosed, func(_ string, data interface{}) {
			if ev, ok := data.(session.ClosedEvent); ok {
				logger.Infof("session %s: closed with %d file(s), %d field(s)",
					ev.Session, ev.Files, ev.Fields)
			}
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
