// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package session

// Session lifecycle events, published on the configured hub. All
// publication is fire-and-forget: a slow subscriber never blocks the
// pump.
const (
	// TopicControlPassed carries a ControlPassedEvent when downstream
	// processing begins.
	TopicControlPassed = "fieldstream.control-passed"

	// TopicLateField carries a LateFieldEvent when a text field arrives
	// after the first file.
	TopicLateField = "fieldstream.late-field"

	// TopicTimeout carries a TimeoutEvent when an upstream watchdog
	// fires.
	TopicTimeout = "fieldstream.watchdog-timeout"

	// TopicAborted carries an AbortedEvent when the request fails
	// mid-body.
	TopicAborted = "fieldstream.aborted"

	// TopicClosed carries a ClosedEvent when the request ends cleanly.
	TopicClosed = "fieldstream.closed"
)

// Timeout kinds, used in TimeoutEvent and as the metrics label.
const (
	TimeoutKindFirstFile     = "first_file"
	TimeoutKindFirstConsumer = "first_consumer"
)

// ControlPassedEvent reports the control handoff and its trigger.
type ControlPassedEvent struct {
	Session string
	Trigger string
}

// LateFieldEvent reports a text field excluded from the handoff
// snapshot because it arrived after the first file.
type LateFieldEvent struct {
	Session string
	Field   string
}

// TimeoutEvent reports a watchdog firing on one of the session's
// upstreams.
type TimeoutEvent struct {
	Session string
	Field   string
	Global  bool
	Kind    string
}

// AbortedEvent reports a request failing mid-body.
type AbortedEvent struct {
	Session string
	Error   string
}

// ClosedEvent reports a request ending cleanly.
type ClosedEvent struct {
	Session string
	Files   int
	Fields  int
}
