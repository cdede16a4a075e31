package stt

import (
	"context"
	"io"
)

// EventKind classifies recognizer callbacks.
type EventKind int

const (
	// EventInterim is a partial hypothesis while the caller is speaking.
	EventInterim EventKind = iota
	// EventFinal is a committed recognition result.
	EventFinal
	// EventNoMatch is a final result that carried no recognizable speech.
	EventNoMatch
	// EventCanceled reports the engine aborting recognition; Err has detail.
	EventCanceled
)

// Event is one recognizer callback.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// StreamingSTT defines the contract for any STT vendor implementation.
// The engine pulls audio from the configured source; results arrive on the
// Events channel in recognition order.
type StreamingSTT interface {
	// Name returns adapter name for logging.
	Name() string
	// Start connects to the engine and begins continuous recognition.
	Start(ctx context.Context) error
	// Close stops recognition and shuts down the connection.
	Close() error
	// Events returns the recognizer callback stream.
	Events() <-chan Event
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	// Source is the push-style capture buffer the engine reads linear PCM
	// from. Reads block until audio arrives; EOF ends recognition.
	Source     io.Reader
	CallID     string
	SampleRate int
	Language   string
}
