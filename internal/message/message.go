// Package message handles application messages received from a room.
//
// The bridge forwards every remote message verbatim to a [Processor]. What a
// message means is up to the processor; [LogProcessor] records it and
// [Chain] fans it out to several processors in order.
package message

import (
	"log/slog"
	"unicode/utf8"
)

// previewLimit is the number of bytes of a message included in log output.
const previewLimit = 64

// Message is one application message received from a peer. Payload is owned
// by the receiver.
type Message struct {
	RoomID  string
	UserID  string
	Payload []byte
	Binary  bool
}

// Processor consumes messages. Process is called from a single goroutine per
// session and may block briefly; long work belongs on its own goroutine.
type Processor interface {
	Process(msg Message)
}

// ProcessorFunc adapts a plain function to the [Processor] interface.
type ProcessorFunc func(msg Message)

// Process implements [Processor].
func (f ProcessorFunc) Process(msg Message) { f(msg) }

// LogProcessor logs every message at info level with a short preview.
type LogProcessor struct {
	// Logger is used instead of [slog.Default] when non-nil.
	Logger *slog.Logger
}

// Process implements [Processor].
func (p LogProcessor) Process(msg Message) {
	l := p.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("message: received",
		"room_id", msg.RoomID,
		"user_id", msg.UserID,
		"bytes", len(msg.Payload),
		"binary", msg.Binary,
		"preview", Preview(msg),
	)
}

// Chain calls each processor in order.
type Chain []Processor

// Process implements [Processor].
func (c Chain) Process(msg Message) {
	for _, p := range c {
		if p != nil {
			p.Process(msg)
		}
	}
}

// Preview returns a printable excerpt of msg for logging. Binary or invalid
// UTF-8 payloads are summarised instead of printed.
func Preview(msg Message) string {
	if msg.Binary || !utf8.Valid(msg.Payload) {
		return "<binary>"
	}
	if len(msg.Payload) <= previewLimit {
		return string(msg.Payload)
	}
	cut := previewLimit
	for cut > 0 && !utf8.RuneStart(msg.Payload[cut]) {
		cut--
	}
	return string(msg.Payload[:cut]) + "…"
}

var (
	_ Processor = LogProcessor{}
	_ Processor = Chain(nil)
	_ Processor = ProcessorFunc(nil)
)
