// Package polycall implements a small, reusable runtime for exchanging
// framed, integrity-checked messages between two cooperating endpoints.
//
// It is built from two tightly coupled engines: a generic, integrity
// verified finite state machine (FSM, see fsm.go) and a protocol engine
// layered on top of it (see protocol.go) that frames messages (codec.go),
// drives a fixed connection lifecycle, and dispatches typed events to
// user callbacks. Network I/O is an external collaborator (transport.go)
// with an opaque send/deliver contract; it is not part of the core.
package polycall

import "go.uber.org/zap"

func init() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.TimeKey = ""
	config.EncoderConfig.CallerKey = ""
	Logger, _ = config.Build()
}

// Logger is the package-wide default logger. Callers that want quieter or
// differently formatted output may replace it before creating any
// ProtocolContext; existing contexts capture a child logger in
// NewProtocolContext
// and will not observe later reassignments.
var Logger = zap.NewNop()

func assert(condition bool) {
	if !condition {
		panic("assertion failed")
	}
}
