// Package debugger owns the connection to the remote debugger backend and,
// optionally, the debuggee process that exposes it.
package debugger

import "errors"

// ErrClosed is returned when connecting a link that has already been closed.
var ErrClosed = errors.New("debugger link closed")

// State is the connection state of a Link.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)
