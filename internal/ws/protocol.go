package ws

import "encoding/json"

// Request is the part of a viewer request the hub routes on. The raw text is
// what gets forwarded, so fields not listed here pass through untouched.
type Request struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type,omitempty"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Direct commands are answered to the asking viewer only.
const (
	CmdScripts         = "scripts"
	CmdScope           = "scope"
	CmdLookup          = "lookup"
	CmdEvaluate        = "evaluate"
	CmdBacktrace       = "backtrace"
	CmdListBreakpoints = "listbreakpoints"
)

// Breakpoint commands are broadcast with the arguments of the original
// request put back on the response, since the backend does not echo them.
const (
	CmdSetBreakpoint    = "setbreakpoint"
	CmdClearBreakpoint  = "clearbreakpoint"
	CmdChangeBreakpoint = "changebreakpoint"
)

var directCommands = map[string]struct{}{
	CmdScripts:         {},
	CmdScope:           {},
	CmdLookup:          {},
	CmdEvaluate:        {},
	CmdBacktrace:       {},
	CmdListBreakpoints: {},
}

var breakpointCommands = map[string]struct{}{
	CmdSetBreakpoint:    {},
	CmdClearBreakpoint:  {},
	CmdChangeBreakpoint: {},
}

func IsDirect(command string) bool {
	_, ok := directCommands[command]
	return ok
}

func IsBreakpoint(command string) bool {
	_, ok := breakpointCommands[command]
	return ok
}
