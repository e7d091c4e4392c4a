package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

const usage = `Commands: c=continue, s=step in, n=next, o=out, bt=backtrace,
b <script> <line>, cb <id>, p <expression>, q=quit,
or any debugger command followed by JSON arguments.`

var shortcuts = []string{"backtrace", "break", "continue", "evaluate", "next", "out", "quit", "step"}

// requester is the part of the client the REPL drives.
type requester interface {
	Request(command string, args any) (int, error)
	Continue() (int, error)
	Step(action string) (int, error)
	Backtrace() (int, error)
	SetBreakpoint(script string, line int) (int, error)
	ClearBreakpoint(id int) (int, error)
	Evaluate(expression string) (int, error)
}

// dispatch runs one line of input. It reports whether the user asked to quit.
func dispatch(c requester, raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	name, rest, _ := strings.Cut(raw, " ")
	rest = strings.TrimSpace(rest)
	fields := strings.Fields(rest)

	var err error
	switch strings.ToLower(name) {
	case "q", "quit", "exit":
		return true, nil
	case "c", "continue":
		if rest != "" {
			_, err = request(c, "continue", rest)
			break
		}
		_, err = c.Continue()
	case "s", "step":
		_, err = c.Step("in")
	case "n", "next":
		_, err = c.Step("next")
	case "o", "out":
		_, err = c.Step("out")
	case "bt", "backtrace":
		if rest != "" {
			_, err = request(c, "backtrace", rest)
			break
		}
		_, err = c.Backtrace()
	case "b", "break":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: b <script> <line>")
		}
		line, convErr := strconv.Atoi(fields[1])
		if convErr != nil || line < 0 {
			return false, fmt.Errorf("invalid line number %q", fields[1])
		}
		_, err = c.SetBreakpoint(fields[0], line)
	case "cb":
		if len(fields) != 1 {
			return false, fmt.Errorf("usage: cb <id>")
		}
		id, convErr := strconv.Atoi(fields[0])
		if convErr != nil {
			return false, fmt.Errorf("invalid breakpoint id %q", fields[0])
		}
		_, err = c.ClearBreakpoint(id)
	case "p", "print":
		if rest == "" {
			return false, fmt.Errorf("usage: p <expression>")
		}
		_, err = c.Evaluate(rest)
	default:
		_, err = request(c, name, rest)
	}
	return false, err
}

// request sends a raw "<command> [json-arguments]" line.
func request(c requester, command, rawArgs string) (int, error) {
	if rawArgs == "" {
		return c.Request(command, nil)
	}
	if !json.Valid([]byte(rawArgs)) {
		return 0, fmt.Errorf("arguments for %s are not valid JSON", command)
	}
	return c.Request(command, json.RawMessage(rawArgs))
}

func complete(line string) []string {
	return lo.Filter(shortcuts, func(s string, _ int) bool {
		return line != "" && strings.HasPrefix(s, strings.ToLower(line))
	})
}

// formatMessage indents a message for the terminal, or returns it as is when
// it is not JSON.
func formatMessage(msg []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, msg, "", "  "); err != nil {
		return string(msg)
	}
	return buf.String()
}
