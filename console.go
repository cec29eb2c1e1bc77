package qjsbind

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/qjsbind/qjsbind/abi"
	"github.com/qjsbind/qjsbind/js"
)

const consoleFilename = "console.js"

// Level is the console method a message was logged with.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelLog
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"trace", "debug", "log", "info", "warn", "error"}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel maps a console method name to its level.
func ParseLevel(s string) (Level, bool) {
	for i, name := range levelNames {
		if name == s {
			return Level(i), true
		}
	}
	return 0, false
}

// ConsoleBackend receives console calls. The values are only valid during
// the call.
type ConsoleBackend interface {
	Log(level Level, args []*OwnedValue)
}

// ConsoleFunc adapts a function to ConsoleBackend.
type ConsoleFunc func(level Level, args []*OwnedValue)

func (f ConsoleFunc) Log(level Level, args []*OwnedValue) {
	f(level, args)
}

// DiscardConsole drops every console call. Scripts still find a console.
var DiscardConsole ConsoleBackend = ConsoleFunc(func(Level, []*OwnedValue) {})

// ZapConsole writes console calls to a zap logger. trace and debug map to
// Debug, log and info to Info.
func ZapConsole(logger *zap.Logger) ConsoleBackend {
	return ConsoleFunc(func(level Level, args []*OwnedValue) {
		msg := FormatArgs(args)
		switch level {
		case LevelTrace, LevelDebug:
			logger.Debug(msg, zap.Stringer("console", level))
		case LevelWarn:
			logger.Warn(msg, zap.Stringer("console", level))
		case LevelError:
			logger.Error(msg, zap.Stringer("console", level))
		default:
			logger.Info(msg, zap.Stringer("console", level))
		}
	})
}

// WriterConsole prints console calls to w, one line per call. Levels from
// min up are printed, warn and error with their level as prefix.
func WriterConsole(w io.Writer, min Level) ConsoleBackend {
	var mu sync.Mutex
	return ConsoleFunc(func(level Level, args []*OwnedValue) {
		if level < min {
			return
		}
		line := FormatArgs(args)
		if level >= LevelWarn {
			line = level.String() + ": " + line
		}

		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprintln(w, line)
	})
}

// FormatArgs joins values the way console.log prints them: strings as is,
// everything else as JSON where possible.
func FormatArgs(args []*OwnedValue) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = formatArg(arg)
	}
	return strings.Join(parts, " ")
}

func formatArg(v *OwnedValue) string {
	if v.IsString() {
		if s, err := v.ToString(); err == nil {
			return s
		}
	}
	if !v.IsFunction() && !v.IsSymbol() {
		if s, err := v.ToJSON(); err == nil && (s != "undefined" || v.IsUndefined()) {
			return s
		}
	}
	if s, err := v.JSToString(); err == nil {
		return s
	}
	return v.String()
}

// SetConsole installs globalThis.console backed by backend. It is
// reinstalled after Reset.
func (c *Context) SetConsole(backend ConsoleBackend) error {
	if err := c.check("set console"); err != nil {
		return err
	}
	c.console = backend

	err := c.AddCallback(js.ConsoleWriter, func(args Arguments) {
		if args.Len() < 2 {
			return
		}
		name, err := args.Get(0).ToString()
		if err != nil {
			return
		}
		level, ok := ParseLevel(name)
		if !ok {
			level = LevelLog
		}
		backend.Log(level, args.Values()[1:])
	})
	if err != nil {
		return err
	}

	result, err := c.wrap("set console", c.engine.Eval(c.c, js.ConsolePrelude, consoleFilename, abi.EvalGlobal))
	if err != nil {
		return err
	}
	result.Free()
	return nil
}
