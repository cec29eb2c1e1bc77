package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/qjsbind/qjsbind"
)

const replHelp = `.help   show this help
.reset  drop every global and start over
.exit   leave the REPL`

// repl reads statements from in until EOF or .exit. On a terminal the line
// editor of x/term provides history and editing.
func (r *runner) repl(ctx context.Context, in *os.File) error {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return r.replLines(ctx, in)
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, state)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, r.stdout}, "> ")
	if width, height, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(width, height)
	}
	// The terminal translates newlines while raw mode is on.
	r.stdout, r.stderr = t, t

	c, closeContext, err := r.newContext(ctx)
	if err != nil {
		return err
	}
	defer closeContext()

	fmt.Fprintln(t, "qjsbind REPL, .help for commands")
	for {
		line, err := t.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if done := r.replLine(ctx, c, line); done {
			return nil
		}
	}
}

// replLines is the REPL for piped input: no prompt, one statement per
// line.
func (r *runner) replLines(ctx context.Context, in io.Reader) error {
	c, closeContext, err := r.newContext(ctx)
	if err != nil {
		return err
	}
	defer closeContext()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if done := r.replLine(ctx, c, scanner.Text()); done {
			return nil
		}
	}
	return scanner.Err()
}

// replLine runs one input line and reports whether the REPL should stop.
func (r *runner) replLine(ctx context.Context, c *qjsbind.Context, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
		return false
	case ".exit":
		return true
	case ".help":
		fmt.Fprintln(r.stdout, replHelp)
		return false
	case ".reset":
		if err := c.Reset(); err != nil {
			r.report(ctx, err)
		}
		return false
	}

	if err := r.eval(c, line, "<repl>"); err != nil {
		r.report(ctx, err)
	}
	return ctx.Err() != nil
}
