// SPDX-License-Identifier: MPL-2.0

// Package procio runs subprocesses whose output is consumed line by line.
//
// Each captured stream is drained by its own goroutine while the caller
// waits for process exit, so a chatty child can never block on a full pipe.
package procio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// maxLineSize bounds a single line handed to a Sink.
const maxLineSize = 1 << 20

type (
	// Sink receives one line of output without its trailing newline.
	Sink func(line string)

	// Capture accumulates lines for later inspection. The zero value is ready to use.
	Capture struct {
		mu    sync.Mutex
		lines []string
	}
)

// LogSink logs every line at debug level, tagged with the stream name.
func LogSink(logger *log.Logger, stream string) Sink {
	return func(line string) {
		logger.Debug(line, "stream", stream)
	}
}

// Tee fans each line out to every non-nil sink.
func Tee(sinks ...Sink) Sink {
	return func(line string) {
		for _, s := range sinks {
			if s != nil {
				s(line)
			}
		}
	}
}

// Sink returns a Sink appending to c.
func (c *Capture) Sink() Sink {
	return func(line string) {
		c.mu.Lock()
		c.lines = append(c.lines, line)
		c.mu.Unlock()
	}
}

// Lines returns a copy of the captured lines.
func (c *Capture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// String joins the captured lines with newlines.
func (c *Capture) String() string {
	return strings.Join(c.Lines(), "\n")
}

// DrainLines reads r to EOF, handing each line to sink. A line longer than
// maxLineSize is delivered in maxLineSize chunks so reading never stalls.
func DrainLines(r io.Reader, sink Sink) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		line  []byte
		split bool
	)
	for {
		frag, isPrefix, err := br.ReadLine()
		if err != nil {
			if len(line) > 0 {
				sink(string(line))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		// The newline ending a line that was flushed in full chunks.
		if split && !isPrefix && len(frag) == 0 {
			split = false
			continue
		}

		line = append(line, frag...)
		switch {
		case !isPrefix:
			sink(string(line))
			line, split = line[:0], false
		case len(line) >= maxLineSize:
			sink(string(line))
			line, split = line[:0], true
		}
	}
}

// Run starts cmd and waits for it to exit. For each non-nil sink whose
// stream is not already assigned on cmd, a pipe is opened and drained
// concurrently. Drains complete before Wait is called, as os/exec requires.
//
// The returned error wraps *exec.ExitError for a non-zero exit.
func Run(ctx context.Context, cmd *exec.Cmd, stdout, stderr Sink) error {
	g, _ := errgroup.WithContext(ctx)

	if stdout != nil && cmd.Stdout == nil {
		r, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("open stdout pipe: %w", err)
		}
		g.Go(func() error { return DrainLines(r, stdout) })
	}
	if stderr != nil && cmd.Stderr == nil {
		r, err := cmd.StderrPipe()
		if err != nil {
			return fmt.Errorf("open stderr pipe: %w", err)
		}
		g.Go(func() error { return DrainLines(r, stderr) })
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	drainErr := g.Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		return fmt.Errorf("%s: %w", cmd.Path, waitErr)
	}
	if drainErr != nil && !errors.Is(drainErr, io.ErrClosedPipe) {
		return fmt.Errorf("read output of %s: %w", cmd.Path, drainErr)
	}
	return nil
}

// ExitCode extracts the process exit status from an error returned by Run.
// ok is false when err does not carry an exit status.
func ExitCode(err error) (code int, ok bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}
