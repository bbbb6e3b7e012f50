// SPDX-License-Identifier: MPL-2.0

package proxy

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-git/go-git/v5"
	"github.com/klauspost/compress/zstd"

	"gosh-builder/internal/procio"
)

const (
	// DefaultHelper is the remote-helper executable started by Spawn.
	DefaultHelper = "git-remote-gosh"
	// DefaultSentinel ends every helper response.
	DefaultSentinel = ""

	terminateGrace = 2 * time.Second
)

var (
	// ErrSessionNotFound is returned for commands sent to an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID is returned for ids that cannot name a directory.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrPoolClosed is returned by Spawn after Close.
	ErrPoolClosed = errors.New("session pool closed")
)

type (
	// ExecCommandFunc creates helper processes. Tests substitute it.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// SessionOption configures a SessionPool.
	SessionOption func(*SessionPool)

	// SessionPool owns the remote-helper sessions of one proxy. Each session
	// has a bare git directory, a helper process started with GIT_DIR pointing
	// at it, and a line reader over the helper's stdout.
	SessionPool struct {
		root        string
		helper      string
		sentinel    string
		execCommand ExecCommandFunc
		logger      *log.Logger

		ctx    context.Context
		cancel context.CancelFunc

		mu       sync.Mutex
		sessions map[string]*session
		closed   bool
	}

	session struct {
		id  string
		dir string
		// sem serializes commands; a response must be read in full before the
		// next request is written.
		sem     chan struct{}
		cmd     *exec.Cmd
		stdin   io.WriteCloser
		stdout  *bufio.Reader
		outPipe *os.File
		errPipe *os.File
		done    chan struct{}
	}
)

// WithHelper overrides the helper executable.
func WithHelper(path string) SessionOption {
	return func(p *SessionPool) {
		p.helper = path
	}
}

// WithSentinel overrides the line that terminates a helper response.
func WithSentinel(line string) SessionOption {
	return func(p *SessionPool) {
		p.sentinel = line
	}
}

// WithSessionCommand sets a custom exec command function for testing.
func WithSessionCommand(fn ExecCommandFunc) SessionOption {
	return func(p *SessionPool) {
		p.execCommand = fn
	}
}

// WithSessionLogger sets the logger receiving helper stderr.
func WithSessionLogger(logger *log.Logger) SessionOption {
	return func(p *SessionPool) {
		p.logger = logger
	}
}

// NewSessionPool creates a pool keeping session directories under root.
func NewSessionPool(root string, opts ...SessionOption) *SessionPool {
	p := &SessionPool{
		root:        root,
		helper:      DefaultHelper,
		sentinel:    DefaultSentinel,
		execCommand: exec.CommandContext,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard)
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Len returns the number of live sessions.
func (p *SessionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Spawn starts a helper for id with args. An existing session with the same
// id is terminated first. The helper outlives ctx; it runs until Close.
func (p *SessionPool) Spawn(ctx context.Context, id string, args []string) error {
	if err := checkSessionID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	old := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if old != nil {
		old.terminate()
	}

	dir := filepath.Join(p.root, id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("reset session %s: %w", id, err)
	}
	if _, err := git.PlainInit(dir, true); err != nil {
		return fmt.Errorf("init session %s: %w", id, err)
	}

	s, err := p.start(id, dir, args)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		s.terminate()
		return ErrPoolClosed
	}
	replaced := p.sessions[id]
	p.sessions[id] = s
	p.mu.Unlock()

	if replaced != nil {
		replaced.terminate()
	}
	p.logger.Debug("session spawned", "id", id, "args", args)
	return nil
}

func (p *SessionPool) start(id, dir string, args []string) (*session, error) {
	cmd := p.execCommand(p.ctx, p.helper, args...)
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env, "GIT_DIR="+dir)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("session %s stdin: %w", id, err)
	}
	// Plain os pipes: Wait must not close the read ends while a response is
	// still buffered.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("session %s stdout: %w", id, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("session %s stderr: %w", id, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	startErr := cmd.Start()
	_ = outW.Close()
	_ = errW.Close()
	if startErr != nil {
		_ = outR.Close()
		_ = errR.Close()
		_ = stdin.Close()
		return nil, fmt.Errorf("start %s: %w", p.helper, startErr)
	}

	s := &session{
		id:      id,
		dir:     dir,
		sem:     make(chan struct{}, 1),
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(outR),
		outPipe: outR,
		errPipe: errR,
		done:    make(chan struct{}),
	}

	logger := p.logger.With("session", id)
	go func() {
		_ = procio.DrainLines(errR, procio.LogSink(logger, "stderr"))
	}()
	go func() {
		defer close(s.done)
		if err := cmd.Wait(); err != nil && p.ctx.Err() == nil {
			logger.Debug("helper exited", "error", err)
		}
	}()

	return s, nil
}

// Command writes body to the session's helper and returns every line up to
// the sentinel, each newline-terminated. The sentinel is not included.
func (p *SessionPool) Command(ctx context.Context, id string, body []byte) ([]byte, error) {
	s, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.unlock()

	if len(body) > 0 && body[len(body)-1] != '\n' {
		body = append(body, '\n')
	}
	if _, err := s.stdin.Write(body); err != nil {
		return nil, fmt.Errorf("session %s: write: %w", id, err)
	}

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := readResponse(s.stdout, p.sentinel)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("session %s: read: %w", id, r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		// The reader is left mid-response; the session cannot be reused.
		p.remove(id, s)
		s.terminate()
		return nil, ctx.Err()
	}
}

func readResponse(r *bufio.Reader, sentinel string) ([]byte, error) {
	var out []byte
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == sentinel {
			return out, nil
		}
		out = append(out, trimmed...)
		out = append(out, '\n')
	}
}

// Archive writes a zstd tar of the session's git directory to w.
func (p *SessionPool) Archive(ctx context.Context, id string, w io.Writer) error {
	s, err := p.lookup(id)
	if err != nil {
		return err
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := writeTar(ctx, zw, s.dir); err != nil {
		_ = zw.Close()
		return fmt.Errorf("session %s: archive: %w", id, err)
	}
	return zw.Close()
}

func writeTar(ctx context.Context, w io.Writer, root string) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// Close terminates every helper. Spawn fails afterwards.
func (p *SessionPool) Close() {
	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string]*session)
	p.mu.Unlock()

	for _, s := range sessions {
		s.terminate()
	}
	p.cancel()
}

func (p *SessionPool) lookup(id string) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s, nil
}

func (p *SessionPool) remove(id string, s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[id] == s {
		delete(p.sessions, id)
	}
}

func (s *session) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-s.done:
		return fmt.Errorf("session %s: helper exited", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) unlock() {
	<-s.sem
}

// terminate closes stdin so a well-behaved helper exits, then kills it if
// it has not exited shortly after.
func (s *session) terminate() {
	_ = s.stdin.Close()
	select {
	case <-s.done:
	case <-time.After(terminateGrace):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.done
	}
	_ = s.outPipe.Close()
	_ = s.errPipe.Close()
}

func checkSessionID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}
