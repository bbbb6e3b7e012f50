// SPDX-License-Identifier: MPL-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gosh-builder/internal/core/serverbase"
	"gosh-builder/internal/gitcache"
	"gosh-builder/internal/issue"
	"gosh-builder/internal/ledger"
)

const (
	DefaultScheme          = "gosh"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStartupTimeout  = 5 * time.Second
)

type (
	// Config holds the configuration for a Service.
	Config struct {
		// Addr is the HOST:PORT to listen on. Port 0 picks a free port.
		Addr string
		// Scheme is the remote URL scheme for dumb requests. Default "gosh".
		Scheme string
		// RemoteURL maps a dumb request to the remote it mirrors.
		// Default is <Scheme>://contract/dao/repo.
		RemoteURL func(contract, dao, repo string) string
		// ShutdownTimeout bounds how long Stop waits for in-flight requests.
		ShutdownTimeout time.Duration
		// StartupTimeout bounds how long Start waits to bind.
		StartupTimeout time.Duration
		Logger         *log.Logger
	}

	// Option configures a Service.
	Option func(*Service)

	// Service is the fetch proxy. Handlers of both surfaces receive the
	// service itself; there is no package-level state.
	Service struct {
		*serverbase.Base

		cfg      Config
		registry *gitcache.Registry
		ledger   *ledger.Ledger
		sessions *SessionPool
		metrics  *metrics
		logger   *log.Logger

		srvMu      sync.Mutex
		httpServer *http.Server
		grpcServer *grpc.Server
		listener   net.Listener
		addr       string
	}
)

// WithSessionPool replaces the default remote-helper pool.
func WithSessionPool(p *SessionPool) Option {
	return func(s *Service) {
		s.sessions = p
	}
}

// New creates a Service. It does not listen until Start.
func New(cfg Config, registry *gitcache.Registry, l *ledger.Ledger, opts ...Option) *Service {
	if cfg.Scheme == "" {
		cfg.Scheme = DefaultScheme
	}
	if cfg.RemoteURL == nil {
		scheme := cfg.Scheme
		cfg.RemoteURL = func(contract, dao, repo string) string {
			return fmt.Sprintf("%s://%s/%s/%s", scheme, contract, dao, repo)
		}
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}

	s := &Service{
		Base:     serverbase.NewBase(),
		cfg:      cfg,
		registry: registry,
		ledger:   l,
		logger:   cfg.Logger.WithPrefix("proxy"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = NewSessionPool(filepath.Join(registry.Root(), "sessions"),
			WithSessionLogger(s.logger))
	}
	s.metrics = newMetrics(registry.Stats(), l, s.sessions)
	return s
}

// Ledger returns the ledger this service records into.
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// Start binds the listener and returns once the service accepts requests.
func (s *Service) Start(ctx context.Context) error {
	if err := s.TransitionToStarting(ctx); err != nil {
		return err
	}

	startupCtx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	var lc net.ListenConfig
	listener, err := lc.Listen(startupCtx, "tcp", s.cfg.Addr)
	if err != nil {
		s.TransitionToFailed(issue.NewErrorContext().
			WithKind(issue.ErrNetwork).
			WithOperation("start fetch proxy").
			WithResource(s.cfg.Addr).
			WithSuggestion("Choose a free address with --socket").
			Wrap(err).
			BuildError())
		s.sessions.Close()
		return s.LastError()
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(s.unaryInterceptor))
	grpcServer.RegisterService(&goshGetServiceDesc, s)
	grpcServer.RegisterService(&gitRemoteGoshServiceDesc, s)

	httpServer := &http.Server{
		Handler:           h2c.NewHandler(s.dispatch(grpcServer, s.router()), &http2.Server{}),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	s.srvMu.Lock()
	s.listener = listener
	s.addr = listener.Addr().String()
	s.httpServer = httpServer
	s.grpcServer = grpcServer
	s.srvMu.Unlock()

	s.AddGoroutine()
	go s.serve()

	select {
	case <-s.StartedChannel():
		s.logger.Info("fetch proxy started", "address", s.Address())
		return nil
	case err := <-s.Err():
		s.TransitionToFailed(err)
		s.abortStart()
		return err
	case <-startupCtx.Done():
		s.TransitionToFailed(fmt.Errorf("startup timeout: %w", startupCtx.Err()))
		s.abortStart()
		return s.LastError()
	}
}

// abortStart releases what a failed Start acquired.
func (s *Service) abortStart() {
	s.srvMu.Lock()
	httpServer, grpcServer := s.httpServer, s.grpcServer
	s.srvMu.Unlock()

	if grpcServer != nil {
		grpcServer.Stop()
	}
	if httpServer != nil {
		_ = httpServer.Close()
	}
	s.sessions.Close()
}

func (s *Service) serve() {
	defer s.DoneGoroutine()

	s.srvMu.Lock()
	srv := s.httpServer
	listener := s.listener
	s.srvMu.Unlock()

	s.TransitionToRunning()

	if err := srv.Serve(listener); err != nil {
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return
		}
		s.SendError(fmt.Errorf("serve error: %w", err))
	}
}

// Stop stops accepting requests, gives in-flight requests up to
// ShutdownTimeout to finish, then closes every connection and helper.
// It is safe to call more than once.
func (s *Service) Stop() error {
	if !s.TransitionToStopping() {
		if s.State().IsTerminal() {
			s.sessions.Close()
		}
		s.WaitForShutdown()
		return nil
	}

	s.srvMu.Lock()
	httpServer, grpcServer := s.httpServer, s.grpcServer
	s.srvMu.Unlock()

	// The listener closes first so nothing new connects during the drain.
	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	var shutdownErr error
	if httpServer != nil {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		shutdownErr = httpServer.Shutdown(ctx)
		cancel()
	}
	if !s.DrainRequests(max(time.Until(deadline), 0)) {
		s.logger.Warn("forcing shutdown with requests in flight", "active", s.ActiveRequests())
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}
	if httpServer != nil {
		_ = httpServer.Close()
	}
	s.sessions.Close()

	s.WaitForShutdown()
	s.TransitionToStopped()
	s.CloseErrChannel()
	s.logger.Info("fetch proxy stopped", "records", s.ledger.Len())

	if shutdownErr != nil && !errors.Is(shutdownErr, context.DeadlineExceeded) {
		return shutdownErr
	}
	return nil
}

// Address returns the bound address, or "" before Start.
func (s *Service) Address() string {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	return s.addr
}

// dispatch routes HTTP/2 gRPC calls to the gRPC server and everything else
// to the HTTP router.
func (s *Service) dispatch(grpcServer *grpc.Server, router http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
			grpcServer.ServeHTTP(w, r)
			return
		}
		router.ServeHTTP(w, r)
	})
}

func (s *Service) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.admit(), s.observe())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(s.metrics.handler()))
	r.GET("/:contract/:dao/:repo/*path", s.handleDumb)

	return r
}

// admit rejects requests once Stop has begun.
func (s *Service) admit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.BeginRequest() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		defer s.EndRequest()
		c.Next()
	}
}

func (s *Service) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		s.metrics.observe("http", route, strconv.Itoa(code), time.Since(start).Seconds())
		s.logger.Debug("http request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", code, "duration", time.Since(start))
	}
}

func (s *Service) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !s.BeginRequest() {
		return nil, status.Error(codes.Unavailable, "fetch proxy is shutting down")
	}
	defer s.EndRequest()

	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	s.metrics.observe("grpc", info.FullMethod, code.String(), time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn("rpc failed", "method", info.FullMethod, "code", code, "error", err)
	} else {
		s.logger.Debug("rpc", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// record appends to the ledger after a successful fetch.
func (s *Service) record(class ledger.Classification, id string) {
	if s.ledger.Append(class, id) {
		s.logger.Debug("recorded", "class", class, "id", id)
	}
}
