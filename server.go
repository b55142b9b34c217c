package kestrel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/semaphore"

	"github.com/synqronlabs/kestrel/utils"
)

// Server accepts SMTP connections and runs one Session per connection.
type Server struct {
	config   ServerConfig
	commands *CommandRegistry
	metrics  *Metrics
	ids      *utils.IDGenerator

	mu       sync.Mutex // guards listener
	listener net.Listener

	// live sessions
	sessMu   sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup

	// admission permits for AdmissionReject; nil when unlimited or blocking
	sem *semaphore.Weighted

	// shutdown coordination
	ctx          context.Context
	cancel       context.CancelFunc
	closed       atomic.Bool
	shutdownOnce sync.Once
}

// NewServer creates a new SMTP server with the given configuration.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hostname == "" {
		return nil, errors.New("smtp: hostname is required")
	}
	config.applyDefaults()
	if config.RequireAuth && config.Validator == nil {
		return nil, errors.New("smtp: RequireAuth needs a Validator")
	}
	// The registry may be shared with other configs; restrict a copy.
	config.Mechanisms = config.Mechanisms.Clone()
	config.Mechanisms.Restrict(config.AuthMechanisms)

	cmds := append(builtinCommands(), config.Commands...)

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		config:   config,
		commands: newCommandRegistry(cmds...),
		metrics:  config.Metrics,
		ids:      utils.NewIDGenerator(),
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if config.Admission == AdmissionReject && config.MaxConnections > 0 {
		srv.sem = semaphore.NewWeighted(int64(config.MaxConnections + config.ConnectionReserve))
	}
	return srv, nil
}

// ListenAndServe starts the SMTP server on the configured address.
func (srv *Server) ListenAndServe() error {
	if srv.closed.Load() {
		return ErrServerClosed
	}
	listener, err := net.Listen("tcp", srv.config.Addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	return srv.Serve(listener)
}

// Serve accepts connections on listener until Shutdown or Close, then
// returns ErrServerClosed. The listener is closed on return.
func (srv *Server) Serve(listener net.Listener) error {
	if srv.config.Admission == AdmissionBlock && srv.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, srv.config.MaxConnections)
	}
	if !srv.setListener(listener) {
		_ = listener.Close()
		return ErrServerClosed
	}

	srv.config.Logger.Info("SMTP server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", srv.config.Hostname),
		slog.String("admission", srv.config.Admission.String()),
		slog.Int("max_connections", srv.config.MaxConnections),
	)

	var delay time.Duration
	for {
		if srv.sem != nil {
			// Only fails once the server context is cancelled.
			if err := srv.sem.Acquire(srv.ctx, 1); err != nil {
				return ErrServerClosed
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			srv.releasePermit()
			if srv.closed.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			delay = nextBackoff(delay)
			srv.config.Logger.Error("accept error", slog.Any("error", err), slog.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-srv.ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		delay = 0

		s := newSession(srv, conn)
		live, ok := srv.track(s)
		if !ok {
			s.close()
			srv.releasePermit()
			return ErrServerClosed
		}
		go srv.handle(s, live)
	}
}

// nextBackoff doubles the accept retry delay from 5ms up to 1s.
func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (srv *Server) setListener(l net.Listener) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed.Load() {
		return false
	}
	srv.listener = l
	return true
}

// track adds s to the live set and returns the new count. It fails once
// the server is closed; the check and the insert share the lock that
// Shutdown takes, so no session can slip past the shutdown notice.
func (srv *Server) track(s *Session) (int, bool) {
	srv.sessMu.Lock()
	defer srv.sessMu.Unlock()
	if srv.closed.Load() {
		return 0, false
	}
	srv.sessions[s] = struct{}{}
	srv.wg.Add(1)
	srv.metrics.sessionOpened()
	return len(srv.sessions), true
}

// release removes s from the live set and gives back its permit. Only the
// first call for a session has any effect.
func (srv *Server) release(s *Session) {
	srv.sessMu.Lock()
	_, live := srv.sessions[s]
	delete(srv.sessions, s)
	srv.sessMu.Unlock()
	if !live {
		return
	}
	srv.metrics.sessionClosed()
	srv.releasePermit()
	srv.wg.Done()
}

func (srv *Server) releasePermit() {
	if srv.sem != nil {
		srv.sem.Release(1)
	}
}

// handle runs s, or turns it away when it is one of the reserve
// connections above MaxConnections.
func (srv *Server) handle(s *Session, live int) {
	max := srv.config.MaxConnections
	if srv.config.Admission == AdmissionReject && max > 0 && live > max {
		srv.metrics.connection("rejected")
		s.logger.Warn("connection limit reached", slog.Int("live", live), slog.Int("max", max))
		_ = s.writeWithDeadline(time.Second, Response{
			Code:    CodeServiceUnavailable,
			Message: srv.config.Hostname + " Too many connections, try again later",
		})
		s.close()
		srv.release(s)
		return
	}
	srv.metrics.connection("accepted")
	s.serve()
}

// Shutdown stops accepting, tells every live session the service is going
// away, and waits for the sessions to end or ctx to expire. It may be
// called more than once and before Serve.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.stop()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is Shutdown without the wait.
func (srv *Server) Close() error {
	srv.stop()
	return nil
}

func (srv *Server) stop() {
	srv.shutdownOnce.Do(func() {
		srv.closed.Store(true)
		srv.cancel()

		srv.mu.Lock()
		if srv.listener != nil {
			_ = srv.listener.Close()
		}
		srv.mu.Unlock()

		srv.sessMu.Lock()
		live := make([]*Session, 0, len(srv.sessions))
		for s := range srv.sessions {
			live = append(live, s)
		}
		srv.sessMu.Unlock()

		srv.config.Logger.Info("SMTP server shutting down", slog.Int("sessions", len(live)))
		for _, s := range live {
			s.notifyShutdown()
		}
	})
}

// Addr returns the listener address, or nil before Serve.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// ActiveSessions returns the number of live sessions.
func (srv *Server) ActiveSessions() int {
	srv.sessMu.Lock()
	defer srv.sessMu.Unlock()
	return len(srv.sessions)
}

// Config returns a copy of the effective configuration.
func (srv *Server) Config() ServerConfig {
	return srv.config
}

func (srv *Server) tlsAvailable() bool {
	return srv.config.TLSConfig != nil && !srv.config.HideTLS
}
