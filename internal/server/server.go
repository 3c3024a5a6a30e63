// Package server exposes the daemon's command protocol over a unix socket:
// one framed msgpack request per connection, with events.subscribe holding
// its connection open as an event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"brokerd/internal/audit"
	"brokerd/internal/config"
	"brokerd/internal/core"
	"brokerd/internal/marketdata"
	"brokerd/internal/monitor"
	"brokerd/internal/orders"
	"brokerd/internal/protocol"
	"brokerd/internal/risk"
	"brokerd/pkg/concurrency"
	apperrors "brokerd/pkg/errors"
	"brokerd/pkg/telemetry"
)

const (
	defaultRequestTimeout = 15 * time.Second
	writeTimeout          = 5 * time.Second
	auditWriteTimeout     = 5 * time.Second
)

// Deps carries the daemon services the server dispatches into.
type Deps struct {
	Provider   core.IProvider
	MarketData *marketdata.Service
	Orders     *orders.Manager
	Risk       *risk.Engine
	Audit      *audit.Log
	Monitor    *monitor.Monitor
	Logger     core.ILogger
}

// Server owns the unix socket, the pid file and the subscriber hub. Every
// handled request is recorded in the audit trail with its exit code.
type Server struct {
	cfg            config.RuntimeConfig
	provider       core.IProvider
	marketData     *marketdata.Service
	orders         *orders.Manager
	risk           *risk.Engine
	auditLog       *audit.Log
	monitor        *monitor.Monitor
	logger         core.ILogger
	requestTimeout time.Duration

	commands map[string]*commandSpec
	hub      *hub
	workers  *concurrency.WorkerPool

	mu       sync.Mutex
	listener net.Listener
	started  time.Time
	stopping bool

	wg   sync.WaitGroup
	done chan struct{}

	now func() time.Time
}

// New wires a server around the daemon services. Start must be called
// before it accepts connections.
func New(cfg config.RuntimeConfig, deps Deps) *Server {
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		cfg:            cfg,
		provider:       deps.Provider,
		marketData:     deps.MarketData,
		orders:         deps.Orders,
		risk:           deps.Risk,
		auditLog:       deps.Audit,
		monitor:        deps.Monitor,
		logger:         deps.Logger,
		requestTimeout: timeout,
		hub:            newHub(deps.Logger),
		workers: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "request_fanout",
			MaxWorkers: 8,
		}, deps.Logger),
		done:           make(chan struct{}),
		now:            func() time.Time { return time.Now().UTC() },
	}
	s.registerCommands()
	return s
}

// SocketPath returns the configured unix socket location.
func (s *Server) SocketPath() string { return s.cfg.SocketPath }

// Done is closed once Stop has finished, whether Stop was called directly
// or triggered by a daemon.stop command.
func (s *Server) Done() <-chan struct{} { return s.done }

// Broadcast fans one event out to the subscriber hub. It is the sink the
// provider, order manager and monitors publish into.
func (s *Server) Broadcast(event core.Event) {
	s.hub.broadcast(event)
}

// SubscriberCount reports the live event stream count.
func (s *Server) SubscriberCount() int { return s.hub.count() }

// Start binds the socket and begins accepting connections. A live socket
// at the configured path means another daemon owns it; a dead one is
// removed as a stale leftover.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		if socketActive(s.cfg.SocketPath) {
			return fmt.Errorf("daemon socket already in use: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
		s.logger.Info("removed stale socket", "socket", s.cfg.SocketPath)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}

	if s.cfg.PidFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.PidFile), 0o755); err != nil {
			listener.Close()
			return fmt.Errorf("failed to create pid directory: %w", err)
		}
		if err := os.WriteFile(s.cfg.PidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			listener.Close()
			return fmt.Errorf("failed to write pid file: %w", err)
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.started = s.now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	if err := s.auditLog.LogConnectionEvent(ctx, "daemon_started", map[string]any{"socket": s.cfg.SocketPath}); err != nil {
		s.logger.Warn("audit connection event failed", "error", err)
	}
	s.logger.Info("daemon listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop closes the listener, ends every subscriber stream, waits for
// in-flight requests and removes the socket and pid files. Safe to call
// more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	s.hub.closeAll()
	s.wg.Wait()
	s.workers.Stop()

	if err := s.auditLog.LogConnectionEvent(ctx, "daemon_stopped", map[string]any{}); err != nil {
		s.logger.Warn("audit connection event failed", "error", err)
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove socket", "socket", s.cfg.SocketPath, "error", err)
	}
	if s.cfg.PidFile != "" {
		if err := os.Remove(s.cfg.PidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove pid file", "pid_file", s.cfg.PidFile, "error", err)
		}
	}

	s.logger.Info("daemon stopped")
	close(s.done)
	return nil
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn serves exactly one request. Subscriptions keep the
// connection open; everything else is request, response, close.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return
		}
		s.writeResponse(conn, protocol.ErrResponse("", apperrors.InvalidArgs(
			fmt.Sprintf("malformed request: %v", err),
			apperrors.WithSuggestion(paramsSuggestion),
		)))
		return
	}

	if req.Stream && req.Command == "events.subscribe" {
		s.handleSubscribe(conn, req)
		return
	}

	began := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	data, err := s.dispatch(ctx, req)
	cancel()

	holder := telemetry.GetGlobalMetrics()
	resultCode := 0
	var resp *protocol.Response
	if err != nil {
		typed := s.classifyError(req, err)
		resultCode = typed.ExitCode()
		resp = protocol.ErrResponse(req.RequestID, typed)
		if isRiskDenial(typed.Code) {
			holder.RecordRiskDenial(context.Background(), string(typed.Code))
		}
	} else {
		resp = protocol.OKResponse(req.RequestID, data)
	}
	holder.RecordRequest(context.Background(), req.Command, err == nil, time.Since(began).Seconds())

	s.writeResponse(conn, resp)
	s.logCommand(req, resultCode)
}

// isRiskDenial reports whether a code represents the risk gate rejecting
// an order, as opposed to a transport or provider failure.
func isRiskDenial(code apperrors.Code) bool {
	switch code {
	case apperrors.CodeRiskCheckFailed, apperrors.CodeRiskHalted,
		apperrors.CodeRateLimited, apperrors.CodeDuplicateOrder:
		return true
	}
	return false
}

// classifyError maps handler failures onto the wire taxonomy. Anything
// untyped is an internal error worth a log line.
func (s *Server) classifyError(req *protocol.Request, err error) *apperrors.Error {
	if typed, ok := apperrors.As(err); ok {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Timeout(fmt.Sprintf("request timed out after %gs", s.requestTimeout.Seconds()))
	}
	s.logger.Error("unhandled daemon error", "command", req.Command, "error", err)
	return apperrors.Internal(err.Error())
}

func (s *Server) writeResponse(conn net.Conn, resp *protocol.Response) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteMessage(conn, resp); err != nil {
		s.logger.Warn("failed to write response", "request_id", resp.RequestID, "error", err)
	}
}

// logCommand records the handled request with its exit code. Audit
// failures degrade to a warning so the response path never blocks on
// the database.
func (s *Server) logCommand(req *protocol.Request, resultCode int) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if err := s.auditLog.LogCommand(ctx, req.Source, req.Command, req.Params, req.RequestID, resultCode); err != nil {
		s.logger.Warn("audit command failed", "command", req.Command, "error", err)
	}
}

// handleSubscribe validates the topic selection, acks with the resolved
// set and then streams matching events until the peer hangs up or the
// daemon stops.
func (s *Server) handleSubscribe(conn net.Conn, req *protocol.Request) {
	topics, err := subscriptionTopics(params(req.Params))
	if err != nil {
		typed := s.classifyError(req, err)
		s.writeResponse(conn, protocol.ErrResponse(req.RequestID, typed))
		s.logCommand(req, typed.ExitCode())
		return
	}

	sub := newSubscriber(req.RequestID, topics)
	s.hub.add(sub)
	defer s.hub.remove(sub)

	s.logCommand(req, 0)
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := protocol.WriteMessage(conn, protocol.OKResponse(req.RequestID, map[string]any{"subscribed": topics})); err != nil {
		s.logger.Warn("failed to ack subscription", "request_id", req.RequestID, "error", err)
		return
	}

	// The peer never sends again; a read unblocking means it hung up.
	peerClosed := make(chan struct{})
	go func() {
		defer close(peerClosed)
		io.Copy(io.Discard, conn)
	}()

	for {
		select {
		case frame, ok := <-sub.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.WriteFrame(conn, frame); err != nil {
				s.logger.Debug("subscriber write failed", "subscriber_id", sub.id, "error", err)
				return
			}
		case <-peerClosed:
			return
		}
	}
}

// socketActive reports whether something is accepting on the path.
func socketActive(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
