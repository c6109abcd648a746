package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/cochaviz/dbmatrix/internal/allocation"
	"github.com/cochaviz/dbmatrix/internal/matrix"
	"github.com/cochaviz/dbmatrix/pkg/matrixtest"
)

// HookServer accepts test announcements on a unix socket and answers each
// one only after the node's BeforeTest hook returned.
type HookServer struct {
	path       string
	beforeTest func(ctx context.Context, test matrix.TestDescriptor) error
	logger     *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closed   bool
}

func NewHookServer(path string, beforeTest func(context.Context, matrix.TestDescriptor) error, logger *slog.Logger) *HookServer {
	return &HookServer{
		path:       path,
		beforeTest: beforeTest,
		logger:     logger,
		conns:      map[net.Conn]struct{}{},
	}
}

func (s *HookServer) Path() string { return s.path }

// Start listens on the socket and serves connections until Close.
func (s *HookServer) Start(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale hook socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on hook socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod hook socket: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

func (s *HookServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("hook socket accept failed", "error", err)
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serve(ctx, conn)
		}()
	}
}

func (s *HookServer) serve(ctx context.Context, conn net.Conn) {
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req matrixtest.Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("hook connection closed", "error", err)
			}
			return
		}
		resp := s.handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug("write hook response", "error", err)
			return
		}
	}
}

func (s *HookServer) handle(ctx context.Context, req matrixtest.Request) matrixtest.Response {
	switch req.Command {
	case matrixtest.CommandPing:
		return matrixtest.Response{OK: true}
	case matrixtest.CommandBeforeTest:
		if req.Class == "" {
			return matrixtest.Response{Error: "test class is required"}
		}
		test := matrix.TestDescriptor{ClassName: req.Class, MethodName: req.Method}
		if err := s.beforeTest(ctx, test); err != nil {
			var resetErr *allocation.ResetError
			if errors.As(err, &resetErr) {
				s.logger.Warn("reset before test failed", "class", req.Class, "method", req.Method, "error", err)
				return matrixtest.Response{Error: err.Error()}
			}
			s.logger.Error("before test hook failed", "class", req.Class, "method", req.Method, "error", err)
			return matrixtest.Response{Error: err.Error()}
		}
		return matrixtest.Response{OK: true}
	default:
		return matrixtest.Response{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (s *HookServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *HookServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Close stops accepting, drops open connections and removes the socket.
func (s *HookServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}
	s.wg.Wait()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}
