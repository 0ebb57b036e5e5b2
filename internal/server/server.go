// Package server exposes the HTTP API: job control endpoints and a
// per-job WebSocket event stream for progress monitoring.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/backsyncd/backsync/internal/importer"
	"github.com/backsyncd/backsync/internal/jobs"
)

// Server serves the job API over HTTP and streams job events over WebSocket.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	orchestrator *jobs.Orchestrator
	executor     *importer.Executor

	// Open WebSocket connections, closed on shutdown.
	conns   map[*websocket.Conn]bool
	connsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server construction parameters.
type Config struct {
	// Port to listen on (default: 8080).
	Port int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// NewServer creates a server over the orchestrator and executor.
func NewServer(orchestrator *jobs.Orchestrator, executor *importer.Executor, config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:         fmt.Sprintf(":%d", config.Port),
		orchestrator: orchestrator,
		executor:     executor,
		conns:        make(map[*websocket.Conn]bool),
		ctx:          ctx,
		cancel:       cancel,
		logger:       config.Logger,
	}
}

// Start begins listening and serving. Non-blocking.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler: s.routes(),
		// No WriteTimeout: the events endpoint holds connections open.
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("API server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and closes every event stream.
func (s *Server) Stop() error {
	s.logger.Println("Stopping API server")

	s.cancel()

	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.conns, conn)
	}
	s.connsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("API server stopped")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) trackConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = true
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(conn *websocket.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}
