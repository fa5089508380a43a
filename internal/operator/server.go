// Package operator implements the admin control plane: a
// running `extruderguard start` agent listens on a Unix domain socket;
// the `stop`/`seed-demo`/`reset-state` CLI subcommands are issued as
// JSON commands over that socket rather than by restarting the
// process.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Agent is the interface the operator server drives. Implemented by
// the pipeline manager that owns the running machine workers.
type Agent interface {
	// Stop gracefully stops every running pipeline worker.
	Stop(ctx context.Context) error

	// SeedDemo populates one demo machine, profile, and a short
	// synthetic sample set so the agent is runnable without a live
	// historian.
	SeedDemo(ctx context.Context) error

	// ResetState deletes all alarms and tickets and clears the
	// Incident Manager's in-memory tracking.
	ResetState(ctx context.Context) error

	// Status returns a JSON-able snapshot of the running agent.
	Status(ctx context.Context) map[string]interface{}
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath     string
	agent          Agent
	log            *zap.Logger
	sem            chan struct{}
	publicOverride bool
}

// NewServer creates an operator Server. publicOverride mirrors the
// ALLOW_PUBLIC_SYSTEM_RESET env toggle.
func NewServer(socketPath string, agent Agent, log *zap.Logger, publicOverride bool) *Server {
	return &Server{
		socketPath:     socketPath,
		agent:          agent,
		log:            log,
		sem:            make(chan struct{}, maxConcurrentConns),
		publicOverride: publicOverride,
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	handlers := map[string]handlerFunc{
		"status":      func(r Request) Response { return s.cmdStatus(ctx) },
		"stop":        RequireRole(func(r Request) Response { return s.cmdStop(ctx) }, s.publicOverride, "admin", "operator"),
		"seed-demo":   RequireRole(func(r Request) Response { return s.cmdSeedDemo(ctx) }, s.publicOverride, "admin", "operator"),
		"reset-state": RequireRole(func(r Request) Response { return s.cmdResetState(ctx) }, s.publicOverride, "admin"),
	}
	h, ok := handlers[req.Cmd]
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
	resp := h(req)
	s.log.Info("operator: command handled", zap.String("cmd", req.Cmd), zap.Bool("ok", resp.OK))
	return resp
}

func (s *Server) cmdStatus(ctx context.Context) Response {
	return Response{OK: true, Status: s.agent.Status(ctx)}
}

func (s *Server) cmdStop(ctx context.Context) Response {
	if err := s.agent.Stop(ctx); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Message: "agent stopped"}
}

func (s *Server) cmdSeedDemo(ctx context.Context) Response {
	if err := s.agent.SeedDemo(ctx); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Message: "demo machine, profile, and samples seeded"}
}

func (s *Server) cmdResetState(ctx context.Context) Response {
	if err := s.agent.ResetState(ctx); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Message: "alarms, tickets, and incident state reset"}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
