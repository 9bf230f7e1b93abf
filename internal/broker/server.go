// Package broker arbitrates elevated trust for plugins.
//
// The broker runs as a separate process and serves a WebSocket endpoint on
// the loopback interface only. The host sends Request and Check messages;
// the broker answers each exactly once with a Success or Failure carrying
// the same id. Grants are keyed by the archive's content hash and persisted
// append-only, so they survive broker restarts.
package broker

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// ReadyPrefix starts the line the broker prints once it is listening.
const ReadyPrefix = "READY"

// Server serves the broker protocol.
type Server struct {
	decider *Decider
	token   string
	logger  *slog.Logger
	metrics http.Handler
	router  chi.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer creates a server. Clients must present token as a bearer token.
func NewServer(decider *Decider, token string, opts ...ServerOption) *Server {
	s := &Server{
		decider: decider,
		token:   token,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(loopbackOnly)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.With(s.authenticate).Get("/ipc", s.serveIPC)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// loopbackOnly refuses peers that are not on the loopback interface.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			http.Error(w, "loopback only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveIPC(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	s.logger.Debug("client connected", "remote", r.RemoteAddr)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				s.logger.Debug("client read", "error", err)
			}
			return
		}

		reply, ok := s.handle(ctx, data)
		if !ok {
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = wsjson.Write(writeCtx, conn, reply.envelope())
		cancel()
		if err != nil {
			s.logger.Warn("reply write", "id", reply.ID, "error", err)
			return
		}
	}
}

// handle decides one message. ok is false when there is nobody to reply to.
func (s *Server) handle(ctx context.Context, data []byte) (reply Response, ok bool) {
	msg, err := Decode(data)
	if err != nil {
		id, hasID := DecodeID(data)
		s.logger.Warn("undecodable message", "id", id, "error", err)
		return Response{ID: id}, hasID
	}

	switch m := msg.(type) {
	case Request:
		return Response{ID: m.ID, Granted: s.decider.Request(ctx, m)}, true
	case Check:
		return Response{ID: m.ID, Granted: s.decider.Check(ctx, m)}, true
	default:
		s.logger.Warn("unexpected message", "id", msg.MessageID(), "type", fmt.Sprintf("%T", msg))
		return Response{ID: msg.MessageID()}, true
	}
}

// Listen opens the broker's loopback listener. Port 0 picks a free port.
func Listen(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// Serve serves on ln until ctx ends, after writing the ready line to ready.
func (s *Server) Serve(ctx context.Context, ln net.Listener, ready io.Writer) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	if _, err := fmt.Fprintf(ready, "%s %d\n", ReadyPrefix, port); err != nil {
		srv.Close()
		return err
	}
	s.logger.Info("broker listening", "port", port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
