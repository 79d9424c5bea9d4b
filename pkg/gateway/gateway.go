package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/lowkey-rwlock/pkg/client"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// how long a status request may wait on the gRPC service
const statusTimeout = 2 * time.Second

// Server is the HTTP admin endpoint of a node: prometheus metrics and the node status,
// the status is read from the node's own gRPC service
type Server struct {
	httpServer *http.Server
	grpcAddr   string
	client     *client.Client
	logger     hclog.Logger
}

func NewServer(httpAddr, grpcAddr string, logger hclog.Logger, opts ...client.Option) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("gateway")

	//status needs no session, the client is never started
	c, err := client.NewClient(grpcAddr, "gateway", append(opts, client.WithLogger(logger))...)
	if err != nil {
		return nil, fmt.Errorf("failed to register gateway: %w", err)
	}

	s := &Server{
		grpcAddr: grpcAddr,
		client:   c,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	status, err := s.client.Status(ctx)
	if err != nil {
		s.logger.Warn("status request failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// serves until Stop, a clean shutdown returns nil
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("HTTP gateway listening", "addr", s.httpServer.Addr, "grpc", s.grpcAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.client.Close(ctx)
	return err
}
