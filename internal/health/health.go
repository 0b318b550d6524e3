// Package health publishes the driver's liveness over the standard gRPC
// health protocol and on /debug/health.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
	"tailscale.com/tsweb"

	"github.com/banshee-data/stepper/internal/monitoring"
	"github.com/banshee-data/stepper/internal/protocol"
)

// Service is the health service name reported for the motor driver. The
// empty name reports the same status.
const Service = "stepper.Motor"

// Server is a gRPC server exposing only the health service.
type Server struct {
	hs     *grpchealth.Server
	server *grpc.Server

	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer returns a server reporting NOT_SERVING until SetServing(true).
func NewServer() *Server {
	s := &Server{
		hs:     grpchealth.NewServer(),
		server: grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.server, s.hs)
	s.SetServing(false)
	return s
}

// SetServing updates the reported status.
func (s *Server) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(Service, status)
}

// Status returns the currently reported status.
func (s *Server) Status() healthpb.HealthCheckResponse_ServingStatus {
	resp, err := s.hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN
	}
	return resp.GetStatus()
}

// DisconnectHandler returns a callback for stepper.WithDisconnectHandler that
// marks the driver NOT_SERVING.
func (s *Server) DisconnectHandler() func(error) {
	return func(err error) {
		if !errors.Is(err, protocol.ErrClosed) {
			monitoring.Logf("[health] transport lost: %v", err)
		}
		s.SetServing(false)
	}
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("health server already running")
	}
	s.listener = lis

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("[health] gRPC health listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logf("[health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop reports NOT_SERVING to watchers and stops the server gracefully.
func (s *Server) Stop() {
	s.hs.Shutdown()
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.server.GracefulStop()
	s.wg.Wait()
	monitoring.Logf("[health] gRPC health stopped")
}

// AttachAdminRoutes mounts the health status under /debug/health.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Health", func() any { return s.Status().String() })
	debug.HandleFunc("health", "gRPC health status as JSON", func(w http.ResponseWriter, r *http.Request) {
		status := s.Status()
		b, err := protojson.Marshal(&healthpb.HealthCheckResponse{Status: status})
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to encode status: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if status != healthpb.HealthCheckResponse_SERVING {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(b)
	})
}
