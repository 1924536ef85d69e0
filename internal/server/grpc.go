package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"PoolLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Server runs the gRPC health endpoint, the HTTP/JSON API and the metrics
// listener.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	metrics      *http.Server

	grpcAddr string
	checker  *observability.HealthChecker
	logger   zerolog.Logger
}

// Addrs holds the listen addresses. An empty MetricsAddr serves /metrics on
// the HTTP listener instead.
type Addrs struct {
	GRPC    string `yaml:"grpc"`
	HTTP    string `yaml:"http"`
	Metrics string `yaml:"metrics"`
}

func DefaultAddrs() Addrs {
	return Addrs{GRPC: ":9090", HTTP: ":8080", Metrics: ":9091"}
}

func New(addrs Addrs, api *API, checker *observability.HealthChecker, logger zerolog.Logger) (*Server, error) {
	handler, err := api.Handler()
	if err != nil {
		return nil, err
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLogger(logger)))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	reflection.Register(grpcServer)

	s := &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     addrs.GRPC,
		checker:      checker,
		logger:       logger,
	}

	if addrs.Metrics == "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/", handler)
		handler = mux
	} else {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metrics = &http.Server{Addr: addrs.Metrics, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	s.httpServer = &http.Server{Addr: addrs.HTTP, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// unaryLogger logs every unary call with its status code and latency.
func unaryLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("latency", time.Since(start)).
			Msg("grpc call")
		return resp, err
	}
}

// SetServing flips the gRPC health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// WatchReadiness mirrors the readiness probes into the gRPC health status
// until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, every time.Duration) {
	if s.checker == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		failures := s.checker.Check(ctx)
		s.SetServing(s.checker.IsReady() && len(failures) == 0)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	return s.serve(ctx, s.httpServer, "HTTP API")
}

// StartMetrics serves /metrics on its own listener. It returns immediately
// when metrics share the HTTP listener.
func (s *Server) StartMetrics(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}
	return s.serve(ctx, s.metrics, "metrics server")
}

func (s *Server) serve(ctx context.Context, srv *http.Server, name string) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Str("server", name).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Str("server", name).Msg("shutdown")
		}
	}()

	s.logger.Info().Str("server", name).Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
