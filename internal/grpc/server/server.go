package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agentconn"
	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
	"github.com/EternisAI/silo-fleet/internal/grpc/wire"
	"google.golang.org/grpc"
)

// ConnHandler serves one agent connection until it ends.
type ConnHandler interface {
	Serve(ctx context.Context, fc agentconn.FrameConn) error
}

type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth string
}

type agentServiceServer interface {
	Stream(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*agentServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    wire.StreamDesc.StreamName,
			Handler:       streamHandler,
			ServerStreams: wire.StreamDesc.ServerStreams,
			ClientStreams: wire.StreamDesc.ClientStreams,
		},
	},
	Metadata: "silofleet/agent.json",
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(agentServiceServer).Stream(stream)
}

type Server struct {
	grpcServer *grpc.Server
	handler    ConnHandler
	port       int
	tlsConfig  *TLSConfig
	listener   net.Listener
	mu         sync.Mutex
}

func NewServer(port int, handler ConnHandler, tlsConfig *TLSConfig) *Server {
	return &Server{
		handler:   handler,
		port:      port,
		tlsConfig: tlsConfig,
	}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

// Serve accepts agent streams on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {

	opts := []grpc.ServerOption{grpc.ForceServerCodec(wire.Codec{})}
	if s.tlsConfig != nil && s.tlsConfig.Enabled {
		clientAuth, err := grpctls.ParseClientAuthType(s.tlsConfig.ClientAuth)
		if err != nil {
			return err
		}
		creds, err := grpctls.LoadServerCredentials(grpctls.Files{
			CertFile: s.tlsConfig.CertFile,
			KeyFile:  s.tlsConfig.KeyFile,
			CAFile:   s.tlsConfig.CAFile,
		}, clientAuth)
		if err != nil {
			return fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		slog.Info("gRPC TLS enabled", "client_auth", s.tlsConfig.ClientAuth)
	}

	grpcServer := grpc.NewServer(opts...)
	grpcServer.RegisterService(&serviceDesc, s)

	s.mu.Lock()
	s.grpcServer = grpcServer
	s.listener = lis
	s.mu.Unlock()

	slog.Info("Starting gRPC server", "address", lis.Addr().String())

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	grpcServer := s.grpcServer
	s.mu.Unlock()
	if grpcServer == nil {
		return nil
	}
	slog.Info("Stopping gRPC server")

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		grpcServer.Stop()
	}
	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}

func (s *Server) Stream(stream grpc.ServerStream) error {
	return s.handler.Serve(stream.Context(), newStreamConn(stream))
}
