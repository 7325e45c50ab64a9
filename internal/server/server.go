// ============================================================================
// forgec compile server - gRPC front for a compiler backend
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Exposes any compilers.Compiler over gRPC so builds can run their
//          compiler invocations on another machine.
//
// Methods:
//   /forgec.Compiler/Compile   CompileRequest JSON -> compilers.Output JSON
//   /forgec.Compiler/Versions  VersionsRequest JSON -> VersionsResponse JSON
//
// Status codes:
//   - malformed request:           InvalidArgument
//   - compiler could not run:      Internal
//   - caller cancelled / deadline: Canceled / DeadlineExceeded
//
// Diagnostics are part of a successful response; only invocation failures
// become RPC errors.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/foundry-rs/foundry-sub026/internal/compilers"
	"github.com/foundry-rs/foundry-sub026/internal/metrics"
)

var log = slog.Default()

// CompilerServer is the server side of the compile service.
type CompilerServer interface {
	Compile(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Versions(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// Server serves one compiler backend.
type Server struct {
	compiler compilers.Compiler
	metrics  *metrics.Collector
}

// NewServer creates a server for compiler. collector may be nil.
func NewServer(compiler compilers.Compiler, collector *metrics.Collector) *Server {
	return &Server{compiler: compiler, metrics: collector}
}

// Register attaches the compile service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Compile runs one compiler invocation.
func (s *Server) Compile(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	resp, err := s.compile(ctx, req)
	s.record(err)
	return resp, err
}

func (s *Server) compile(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	in, err := ParseCompileRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	log.Info("compile request", "language", in.Language, "version", in.Version, "sources", len(in.Sources))
	out, err := s.compiler.Compile(ctx, in)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return nil, status.Error(codes.Canceled, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		}
		log.Warn("compiler failed", "version", in.Version, "error", err)
		return nil, status.Error(codes.Internal, err.Error())
	}
	if out == nil {
		out = &compilers.Output{}
	}

	resp, err := Encode(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// Versions lists the versions the backend offers for a language.
func (s *Server) Versions(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var vr VersionsRequest
	if err := Decode(req, &vr); err != nil {
		s.record(status.Error(codes.InvalidArgument, err.Error()))
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var resp VersionsResponse
	for _, v := range s.compiler.Available(vr.Language) {
		resp.Versions = append(resp.Versions, v.String())
	}
	out, err := Encode(resp)
	if err != nil {
		err = status.Error(codes.Internal, err.Error())
	}
	s.record(err)
	return out, err
}

func (s *Server) record(err error) {
	if s.metrics != nil {
		s.metrics.RecordRequest(status.Code(err).String())
	}
}

// Serve runs a gRPC server for s on lis until ctx is done, then stops it
// gracefully.
func Serve(ctx context.Context, lis net.Listener, s *Server) error {
	gs := grpc.NewServer()
	s.Register(gs)

	errCh := make(chan error, 1)
	go func() {
		log.Info("compile server listening", "addr", lis.Addr().String())
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		log.Info("stopping compile server")
		gs.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// ============================================================================
// Service descriptor
// ============================================================================

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CompilerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compile", Handler: unary(CompileMethod, CompilerServer.Compile)},
		{MethodName: "Versions", Handler: unary(VersionsMethod, CompilerServer.Versions)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forgec/compiler.proto",
}

type method func(CompilerServer, context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)

func unary(fullMethod string, call method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CompilerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CompilerServer), ctx, req.(*wrapperspb.BytesValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}
