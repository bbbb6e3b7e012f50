// SPDX-License-Identifier: MPL-2.0

package proxy

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gosh-builder/internal/gitcache"
	"gosh-builder/internal/ledger"
)

const (
	goshGetService       = "gosh.GoshGet"
	gitRemoteGoshService = "gosh.GitRemoteGosh"
)

type (
	// GoshGetServer fetches immutable content from the cache.
	GoshGetServer interface {
		Commit(context.Context, *CommitRequest) (*CommitResponse, error)
		File(context.Context, *FileRequest) (*FileResponse, error)
	}

	// GitRemoteGoshServer drives remote-helper sessions.
	GitRemoteGoshServer interface {
		Spawn(context.Context, *SpawnRequest) (*SpawnResponse, error)
		Command(context.Context, *CommandRequest) (*CommandResponse, error)
		GetArchive(context.Context, *GetArchiveRequest) (*GetArchiveResponse, error)
	}
)

var goshGetServiceDesc = grpc.ServiceDesc{
	ServiceName: goshGetService,
	HandlerType: (*GoshGetServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Commit",
			Handler: unaryHandler(goshGetService+"/Commit", func(srv any, ctx context.Context, req *CommitRequest) (any, error) {
				return srv.(GoshGetServer).Commit(ctx, req)
			}),
		},
		{
			MethodName: "File",
			Handler: unaryHandler(goshGetService+"/File", func(srv any, ctx context.Context, req *FileRequest) (any, error) {
				return srv.(GoshGetServer).File(ctx, req)
			}),
		},
	},
	Metadata: "gosh.proto",
}

var gitRemoteGoshServiceDesc = grpc.ServiceDesc{
	ServiceName: gitRemoteGoshService,
	HandlerType: (*GitRemoteGoshServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Spawn",
			Handler: unaryHandler(gitRemoteGoshService+"/Spawn", func(srv any, ctx context.Context, req *SpawnRequest) (any, error) {
				return srv.(GitRemoteGoshServer).Spawn(ctx, req)
			}),
		},
		{
			MethodName: "Command",
			Handler: unaryHandler(gitRemoteGoshService+"/Command", func(srv any, ctx context.Context, req *CommandRequest) (any, error) {
				return srv.(GitRemoteGoshServer).Command(ctx, req)
			}),
		},
		{
			MethodName: "GetArchive",
			Handler: unaryHandler(gitRemoteGoshService+"/GetArchive", func(srv any, ctx context.Context, req *GetArchiveRequest) (any, error) {
				return srv.(GitRemoteGoshServer).GetArchive(ctx, req)
			}),
		},
	},
	Metadata: "gosh.proto",
}

// unaryHandler adapts a typed method to grpc.MethodHandler.
func unaryHandler[Req any](method string, call func(srv any, ctx context.Context, req *Req) (any, error)) grpc.MethodHandler {
	fullMethod := "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		})
	}
}

// Commit returns the zstd tar of a commit and records it.
func (s *Service) Commit(ctx context.Context, req *CommitRequest) (*CommitResponse, error) {
	commit, err := s.registry.Normalize(ctx, req.GoshURL, req.Commit)
	if err != nil {
		return nil, rpcError(err)
	}

	var body bytes.Buffer
	if err := s.registry.Archive(ctx, req.GoshURL, commit, &body); err != nil {
		return nil, rpcError(err)
	}

	s.record(ledger.Commit, ledger.CommitID(req.GoshURL, commit))
	return &CommitResponse{Body: body.Bytes()}, nil
}

// File returns one file at a commit and records it.
func (s *Service) File(ctx context.Context, req *FileRequest) (*FileResponse, error) {
	if req.Path == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}

	commit, err := s.registry.Normalize(ctx, req.GoshURL, req.Commit)
	if err != nil {
		return nil, rpcError(err)
	}

	encoding := gitcache.EncodingZstd
	if req.Raw {
		encoding = gitcache.EncodingRaw
	}

	var body bytes.Buffer
	if err := s.registry.Show(ctx, req.GoshURL, commit, req.Path, &body, encoding); err != nil {
		return nil, rpcError(err)
	}

	s.record(ledger.File, ledger.FileID(req.GoshURL, commit, req.Path))
	return &FileResponse{Body: body.Bytes()}, nil
}

// Spawn starts a remote-helper session and records the helper arguments.
func (s *Service) Spawn(ctx context.Context, req *SpawnRequest) (*SpawnResponse, error) {
	if err := s.sessions.Spawn(ctx, req.ID, req.Args); err != nil {
		return nil, rpcError(err)
	}
	s.record(ledger.Repository, strings.Join(req.Args, ":"))
	return &SpawnResponse{}, nil
}

// Command sends one request to a session and returns its response.
func (s *Service) Command(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	body, err := s.sessions.Command(ctx, req.ID, req.Body)
	if err != nil {
		return nil, rpcError(err)
	}
	return &CommandResponse{Body: body}, nil
}

// GetArchive returns the session's git directory as a zstd tar.
func (s *Service) GetArchive(ctx context.Context, req *GetArchiveRequest) (*GetArchiveResponse, error) {
	var body bytes.Buffer
	if err := s.sessions.Archive(ctx, req.ID, &body); err != nil {
		return nil, rpcError(err)
	}
	return &GetArchiveResponse{Body: body.Bytes()}, nil
}

// rpcError maps a proxy failure to a gRPC status.
func rpcError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case gitcache.IsNotFound(err), errors.Is(err, ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, gitcache.ErrInvalidRef), errors.Is(err, ErrInvalidSessionID):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
