// Package server exposes the cloud API actions over gRPC. The service
// is described by hand and carried with the CBOR codec, so request and
// response messages are the plain Go types of the action table.
package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/devghori1264/aerophoenix/controlplane/internal/auth"
	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "aerophoenix.cloud.v1.Cloud"

// Identity headers, used as gRPC metadata keys and HTTP headers.
const (
	HeaderUserID    = "x-user-id"
	HeaderProjectID = "x-project-id"
	HeaderSecret    = "x-secret"
	HeaderRequestID = "x-request-id"
)

// Identity is what a caller claims to be before authorization.
type Identity struct {
	UserID    string
	ProjectID string
	Secret    string
	RequestID string
}

// Authorizer turns a claimed identity into an authorization context.
type Authorizer interface {
	Authorize(ctx context.Context, userID, projectID, secret, requestID string) (auth.Context, error)
}

// Server dispatches actions for both transports.
type Server struct {
	actions Actions
	auth    Authorizer
	logger  *zap.Logger
}

func New(actions Actions, authorizer Authorizer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{actions: actions, auth: authorizer, logger: logger}
}

// Lookup returns the named action.
func (s *Server) Lookup(name string) (Action, error) {
	a, ok := s.actions[name]
	if !ok {
		return Action{}, fault.BadRequestf("unknown action %q", name)
	}
	return a, nil
}

// Run authorizes the caller and runs the action with a decoded request.
func (s *Server) Run(ctx context.Context, a Action, id Identity, req any) (any, error) {
	actx, err := s.auth.Authorize(ctx, id.UserID, id.ProjectID, id.Secret, id.RequestID)
	if err != nil {
		return nil, err
	}
	return a.run(ctx, actx, req)
}

// RegisterGRPC registers the cloud service on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(s.serviceDesc(), s)
}

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Metadata:    "aerophoenix/cloud/v1/cloud",
	}
	for _, name := range s.actions.Names() {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    s.unaryHandler(s.actions[name]),
		})
	}
	return desc
}

func (s *Server) unaryHandler(a Action) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := a.NewRequest()
		if err := dec(req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decoding %s request: %v", a.Name, err)
		}
		handler := func(ctx context.Context, req any) (any, error) {
			resp, err := s.Run(ctx, a, identityFromMetadata(ctx), req)
			if err != nil {
				return nil, Status(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + ServiceName + "/" + a.Name}
		return interceptor(ctx, req, info, handler)
	}
}

func identityFromMetadata(ctx context.Context) Identity {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return Identity{
		UserID:    first(HeaderUserID),
		ProjectID: first(HeaderProjectID),
		Secret:    first(HeaderSecret),
		RequestID: first(HeaderRequestID),
	}
}

var kindCodes = map[fault.Kind]codes.Code{
	fault.NotFound:      codes.NotFound,
	fault.Conflict:      codes.Aborted,
	fault.InvalidState:  codes.FailedPrecondition,
	fault.BadRequest:    codes.InvalidArgument,
	fault.RemoteFailure: codes.Unavailable,
	fault.Forbidden:     codes.PermissionDenied,
	fault.Internal:      codes.Internal,
}

// Status converts err to a gRPC status error carrying its fault kind.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, ok := kindCodes[fault.KindOf(err)]
	if !ok {
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// FromStatus converts a gRPC status error back to a fault error.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	for kind, code := range kindCodes {
		if code == st.Code() {
			return fault.New(kind, "%s", st.Message())
		}
	}
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Canceled:
		return fault.New(fault.RemoteFailure, "%s", st.Message())
	case codes.Unimplemented:
		return fault.New(fault.BadRequest, "%s", st.Message())
	}
	return fault.New(fault.Internal, "%s", st.Message())
}

// LoggingInterceptor logs every unary call with its outcome.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc request",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("elapsed", time.Since(start)))
		return resp, err
	}
}
