// ABOUTME: TaskControl gRPC service registered with a hand-written ServiceDesc
// ABOUTME: Carries google.protobuf.Struct messages and serves grpc health beside it

package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-conductor/internal/auth"
	"github.com/2389/coven-conductor/internal/runloop"
	"github.com/2389/coven-conductor/internal/task"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "coven.conductor.v1.TaskControl"

// TaskControlServer is the server API for the TaskControl service.
type TaskControlServer interface {
	Launch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTask(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(TaskControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TaskControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(TaskControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes TaskControl for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskControlServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("Launch", TaskControlServer.Launch),
		methodDesc("Resume", TaskControlServer.Resume),
		methodDesc("Cancel", TaskControlServer.Cancel),
		methodDesc("Decide", TaskControlServer.Decide),
		methodDesc("GetTask", TaskControlServer.GetTask),
	},
	Streams: []grpc.StreamDesc{},
}

// Server implements TaskControlServer over a Backend.
type Server struct {
	backend Backend
	logger  *slog.Logger
}

var _ TaskControlServer = (*Server)(nil)

// NewServer creates a TaskControl server.
func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, logger: logger.With("component", "grpc")}
}

// Register adds TaskControl and a SERVING health service to s. The returned
// health server flips to NOT_SERVING on Shutdown.
func Register(s grpc.ServiceRegistrar, srv TaskControlServer) *health.Server {
	s.RegisterService(&ServiceDesc, srv)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

type idRequest struct {
	ID string `json:"id"`
}

// Launch starts a task. It returns once the task holds a slot.
func (s *Server) Launch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req runloop.StartRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.taskReply(s.backend.Launch(ctx, req))
}

// Resume continues a finished session with a new prompt.
func (s *Server) Resume(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req task.ResumeRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return s.taskReply(s.backend.Resume(ctx, req))
}

// Cancel stops a running task.
func (s *Server) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	return s.taskReply(s.backend.Cancel(ctx, req.ID))
}

// Decide approves or rejects a plan. Requires the operator role.
func (s *Server) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if !auth.FromContext(ctx).HasRole(auth.RoleOperator) {
		return nil, status.Error(codes.PermissionDenied, "operator role required")
	}
	var req DecideRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.backend.Decide(ctx, req); err != nil {
		s.logger.Debug("decide failed", "plan_id", req.PlanID, "error", err)
		return nil, toStatus(err)
	}
	return encode(DecideResponse{PlanID: req.PlanID, Approved: req.Approved})
}

// GetTask returns one task.
func (s *Server) GetTask(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	return s.taskReply(s.backend.Task(req.ID))
}

func (s *Server) taskReply(t *task.Task, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(t)
}

// decode maps a Struct onto v through its JSON form.
func decode(in *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "reading request: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	return nil
}

// encode is the inverse of decode.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return out, nil
}

// Client calls TaskControl on a remote process.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Launch starts a task remotely.
func (c *Client) Launch(ctx context.Context, req runloop.StartRequest) (*task.Task, error) {
	var t task.Task
	if err := c.invoke(ctx, "Launch", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Resume continues a session remotely.
func (c *Client) Resume(ctx context.Context, req task.ResumeRequest) (*task.Task, error) {
	var t task.Task
	if err := c.invoke(ctx, "Resume", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel stops a task remotely.
func (c *Client) Cancel(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.invoke(ctx, "Cancel", idRequest{ID: id}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Decide records a plan decision remotely.
func (c *Client) Decide(ctx context.Context, req DecideRequest) error {
	var resp DecideResponse
	return c.invoke(ctx, "Decide", req, &resp)
}

// GetTask fetches a task remotely.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.invoke(ctx, "GetTask", idRequest{ID: id}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if err := decode(out, resp); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	return nil
}
