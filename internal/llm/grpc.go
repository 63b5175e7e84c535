package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CompletionServiceName is the gRPC service exposed by a completion sidecar.
const CompletionServiceName = "research.completion.v1.CompletionService"

const completeMethod = "/" + CompletionServiceName + "/Complete"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the sidecar client.
type GRPCConfig struct {
	Address          string
	Model            string
	Temperature      float32
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// GRPCClient implements TextCompletion by calling a model sidecar.
// Requests and replies are google.protobuf.Struct messages:
//
//	request:  {prompt, model, temperature, shape?, shape_instructions?}
//	response: {text}
type GRPCClient struct {
	conn        *grpc.ClientConn
	model       string
	temperature float32
	logger      *slog.Logger
}

// NewGRPCClient dials the sidecar and waits until the connection is ready.
func NewGRPCClient(cfg GRPCConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("grpc: sidecar address is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = 2 * time.Minute
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 10 * time.Second
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to completion sidecar at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad sidecar endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("completion sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to completion sidecar", "address", cfg.Address)

	return &GRPCClient{
		conn:        conn,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Complete implements TextCompletion.
func (c *GRPCClient) Complete(ctx context.Context, req Request) (string, error) {
	fields := map[string]any{
		"prompt":      req.Prompt,
		"model":       c.model,
		"temperature": float64(c.temperature),
	}
	if req.Shape != nil {
		fields["shape"] = req.Shape.Name
		fields["shape_instructions"] = req.Shape.Instructions()
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return "", &CompletionError{Provider: "grpc", Err: fmt.Errorf("build request: %w", err)}
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, completeMethod, in, out); err != nil {
		return "", &CompletionError{Provider: "grpc", StatusCode: httpStatusFromCode(status.Code(err)), Err: err}
	}
	text, ok := out.GetFields()["text"]
	if !ok {
		return "", &CompletionError{Provider: "grpc", Err: errors.New("response has no text field")}
	}
	return text.GetStringValue(), nil
}

// Close closes the sidecar connection.
func (c *GRPCClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// httpStatusFromCode maps gRPC codes onto the HTTP-style status used by
// CompletionError.Retryable.
func httpStatusFromCode(code codes.Code) int {
	switch code {
	case codes.ResourceExhausted:
		return 429
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded, codes.Unknown:
		return 503
	case codes.InvalidArgument, codes.FailedPrecondition:
		return 400
	case codes.Unauthenticated:
		return 401
	case codes.PermissionDenied:
		return 403
	case codes.Canceled:
		return 499
	default:
		return 500
	}
}

// CompletionServer is implemented by a completion sidecar.
type CompletionServer interface {
	Complete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterCompletionServer exposes srv under CompletionServiceName.
func RegisterCompletionServer(s grpc.ServiceRegistrar, srv CompletionServer) {
	s.RegisterService(&completionServiceDesc, srv)
}

var completionServiceDesc = grpc.ServiceDesc{
	ServiceName: CompletionServiceName,
	HandlerType: (*CompletionServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Complete",
			Handler:    completeHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}

func completeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CompletionServer).Complete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: completeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CompletionServer).Complete(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
