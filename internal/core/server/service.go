package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/tollgate/internal/audit"
	"github.com/solatis/tollgate/internal/core/api"
	"github.com/solatis/tollgate/internal/engine"
	"github.com/solatis/tollgate/internal/gate"
	"github.com/solatis/tollgate/internal/types"
)

/*
 * gRPC service without generated stubs.
 *
 * Every method takes and returns a google.protobuf.Struct whose fields are
 * the JSON form of the api request and response types, so the gRPC and HTTP
 * transports share one wire shape. Errors are mapped by api.Status.
 */

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tollgate.v1.Tollgate"

// TollgateService is the operation set both transports expose.
// *api.Service satisfies it.
type TollgateService interface {
	Execute(ctx context.Context, req *api.ExecuteRequest) (*engine.Result, error)
	Execution(ctx context.Context, req *api.ExecutionRequest) (*audit.Execution, error)
	Acknowledge(ctx context.Context, req *api.AcknowledgeRequest) (*types.AcknowledgmentRecord, error)
	Preference(ctx context.Context, req *api.PreferenceRequest) (*types.PreferenceRecord, error)
	Gate(ctx context.Context, draft *gate.OrderDraft) (*gate.Result, error)
	OrderAcknowledgments(ctx context.Context, req *api.OrderRequest) (*api.OrderAcknowledgmentList, error)
}

// Register adds the tollgate service to a gRPC server.
func Register(server grpc.ServiceRegistrar, svc TollgateService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*TollgateService)(nil),
		Methods: []grpc.MethodDesc{
			unary("Execute", TollgateService.Execute),
			unary("GetExecution", TollgateService.Execution),
			unary("Acknowledge", TollgateService.Acknowledge),
			unary("Preference", TollgateService.Preference),
			unary("Gate", TollgateService.Gate),
			unary("OrderAcknowledgments", TollgateService.OrderAcknowledgments),
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "tollgate/v1/tollgate.proto",
	}, svc)
}

// unary builds a method handler that decodes the Struct into Req, calls the
// service and encodes Resp back into a Struct.
func unary[Req, Resp any](name string, call func(TollgateService, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				typed, ok := req.(*structpb.Struct)
				if !ok {
					return nil, status.Error(codes.InvalidArgument, "invalid request type")
				}
				var r Req
				if err := fromStruct(typed, &r); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
				}
				out, err := call(srv.(TollgateService), ctx, &r)
				if err != nil {
					return nil, api.Status(err)
				}
				resp, err := toStruct(out)
				if err != nil {
					return nil, status.Errorf(codes.Internal, "build response: %v", err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod,
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fromStruct(in *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	return out, nil
}
