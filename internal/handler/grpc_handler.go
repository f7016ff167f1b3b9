package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-engine/internal/domain"
	"github.com/pesio-ai/be-approval-engine/internal/engine"
	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
	"github.com/pesio-ai/be-approval-engine/internal/middleware"
	"github.com/pesio-ai/be-approval-engine/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "approvalengine.v1.ApprovalEngine"

// ApprovalEngineServer is the server API. Payloads are google.protobuf.Struct
// values holding the same JSON documents the HTTP API accepts.
type ApprovalEngineServer interface {
	Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetPending(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ApprovalEngineServiceDesc describes the service for grpc.Server.RegisterService.
var ApprovalEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: unary("Start", ApprovalEngineServer.Start)},
		{MethodName: "Decide", Handler: unary("Decide", ApprovalEngineServer.Decide)},
		{MethodName: "Cancel", Handler: unary("Cancel", ApprovalEngineServer.Cancel)},
		{MethodName: "GetPending", Handler: unary("GetPending", ApprovalEngineServer.GetPending)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvalengine/v1/approval_engine.proto",
}

type structMethod func(ApprovalEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call structMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ApprovalEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ApprovalEngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCHandler implements ApprovalEngineServer
type GRPCHandler struct {
	processor *service.DecisionProcessor
	health    *health.Server
	log       *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(processor *service.DecisionProcessor, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		processor: processor,
		health:    health.NewServer(),
		log:       log.Component("grpc"),
	}
}

// Register installs the engine service, the standard health service and
// server reflection on s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&ApprovalEngineServiceDesc, h)
	healthpb.RegisterHealthServer(s, h.health)
	h.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(s)
}

// Shutdown flips every health status to NOT_SERVING.
func (h *GRPCHandler) Shutdown() {
	h.health.Shutdown()
}

// Start starts an approval instance; the applicant defaults to the caller.
func (h *GRPCHandler) Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req engine.StartRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.ApplicantID == "" {
		req.ApplicantID = middleware.UserIDFromMetadata(ctx)
	}

	st, err := h.processor.Start(ctx, req)
	if err != nil {
		return nil, h.fail(err)
	}
	return toStruct(st)
}

type grpcDecision struct {
	InstanceID     string        `json:"instance_id"`
	RecordID       string        `json:"record_id"`
	Action         domain.Action `json:"action"`
	Comment        string        `json:"comment"`
	IdempotencyKey string        `json:"idempotency_key"`
}

// Decide submits a decision on behalf of the caller.
func (h *GRPCHandler) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actorID := middleware.UserIDFromMetadata(ctx)
	if actorID == "" {
		return nil, status.Error(codes.Unauthenticated, "x-user-id metadata is required")
	}
	var req grpcDecision
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	result, err := h.processor.Decide(ctx, service.DecisionRequest{
		InstanceID:     req.InstanceID,
		RecordID:       req.RecordID,
		ActorID:        actorID,
		Action:         req.Action,
		Comment:        req.Comment,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, h.fail(err)
	}
	return toStruct(result)
}

type grpcCancel struct {
	InstanceID string `json:"instance_id"`
	Reason     string `json:"reason"`
}

// Cancel withdraws an instance on behalf of the caller.
func (h *GRPCHandler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actorID := middleware.UserIDFromMetadata(ctx)
	if actorID == "" {
		return nil, status.Error(codes.Unauthenticated, "x-user-id metadata is required")
	}
	var req grpcCancel
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	st, err := h.processor.Cancel(ctx, req.InstanceID, actorID, req.Reason)
	if err != nil {
		return nil, h.fail(err)
	}
	return toStruct(st)
}

// GetPending lists actionable records; employee_id defaults to the caller.
func (h *GRPCHandler) GetPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	employeeID := in.GetFields()["employee_id"].GetStringValue()
	if employeeID == "" {
		employeeID = middleware.UserIDFromMetadata(ctx)
	}
	if employeeID == "" {
		return nil, status.Error(codes.InvalidArgument, "employee_id is required")
	}

	items, err := h.processor.GetPendingFor(ctx, employeeID)
	if err != nil {
		return nil, h.fail(err)
	}
	return toStruct(map[string]any{"items": nonNilSlice(items)})
}

// ── conversion ────────────────────────────────────────────────────────────────

func fromStruct(in *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request payload")
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func (h *GRPCHandler) fail(err error) error {
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		h.log.Error().Err(err).Msg("Request failed")
	}
	return mapErrorToGRPC(err)
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	var e *errors.Error
	if errors.As(err, &e) {
		msg = e.Message
		if e.Field != "" {
			msg = e.Field + ": " + e.Message
		}
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound, errors.ErrCodeDefinitionNotFound, errors.ErrCodeInstanceNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeConflict, errors.ErrCodeActiveInstanceExists,
		errors.ErrCodeDuplicateDecision, errors.ErrCodeDelegationOverlap:
		return status.Error(codes.AlreadyExists, msg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeInstanceTerminal, errors.ErrCodeStepMismatch,
		errors.ErrCodeNoApproverResolved, errors.ErrCodeGraphInvalid:
		return status.Error(codes.FailedPrecondition, msg)
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
