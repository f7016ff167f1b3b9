package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
	"github.com/pesio-ai/be-approval-engine/internal/middleware"
)

func dialEngine(t *testing.T) *grpc.ClientConn {
	t.Helper()
	p := newProcessor(t)
	def := supervisorDefinition()
	_, err := p.CreateDefinition(context.Background(), &def)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(middleware.UnaryServerInterceptor(logger.Nop())))
	NewGRPCHandler(p, logger.Nop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(t *testing.T, conn *grpc.ClientConn, user, method string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	ctx := context.Background()
	if user != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "x-user-id", user)
	}
	out := &structpb.Struct{}
	err = conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out)
	return out, err
}

func TestGRPCStartDecide(t *testing.T) {
	conn := dialEngine(t)

	st, err := call(t, conn, "x", "Start", map[string]any{
		"request_type": "expense",
		"request_ref":  map[string]any{"module": "expense", "id": "E-9"},
		"company_id":   "acme",
	})
	require.NoError(t, err)
	instance := st.GetFields()["instance"].GetStructValue()
	require.Equal(t, "x", instance.GetFields()["applicant_id"].GetStringValue())
	instanceID := instance.GetFields()["id"].GetStringValue()
	records := st.GetFields()["records"].GetListValue().GetValues()
	require.Len(t, records, 1)
	recordID := records[0].GetStructValue().GetFields()["id"].GetStringValue()

	pending, err := call(t, conn, "y", "GetPending", map[string]any{})
	require.NoError(t, err)
	require.Len(t, pending.GetFields()["items"].GetListValue().GetValues(), 1)

	res, err := call(t, conn, "y", "Decide", map[string]any{
		"instance_id": instanceID,
		"record_id":   recordID,
		"action":      "APPROVE",
	})
	require.NoError(t, err)
	require.Equal(t, "APPROVED", res.GetFields()["status"].GetStringValue())

	_, err = call(t, conn, "x", "Cancel", map[string]any{"instance_id": instanceID})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPCErrors(t *testing.T) {
	conn := dialEngine(t)

	tests := map[string]struct {
		user   string
		method string
		in     map[string]any
		code   codes.Code
	}{
		"decide without caller": {
			method: "Decide", in: map[string]any{"instance_id": "i"},
			code: codes.Unauthenticated,
		},
		"unknown instance": {
			user: "y", method: "Decide",
			in:   map[string]any{"instance_id": "missing", "record_id": "r", "action": "APPROVE"},
			code: codes.NotFound,
		},
		"invalid start": {
			user: "x", method: "Start", in: map[string]any{"company_id": "acme"},
			code: codes.InvalidArgument,
		},
		"pending without employee": {
			method: "GetPending", in: map[string]any{},
			code: codes.InvalidArgument,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := call(t, conn, tc.user, tc.method, tc.in)
			require.Equal(t, tc.code, status.Code(err), "got %v", err)
		})
	}
}

func TestGRPCHealth(t *testing.T) {
	conn := dialEngine(t)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestMapErrorToGRPC(t *testing.T) {
	tests := map[string]struct {
		err  error
		code codes.Code
	}{
		"definition":  {errors.New(errors.ErrCodeDefinitionNotFound, "none"), codes.NotFound},
		"duplicate":   {errors.New(errors.ErrCodeDuplicateDecision, "dup"), codes.AlreadyExists},
		"overlap":     {errors.New(errors.ErrCodeDelegationOverlap, "overlap"), codes.AlreadyExists},
		"forbidden":   {errors.New(errors.ErrCodeUnauthorized, "no"), codes.PermissionDenied},
		"stale":       {errors.New(errors.ErrCodeStepMismatch, "stale"), codes.FailedPrecondition},
		"no approver": {errors.New(errors.ErrCodeNoApproverResolved, "empty"), codes.FailedPrecondition},
		"uncoded":     {context.DeadlineExceeded, codes.Internal},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.code, status.Code(mapErrorToGRPC(tc.err)))
		})
	}
	require.NoError(t, mapErrorToGRPC(nil))
}
