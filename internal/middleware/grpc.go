package middleware

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-approval-engine/internal/logger"
)

// UnaryServerInterceptor carries the request id from incoming metadata into
// the context, logs each call and converts panics into codes.Internal.
func UnaryServerInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		id := firstMetadata(ctx, strings.ToLower(RequestIDHeader))
		if id == "" {
			id = uuid.New().String()
		}
		ctx = WithRequestID(ctx, id)
		_ = grpc.SetHeader(ctx, metadata.Pairs(strings.ToLower(RequestIDHeader), id))

		defer func() {
			if v := recover(); v != nil {
				log.Error().
					Str("request_id", id).
					Str("method", info.FullMethod).
					Interface("panic", v).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered")
				err = status.Error(codes.Internal, "internal error")
			}
			log.Info().
				Str("request_id", id).
				Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("duration", time.Since(start)).
				Msg("gRPC request")
		}()

		return handler(ctx, req)
	}
}

// firstMetadata returns the first incoming metadata value under key.
func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// UserIDFromMetadata returns the caller-supplied acting user id.
func UserIDFromMetadata(ctx context.Context) string {
	return firstMetadata(ctx, "x-user-id")
}
