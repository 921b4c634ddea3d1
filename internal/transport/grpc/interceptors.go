package grpcx

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/cwrk-planet/watch-party/pkg/httputil"
	"github.com/cwrk-planet/watch-party/pkg/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	mdRequestID = "x-request-id"
	callTimeout = 10 * time.Second

	// Orchestrators poll health every few seconds.
	healthService = "/grpc.health.v1.Health/"
)

// UnaryServerInterceptor tags the call with the caller's request id, bounds
// it when no deadline was sent and turns a panic into codes.Internal.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, callTimeout)
			defer cancel()
		}
		ctx = tagRequest(ctx)

		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				err = panicStatus(ctx, info.FullMethod, p)
			}
			logCall(ctx, info.FullMethod, start, err)
		}()
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the stream counterpart; Health/Watch streams
// run until the client leaves, so no deadline is added.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		ctx := tagRequest(ss.Context())

		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				err = panicStatus(ctx, info.FullMethod, p)
			}
			logCall(ctx, info.FullMethod, start, err)
		}()
		return handler(srv, ss)
	}
}

func tagRequest(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	if ids := md.Get(mdRequestID); len(ids) > 0 && ids[0] != "" {
		return httputil.WithRequestID(ctx, ids[0])
	}
	return ctx
}

func panicStatus(ctx context.Context, method string, p any) error {
	logger.Ctx(ctx).Error("grpc panic",
		"method", method,
		"panic", fmt.Sprint(p),
		"stack", string(debug.Stack()))
	return status.Error(codes.Internal, "internal server error")
}

func logCall(ctx context.Context, method string, start time.Time, err error) {
	code := status.Code(err)
	level := slog.LevelInfo
	switch {
	case code == codes.Internal || code == codes.Unknown:
		level = slog.LevelError
	case err != nil:
		level = slog.LevelWarn
	case strings.HasPrefix(method, healthService):
		level = slog.LevelDebug
	}
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("code", code.String()),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	logger.Ctx(ctx).LogAttrs(ctx, level, "grpc call", attrs...)
}
