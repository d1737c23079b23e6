// ABOUTME: gRPC interceptor authenticating requests with JWT bearer tokens
// ABOUTME: Extracts the token from metadata and populates context for handlers

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// healthPrefix is left open so probes work without credentials.
const healthPrefix = "/grpc.health.v1.Health/"

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(ctx context.Context, logger *slog.Logger, method, reason string) {
	attrs := []any{"reason", reason, "method", method}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		attrs = append(attrs, "peer_addr", p.Addr.String())
	}
	logger.Warn("auth failure", attrs...)
}

// UnaryInterceptor authenticates unary calls. A nil verifier disables auth
// and attaches the Anonymous identity so handlers can always read one.
func UnaryInterceptor(verifier TokenVerifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if verifier == nil || strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(WithIdentity(ctx, Anonymous), req)
		}

		id, err := authenticate(ctx, verifier)
		if err != nil {
			logAuthFailure(ctx, logger, info.FullMethod, status.Convert(err).Message())
			return nil, err
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

func authenticate(ctx context.Context, verifier TokenVerifier) (*Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}

	token, errMsg := extractBearerToken(values[0])
	if errMsg != "" {
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}
	id, err := verifier.Verify(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return id, nil
}
