// ABOUTME: Tests for the gRPC auth interceptor
// ABOUTME: Calls the interceptor directly with synthetic metadata

package auth

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func callInterceptor(t *testing.T, verifier TokenVerifier, method string, md metadata.MD) (string, error) {
	t.Helper()
	ctx := t.Context()
	if md != nil {
		ctx = metadata.NewIncomingContext(ctx, md)
	}
	interceptor := UnaryInterceptor(verifier, nil)
	resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method},
		func(ctx context.Context, _ any) (any, error) {
			return SubjectFromContext(ctx), nil
		})
	if err != nil {
		return "", err
	}
	return resp.(string), nil
}

func TestUnaryInterceptor(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	token, err := verifier.Generate("alice", nil, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	const method = "/coven.conductor.v1.TaskControl/Launch"

	got, err := callInterceptor(t, verifier, method, metadata.Pairs("authorization", "Bearer "+token))
	if err != nil || got != "alice" {
		t.Fatalf("got %q, %v; want alice", got, err)
	}

	for name, md := range map[string]metadata.MD{
		"no metadata": nil,
		"no header":   metadata.Pairs("x-other", "1"),
		"bad token":   metadata.Pairs("authorization", "Bearer junk"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := callInterceptor(t, verifier, method, md)
			if status.Code(err) != codes.Unauthenticated {
				t.Errorf("code = %v, want Unauthenticated", status.Code(err))
			}
		})
	}
}

func TestUnaryInterceptor_HealthIsOpen(t *testing.T) {
	got, err := callInterceptor(t, NewJWTVerifier(testSecret), "/grpc.health.v1.Health/Check", nil)
	if err != nil || got != "anonymous" {
		t.Errorf("got %q, %v; want anonymous", got, err)
	}
}

func TestUnaryInterceptor_Disabled(t *testing.T) {
	got, err := callInterceptor(t, nil, "/coven.conductor.v1.TaskControl/Launch", nil)
	if err != nil || got != "anonymous" {
		t.Errorf("got %q, %v; want anonymous", got, err)
	}
}
