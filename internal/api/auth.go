package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"labreserve/internal/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const requestIDMetadataKey = "x-request-id"

// AuthInterceptor is the gRPC counterpart of HTTPAuth.
type AuthInterceptor struct {
	apiEnabled bool
	keys       *apiKeyAuth
}

func NewAuthInterceptor(cfg *config.APIConfig) *AuthInterceptor {
	return &AuthInterceptor{apiEnabled: cfg.Enabled, keys: newAPIKeyAuth(*cfg)}
}

func (a *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !a.apiEnabled {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		if a.keys.enabled {
			err := a.keys.authorize(
				firstValue(md, a.keys.keyHeader),
				firstValue(md, a.keys.extraHeader),
				requiredPermission(info.FullMethod),
			)
			switch {
			case errors.Is(err, errPermissionDenied):
				return nil, status.Error(codes.PermissionDenied, err.Error())
			case err != nil:
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
		}

		if !a.keys.allow(grpcClientKey(ctx, firstValue(md, a.keys.keyHeader))) {
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func requiredPermission(fullMethod string) string {
	switch fullMethod {
	case methodSubmit, methodCancel:
		return permWriteReservations
	case methodGet:
		return permReadReservations
	case methodDaySchedule:
		return permReadLabs
	default:
		return ""
	}
}

func grpcClientKey(ctx context.Context, apiKey string) string {
	if apiKey != "" {
		return apiKey
	}
	return peerAddr(ctx)
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return clientKeyUnknown
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

// IdentityUnaryInterceptor attaches the caller identity to the request context.
func IdentityUnaryInterceptor(resolver *IdentityResolver) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		id, err := resolver.ResolveMetadata(md)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(withIdentity(ctx, id), req)
	}
}

// LoggingUnaryInterceptor echoes or assigns a request id and logs one line per call.
func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		requestID := firstValue(md, requestIDMetadataKey)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)

		event := log.Info()
		if code := status.Code(err); code == codes.Internal || code == codes.Unavailable {
			event = log.Error().Err(err)
		}
		event.
			Str("request_id", requestID).
			Str("method", info.FullMethod).
			Str("remote", peerAddr(ctx)).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")

		return resp, err
	}
}
