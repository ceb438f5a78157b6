package api

import (
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ReadOnlyStreamInterceptor restricts the gRPC surface to read-only
// methods. The watch server only ever exposes streaming reads, but this
// guards against a future write RPC being registered on the same
// listener without an explicit opt-in.
func ReadOnlyStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !isReadOnlyMethod(info.FullMethod) {
			return status.Errorf(codes.PermissionDenied, "write operations are not exposed on the watch surface: %s", info.FullMethod)
		}
		return handler(srv, ss)
	}
}

// isReadOnlyMethod reports whether a gRPC method name (e.g.
// "/coord.Watch/WatchCoordinationLog") is a read-only stream or query.
func isReadOnlyMethod(method string) bool {
	parts := strings.Split(method, "/")
	if len(parts) < 2 {
		return false
	}
	methodName := parts[len(parts)-1]

	readOnlyPrefixes := []string{"Watch", "List", "Get"}
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(methodName, prefix) {
			return true
		}
	}
	return false
}
