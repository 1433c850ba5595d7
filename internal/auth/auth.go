package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// healthService is left open so orchestrator probes need no credentials.
const healthService = "/grpc.health.v1.Health/"

// Guard checks a request's API key.
//
// If mode != "apikey" or key == "", every request is allowed.
type Guard struct {
	enabled bool
	header  string
	key     []byte
	open    map[string]bool
}

// New returns a Guard reading the key from header. HTTP paths listed in
// openPaths skip the check.
func New(mode, header, key string, openPaths ...string) *Guard {
	g := &Guard{
		enabled: mode == "apikey" && key != "",
		header:  strings.ToLower(header),
		key:     []byte(key),
		open:    make(map[string]bool, len(openPaths)),
	}
	for _, p := range openPaths {
		g.open[p] = true
	}
	return g
}

// Enabled reports whether requests are checked at all.
func (g *Guard) Enabled() bool { return g.enabled }

func (g *Guard) valid(got string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), g.key) == 1
}

// Middleware rejects HTTP requests without the expected key with 401.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.enabled || g.open[r.URL.Path] || g.valid(r.Header.Get(g.header)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}` + "\n"))
	})
}

// UnaryInterceptor enforces the key on every unary gRPC call except the
// standard health service.
//
// gRPC metadata keys are normalised to lowercase, so the header is matched
// in lowercase.
func (g *Guard) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !g.enabled || strings.HasPrefix(info.FullMethod, healthService) {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		vals := md.Get(g.header)
		if len(vals) == 0 || !g.valid(vals[0]) {
			return nil, status.Error(codes.Unauthenticated, "invalid api key")
		}
		return handler(ctx, req)
	}
}
