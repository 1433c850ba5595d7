// Package auth enforces API-key authentication on the HTTP API and the gRPC
// listener. One Guard serves both so the key and header name are configured
// once.
package auth
