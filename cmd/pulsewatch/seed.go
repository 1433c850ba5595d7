package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/dependency"
	"github.com/pulsewatch/pulsewatch/internal/store"
	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// seedEndpoints writes the configuration of each listed endpoint. Runtime
// state of endpoints already in the store is preserved by the store itself,
// so a re-sync never races a probe of the same endpoint.
func seedEndpoints(ctx context.Context, st store.Store, eps []config.EndpointConfig) error {
	for _, ec := range eps {
		ep := &types.Endpoint{}
		ec.Apply(ep)
		if err := st.SyncEndpoint(ctx, ep); err != nil {
			return fmt.Errorf("seed endpoint %s: %w", ec.ID, err)
		}
	}
	if len(eps) > 0 {
		slog.Info("endpoints seeded", "count", len(eps))
	}
	return nil
}

// seedDependencies declares configured edges. A bad edge is logged and
// skipped.
func seedDependencies(ctx context.Context, svc *dependency.Service, deps []config.DependencyConfig) {
	for _, d := range deps {
		if err := svc.AddDependency(ctx, d.Source, d.Target, d.Relationship, d.Required); err != nil {
			slog.Warn("skipping dependency", "source", d.Source, "target", d.Target, "err", err)
		}
	}
}
