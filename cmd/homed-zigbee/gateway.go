package main

import (
	"context"
	"log/slog"
	"slices"

	"github.com/iphizic/homed-service-zigbee/internal/capability"
	"github.com/iphizic/homed-service-zigbee/internal/ncp"
	"github.com/iphizic/homed-service-zigbee/internal/registry"
	"github.com/iphizic/homed-service-zigbee/internal/store"
)

// gateway owns the registry and the components wired to it. Components
// are stopped in reverse order of registration, then the registry writes
// its final snapshots.
type gateway struct {
	reg    *registry.Registry
	logger *slog.Logger
	stops  []func()
}

func newGateway(cfg *Config, st store.Store, logger *slog.Logger) *gateway {
	events := registry.NewEventBus(logger)
	return &gateway{
		reg:    registry.New(cfg.registryConfig(), st, capability.Builtin(), events, logger),
		logger: logger,
	}
}

// onStop registers a shutdown step for a component subscribed to the registry.
func (g *gateway) onStop(stop func()) {
	g.stops = append(g.stops, stop)
}

// attach connects the radio backend. Without one the registry serves its
// persisted state and API requests only.
func (g *gateway) attach(ctx context.Context, radio ncp.NCP) {
	if radio == nil {
		g.logger.Warn("no radio backend attached, device traffic disabled")
		return
	}
	detach := g.reg.Attach(ctx, radio)
	g.onStop(func() {
		detach()
		if err := radio.Close(); err != nil {
			g.logger.Error("radio close", "err", err)
		}
	})
	g.logger.Info("radio backend attached")
}

func (g *gateway) close() error {
	for _, stop := range slices.Backward(g.stops) {
		stop()
	}
	g.stops = nil
	return g.reg.Close()
}
