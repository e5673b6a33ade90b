/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package registryd assembles the device registry daemon: event bus,
// registry, conflict resolver, transfer protocol, cache, liveness sweeper,
// and the optional NATS bridge.
package registryd

import (
	"context"

	"github.com/carverauto/fleetreg/pkg/admin"
	"github.com/carverauto/fleetreg/pkg/bus"
	"github.com/carverauto/fleetreg/pkg/cache"
	"github.com/carverauto/fleetreg/pkg/conflict"
	"github.com/carverauto/fleetreg/pkg/logger"
	"github.com/carverauto/fleetreg/pkg/models"
	"github.com/carverauto/fleetreg/pkg/natsbridge"
	"github.com/carverauto/fleetreg/pkg/registry"
	"github.com/carverauto/fleetreg/pkg/transfer"
)

// Config is the full registryd configuration file.
type Config struct {
	Logging  *logger.Config        `json:"logging,omitempty"`
	Registry models.RegistryConfig `json:"registry"`
	Transfer models.TransferConfig `json:"transfer"`
	Cache    models.CacheConfig    `json:"cache"`
	Events   models.EventsConfig   `json:"events"`
}

// Validate applies section defaults and checks consistency.
func (c *Config) Validate() error {
	if err := c.Registry.Validate(); err != nil {
		return err
	}

	if err := c.Transfer.Validate(); err != nil {
		return err
	}

	if err := c.Cache.Validate(); err != nil {
		return err
	}

	return c.Events.Validate()
}

// localAck acknowledges ownership changes in-process. It stands in for the
// NATS bridge when the external event surface is disabled.
type localAck struct {
	log logger.Logger
}

func (a localAck) NotifyOwnershipChange(_ context.Context, coordinatorID, agentID string) error {
	a.log.Debug().
		Str("coordinator_id", coordinatorID).
		Str("agent_id", agentID).
		Msg("ownership change acknowledged locally")

	return nil
}

// App holds the wired daemon components.
type App struct {
	Bus       *bus.Bus
	Registry  *registry.Registry
	Transfers *transfer.Manager
	Conflicts *conflict.Resolver
	Cache     *cache.Cache
	Admin     *admin.Service

	sweeper *registry.Sweeper
	bridge  *natsbridge.Bridge
	log     logger.Logger
}

// New wires the daemon. The order matters: the bus first, then the
// registry, then the transfer manager and resolver, which are cross-wired
// into the registry through its conflict handler hook.
func New(ctx context.Context, cfg *Config, log logger.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eventBus := bus.New(log.WithComponent("bus"))
	reg := registry.New(cfg.Registry, eventBus, log.WithComponent("registry"))

	var (
		bridge *natsbridge.Bridge
		ack    transfer.Acknowledger
		sink   conflict.CommandSink
	)

	if cfg.Events.Enabled {
		var err error

		bridge, err = natsbridge.Connect(ctx, cfg.Events, log.WithComponent("natsbridge"))
		if err != nil {
			return nil, err
		}

		ack = bridge
		sink = bridge
	} else {
		ack = localAck{log: log.WithComponent("ack")}
	}

	transfers := transfer.NewManager(reg, eventBus, cfg.Transfer, ack, log.WithComponent("transfer"))
	resolver := conflict.New(reg, transfers, eventBus, sink, cfg.Registry, log.WithComponent("conflict"))
	reg.SetConflictHandler(resolver)

	cacheStore := cache.New(cfg.Cache, log.WithComponent("cache"))
	if err := cacheStore.AttachBus(eventBus); err != nil {
		return nil, err
	}

	if bridge != nil {
		if err := bridge.Attach(eventBus); err != nil {
			return nil, err
		}
	}

	app := &App{
		Bus:       eventBus,
		Registry:  reg,
		Transfers: transfers,
		Conflicts: resolver,
		Cache:     cacheStore,
		Admin:     admin.NewService(reg, transfers, resolver, cacheStore, log.WithComponent("admin")),
		sweeper:   registry.NewSweeper(reg, log.WithComponent("sweeper")),
		bridge:    bridge,
		log:       log,
	}

	return app, nil
}

// Run starts the liveness sweeper and blocks until ctx is canceled, then
// tears the daemon down.
func (a *App) Run(ctx context.Context) error {
	a.log.Info().Msg("registryd started")

	a.sweeper.Run(ctx)

	a.log.Info().Msg("registryd shutting down")
	a.Cache.Detach()

	if a.bridge != nil {
		a.bridge.Close()
	}

	return nil
}
