// Package app assembles the lsp-proxy daemon from its Fx modules.
package app

import (
	"context"
	"time"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"

	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/bridge"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/clock"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/core"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/launcher"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/registry"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/serverinfofile"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/supervisor"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/repository/connection"
)

// Module defines the lsp-proxy application module.
var Module = fx.Options(
	core.ConfigModule,
	core.LoggerModule,
	clock.Module,
	launcher.Module,
	registry.Module,
	supervisor.Module,
	serverinfofile.Module,
	bridge.Module,
	fx.Provide(connection.New),
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "lsp-proxy",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	fx.Invoke(func(b bridge.Bridge) {}),
)
