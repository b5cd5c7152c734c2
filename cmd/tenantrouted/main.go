package main

import (
	"context"

	"github.com/smallbiznis/tenantroute/internal/bootstrap"
	"github.com/smallbiznis/tenantroute/internal/clock"
	"github.com/smallbiznis/tenantroute/internal/config"
	"github.com/smallbiznis/tenantroute/internal/observability"
	"github.com/smallbiznis/tenantroute/internal/server"
	"github.com/smallbiznis/tenantroute/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		server.Module,

		fx.Invoke(runBootstrap),
	)
	app.Run()
}

func runBootstrap(lc fx.Lifecycle, cfg config.Config, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return bootstrap.Run(ctx, cfg, gdb)
		},
	})
}
