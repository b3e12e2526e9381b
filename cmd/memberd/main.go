package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/clubworks/memberd/internal/clock"
	"github.com/clubworks/memberd/internal/config"
	"github.com/clubworks/memberd/internal/logger"
	"github.com/clubworks/memberd/internal/migration"
	"github.com/clubworks/memberd/internal/scheduler"
	"github.com/clubworks/memberd/internal/server"
	"github.com/clubworks/memberd/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP surface plus every domain module it pulls in
		server.Module,

		// Periodic dunning scan in the same process
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
