package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/clubworks/memberd/internal/audit"
	"github.com/clubworks/memberd/internal/cancellation"
	"github.com/clubworks/memberd/internal/clock"
	"github.com/clubworks/memberd/internal/config"
	"github.com/clubworks/memberd/internal/dunning"
	"github.com/clubworks/memberd/internal/logger"
	"github.com/clubworks/memberd/internal/member"
	"github.com/clubworks/memberd/internal/observability/metrics"
	"github.com/clubworks/memberd/internal/providers/email"
	paymentprovider "github.com/clubworks/memberd/internal/providers/payment"
	"github.com/clubworks/memberd/internal/ratelimit"
	"github.com/clubworks/memberd/internal/scheduler"
	"github.com/clubworks/memberd/internal/subscription"
	"github.com/clubworks/memberd/pkg/db"
	"go.uber.org/fx"
)

// Standalone scan worker. No HTTP server: webhook intake stays on the main
// service and this process only walks the dunning schedule.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		metrics.Module,

		scheduler.Module,
		dunning.Module,
		cancellation.Module,
		subscription.Module,
		member.Module,
		audit.Module,
		email.Module,
		paymentprovider.Module,
		ratelimit.Module,
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
