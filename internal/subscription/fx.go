package subscription

import (
	"github.com/clubworks/memberd/internal/cache"
	"github.com/clubworks/memberd/internal/subscription/repository"
	"github.com/clubworks/memberd/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	cache.Module,
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
