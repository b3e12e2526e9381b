package dunning

import (
	"github.com/clubworks/memberd/internal/dunning/repository"
	"github.com/clubworks/memberd/internal/dunning/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dunning.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
