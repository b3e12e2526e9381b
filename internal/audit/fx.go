package audit

import (
	"github.com/clubworks/memberd/internal/audit/repository"
	"github.com/clubworks/memberd/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
