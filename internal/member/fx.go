package member

import (
	"github.com/clubworks/memberd/internal/member/repository"
	"github.com/clubworks/memberd/internal/member/service"
	"go.uber.org/fx"
)

var Module = fx.Module("member.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
