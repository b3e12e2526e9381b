package payment

import (
	"github.com/clubworks/memberd/internal/payment/repository"
	"github.com/clubworks/memberd/internal/payment/service"
	"github.com/clubworks/memberd/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(webhook.NewService),
)
