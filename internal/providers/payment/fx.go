package payment

import (
	"github.com/clubworks/memberd/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.payment",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Gateway {
	if cfg.Gateway.BaseURL == "" {
		return &NoOpGateway{}
	}
	return NewREST(Config{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: cfg.Gateway.Timeout,
	})
}
