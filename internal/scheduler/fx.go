package scheduler

import (
	"context"

	"github.com/clubworks/memberd/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(NewConfig),
	fx.Provide(New),
	fx.Invoke(registerHooks),
)

func NewConfig(cfg config.Config) Config {
	return Config{
		Enabled:  true,
		Interval: cfg.ScanInterval,
	}
}

func registerHooks(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
