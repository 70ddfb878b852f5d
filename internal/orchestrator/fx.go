package orchestrator

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("orchestrator",
	fx.Provide(New),
	fx.Invoke(registerShutdown),
)

// registerShutdown drains in-flight background runs before stop.
func registerShutdown(lc fx.Lifecycle, svc Service) {
	s, ok := svc.(*service)
	if !ok {
		return
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			done := make(chan struct{})
			go func() {
				s.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
