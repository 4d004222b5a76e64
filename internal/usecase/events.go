package usecase

import (
	"context"

	"catalog-agent/internal/domain"
)

type stepCtxKey struct{}

// withStep records the current step number for events published below ctx.
func withStep(ctx context.Context, step int) context.Context {
	return context.WithValue(ctx, stepCtxKey{}, step)
}

func stepFromContext(ctx context.Context) int {
	step, _ := ctx.Value(stepCtxKey{}).(int)
	return step
}

// publishEvent sends an event on bus when one is configured.
func publishEvent(bus domain.EventBus, ctx context.Context, eventType domain.EventType, threadID string, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, domain.NewEvent(eventType, threadID, payload))
}
