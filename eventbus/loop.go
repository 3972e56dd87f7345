package eventbus

import (
	"context"
	"fmt"
	"time"
)

// StepFunc runs one tick of application work before the bus dispatches.
type StepFunc func(ctx context.Context, tick uint64)

// Loop drives a bus at a fixed tick rate. Each tick runs the step, then
// Dispatch, so everything published by the step is readable next tick.
type Loop struct {
	bus  *Bus
	rate time.Duration
	step StepFunc
}

// NewLoop creates a loop. A zero rate defaults to 60 ticks per second.
func NewLoop(bus *Bus, rate time.Duration, step StepFunc) *Loop {
	if rate <= 0 {
		rate = time.Second / 60
	}
	return &Loop{bus: bus, rate: rate, step: step}
}

// Run blocks until ctx is done. A panicking step is logged and the tick
// still dispatches.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.runStep(ctx)
			l.bus.Dispatch()
		}
	}
}

func (l *Loop) runStep(ctx context.Context) {
	if l.step == nil {
		return
	}
	tick := l.bus.Tick()
	defer func() {
		if r := recover(); r != nil {
			l.bus.log.Error().
				Uint64("tick", tick).
				Str("panic", fmt.Sprint(r)).
				Msg("tick step panicked")
		}
	}()
	l.step(ctx, tick)
}
