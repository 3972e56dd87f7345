// Package eventbus provides a type-keyed, double-buffered publish/subscribe bus
// driven by a control-loop tick.
//
// Every concrete event type E owns one channel with a front buffer that
// accumulates publishes and a back buffer that readers see. Dispatch swaps
// the two once per tick, so an event published during tick N is readable
// during tick N+1 and discarded by the dispatch that starts tick N+2.
//
//	bus := eventbus.New()
//	eventbus.Publish(bus, Damage{Target: 7, Amount: 3})
//	bus.Dispatch()
//	for d := range eventbus.ReaderOf[Damage](bus).All() {
//		apply(d)
//	}
//
// # Networked types
//
// Types declared with Declare carry a wire type name and a default scope.
// PublishNetworked delivers locally exactly like Publish and additionally
// submits the event to the attached Outbox (see package bridge). Remote
// events come back through an Injector, a narrow handle whose queue is
// drained by Dispatch on the control-loop goroutine.
//
// # Concurrency
//
// Publish and ReaderOf are safe from many goroutines within a tick.
// Dispatch is exclusive: only the control loop calls it, once per tick,
// after every publish and read of that tick has finished.
package eventbus
