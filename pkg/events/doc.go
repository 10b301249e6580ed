/*
Package events provides an in-memory event broker used by the engine
loop to fan out occurrences to interested subscribers without coupling
the synchronizers and commit manager directly to watched-query
registries.

# Architecture

	engine loop -> entityindex.Facade.HandleEvent(Event)   (direct call, in order)
	            -> Broker.Publish(Event) -> broadcast to subscribers
	                                        - queryserver watch registry (re-evaluates watched queries)

Publish enqueues onto the broker's buffered channel (256 events); a
full subscriber buffer drops the event rather than stalling the tick.
Consumers that need every event without gaps must drain their channel
promptly; consumers that only need "something changed" (watched
queries) can treat a drop as just another coalesced notification.

Events are delivered in the order the engine loop published them, which is
itself order-preserving: pending mutations are applied before chain
events within one tick (see the engine package for details).
*/
package events
