/*
Package engine runs the per-node main loop: it owns the transport
inbox, drives pkg/commitmanager, pkg/chainsync, and pkg/pendingsync on
a fixed tick, publishes pkg/events for every new pending operation and
committed block, keeps pkg/entityindex current, and accepts
client-submitted mutations. Exactly one goroutine runs Engine.Run for a
given Engine, so every method it calls (pending store writes, index
updates) can assume single-writer ordering without its own locking.
*/
package engine
