/*
Package entityindex is the facade in front of the chain mutation index
(persistent) and the pending mutation index (in-memory): it keeps both
in sync with engine events, fans queries out to both and merges the
result through pkg/aggregator, and runs the garbage collector that
proposes delete_operations mutations for superseded trait versions and
tombstoned entities/traits.

Event handling follows the engine's own ordering guarantees: a
NewChainBlock always means the block is already durably appended, so
the facade indexes exactly the block the event names;
a ChainDiverged past the chain index's own coverage only requires
rebuilding the (much cheaper) pending index.
*/
package entityindex
