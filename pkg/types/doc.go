/*
Package types defines the core data model of a cellmesh cell: the
operation that is the atomic unit of the chain, the entity mutations it
can carry, the traits that make up an entity, and the block format the
chain stores them in.

These are plain value types plus their own deterministic binary
encoding (codec.go, frame.go), which signatures and hashes are computed
over; the algorithms that operate on them (signing, block framing,
hashing, aggregation) live in pkg/security, pkg/chain, and
pkg/aggregator.
*/
package types
