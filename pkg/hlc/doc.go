/*
Package hlc implements the per-node hybrid logical clock that produces
operation ids: a single uint64 such that ordering by id approximates
real-time ordering, with microsecond resolution and node-id
disambiguation in the low bits so that two nodes minting an id in the
same microsecond normally get distinct ids. The low bits are a 16-bit
hash of the node id, so two nodes whose hashes coincide can still mint
the same id.

Monotonicity is enforced by remembering the last emitted value and
stepping forward by one when the wall clock has not advanced past it
(covers both same-microsecond bursts and backward clock jumps).
*/
package hlc
