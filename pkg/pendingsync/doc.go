/*
Package pendingsync implements the pending-store anti-entropy protocol
described in spec.md §4.7: hierarchical range comparison over the
operation_id keyspace, SHA3-256 range hashing, and the four-branch
receiver logic (match / remote-empty / hash-only / header-merge) that
lets two nodes converge on the same set of not-yet-committed
operations without a full dump on every round.
*/
package pendingsync
