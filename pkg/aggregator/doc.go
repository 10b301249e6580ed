/*
Package aggregator folds an entity's ordered mutation-metadata stream
(as produced by pkg/mutationindex, chain documents first, pending
documents after) into the entity's current reconciled view: its live
trait set, its pending/deletion flags, and a content hash that changes
with every operation the entity has absorbed.

Projection is a post-aggregation filter over which traits and fields a
caller sees; since no message-schema registry is wired into this
module (see pkg/transport's doc comment), field-level pruning operates
on decoded JSON rather than a generated Go struct's protobuf
descriptors, and a skip projection still removes a trait outright.
*/
package aggregator
