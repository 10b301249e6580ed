/*
Package chain implements the block store: an append-only, segmented
log of signed blocks with a random-access operation-to-block index.

# Layout

Blocks are appended to a tail segment file named "segment_<offset>"
where offset is the chain offset of the first block in the file.
Segments roll once they would exceed Config.SegmentMaxSize. Sealed
segments are read through a bounded LRU of memory mappings
(github.com/edsrzf/mmap-go, capped at Config.SegmentMaxOpenMmap); the
tail segment is always read back via a plain file read since it may
still be growing.

Each block is three contiguous, individually size-framed parts: a
header frame (offsets, links, operation index, hashes), the raw
operations region the header indexes into, and a padded signatures
frame. See block.go for the exact encoding and types.BlockHeader for
the field list.

# Operations index

OperationsIndex (opsindex.go) maps operation id to containing block
offset. A small in-memory tail buffers the most recent inserts; once it
exceeds Config.OperationsIndexMaxMemoryItems it is drained into a new
immutable, binary-searchable index file ("opsidx_<offset>.bin"), and
ops_idx.json is rewritten atomically to list the current set of
immutable ranges. On restart, only the portion of the chain beyond the
last immutable index's upper bound needs to be replayed to rebuild the
in-memory tail.
*/
package chain
