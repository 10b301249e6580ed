/*
Package commitmanager runs the per-tick proposer rotation, block
proposal construction, signature/refusal emission, and quorum commit
described in spec.md §4.8. It reads and writes pkg/pending.Store and
pkg/chain.Store directly (single-writer, same as the teacher's own
manager-owns-state style) and is driven once per engine tick.
*/
package commitmanager
