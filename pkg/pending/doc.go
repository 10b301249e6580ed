// Package pending holds the in-memory set of operations a node knows
// about but that have not yet been committed into the chain: entries
// waiting on quorum, block proposals, and the signatures/refusals
// exchanged to settle them.
//
// Entries are keyed by operation id and secondarily grouped by group
// id, the operation id of whichever operation started the group (a
// plain entry groups with itself; a proposal's signatures and
// refusals group with the proposal). The commit manager and pending
// synchronizer are the two readers/writers that matter: the former
// drives commit decisions off Group, the latter drives anti-entropy
// off Iter and the operation frame bytes.
package pending
