/*
Package chainsync implements the per-peer chain synchronizer described
in spec.md §4.6: sampled-header exchange to find the last common
block, block range transfer once a peer is known to be ahead, leader
selection among synchronized peers, divergence detection, and
request-rate pacing via RequestTracker.
*/
package chainsync
