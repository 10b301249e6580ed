/*
Package transport defines the peer and client wire message shapes and
the Transport interface the chain/pending synchronizers, commit
manager, and query server/client exchange them over.

Peer and client wire framing is explicitly out of scope for this
module (no generated gRPC stubs were retrieved alongside the teacher's
hand-written callers of them), so the real transport here is an
in-memory implementation good enough for engine and synchronizer
tests, grounded in the original system's own in-memory test transport.
A production deployment would back EngineTransport with length-prefixed
signed envelopes over gRPC; grpc_health_v1 (pre-generated by the
grpc-go module itself, so no codegen is needed) is wired for real peer
liveness probing by this package's PeerHealthChecker.
*/
package transport
