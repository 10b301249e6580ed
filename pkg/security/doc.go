/*
Package security provides the thin in-scope boundary around the
cryptographic primitives the design treats as an external collaborator:
node keypairs, operation signing and signature verification, and
quorum checks over a block's signature frame.

It deliberately does not implement key derivation, certificate
authorities, or transport encryption — those remain out of scope. What
it does implement is narrow and used directly by pkg/commitmanager
(signing and verifying block proposals and votes) and pkg/engine
(signing submitted operations), and is also imported by pkg/chainsync
and pkg/config. Block header hashing is pkg/chain's own (hash.go).

# Keys

Every node has a long-lived ed25519 keypair, persisted in the node's
YAML configuration (pkg/config) as base64. NewKeyPair generates one;
ParsePublicKey/ParsePrivateKey decode the configured forms.

# Signing

Sign produces the signature bytes over an operation's canonical frame
bytes (the serialized operation before it is wrapped in the wire
envelope). Verify checks a signature against a claimed node's known
public key, looked up through the Verifier interface so callers are not
required to hold every peer's key in memory at once.

# Quorum

HasQuorum reports whether a set of distinct, individually-verified
signer node ids exceeds half of the chain-role node count, per the
definition of quorum used throughout the design ("strictly more than
half of chain-role nodes in the cell").
*/
package security
