package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// KeyPair is a node's long-lived identity key.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewKeyPair generates a fresh ed25519 keypair.
func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// EncodePublicKey returns the base64 form persisted in node config.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// EncodePrivateKey returns the base64 form persisted in node config.
func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv)
}

// ParsePublicKey decodes a base64-encoded ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has wrong size: got %d want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a base64-encoded ed25519 private key.
func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has wrong size: got %d want %d", len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// Sign signs an operation's canonical frame bytes.
func Sign(priv ed25519.PrivateKey, frame []byte) []byte {
	return ed25519.Sign(priv, frame)
}

// Verifier resolves a node id to its known public key. Implementations
// are expected to be backed by the cell configuration.
type Verifier interface {
	NodePublicKey(nodeID string) (ed25519.PublicKey, bool)
}

// Verify checks a signature against the signer's claimed node id,
// resolved through v.
func Verify(v Verifier, nodeID string, frame, signature []byte) error {
	pub, ok := v.NodePublicKey(nodeID)
	if !ok {
		return fmt.Errorf("unknown signer node %q", nodeID)
	}
	if !ed25519.Verify(pub, frame, signature) {
		return fmt.Errorf("signature verification failed for node %q", nodeID)
	}
	return nil
}

// HasQuorum reports whether the number of distinct verified signers
// exceeds half of the chain-role node count.
func HasQuorum(distinctSigners, chainRoleNodeCount int) bool {
	return distinctSigners*2 > chainRoleNodeCount
}
