package chain

import "github.com/multiformats/go-multihash"

// hashFrame returns the multihash (SHA2-256) of a frame's bytes. Using
// a multihash rather than a bare digest keeps the hash function
// self-describing on disk, the same reasoning libp2p-based chains in
// the example pack (go-multihash) use for content addressing.
func hashFrame(frame []byte) ([]byte, error) {
	mh, err := multihash.Sum(frame, multihash.SHA2_256, -1)
	if err != nil {
		return nil, err
	}
	return []byte(mh), nil
}
