package types

// OperationHeader is one entry in a block header's operation index:
// enough to locate an operation's bytes inside the block's operations
// region without scanning it.
type OperationHeader struct {
	OperationID uint64
	DataOffset  uint64 // offset within the operations region
	DataSize    uint64
}

// BlockHeader is the first of a block's three size-framed parts.
type BlockHeader struct {
	Offset              uint64
	Height              uint64
	PreviousOffset      uint64 // 0 and PreviousHash == nil for genesis
	PreviousHash        []byte // multihash of the previous block's header frame
	ProposedOperationID uint64
	ProposedNodeID      string
	OperationsSize      uint64
	OperationsHash      []byte // multihash over the concatenated operation frames
	SignaturesSize      uint64 // pre-allocated upper bound, padded on write
	OperationHeaders    []OperationHeader // sorted by OperationID
}

// SignatureEntry is one entry of a block's signatures frame.
type SignatureEntry struct {
	NodeID    string
	Signature []byte
}

// Block is a fully materialized block: header, the signed operation
// frames it commits in OperationID order, and the (possibly still
// growing) signatures collected for it.
type Block struct {
	Header     BlockHeader
	Operations []*Operation
	Signatures []SignatureEntry
}

// NextOffset returns the offset the following block in the segment
// must start at, per the contiguity invariant:
//
//	next_offset(b) = b.offset + header_size + operations_size + signatures_size
func NextOffset(headerSize uint64, h *BlockHeader) uint64 {
	return h.Offset + headerSize + h.OperationsSize + h.SignaturesSize
}
