package chain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cellmesh/cellmesh/pkg/types"
)

// ErrIntegrity is returned when an on-disk structure is inconsistent
// with itself (e.g. a framing mismatch). It corresponds to the
// "Integrity" error kind in the design's error taxonomy and is fatal
// for reads touching the affected segment.
type ErrIntegrity struct {
	Reason string
}

func (e *ErrIntegrity) Error() string { return "chain integrity: " + e.Reason }

const lengthPrefixSize = 4

func putFrame(buf *bytes.Buffer, payload []byte) {
	var lenBytes [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(payload)))
	buf.Write(lenBytes[:])
	buf.Write(payload)
}

// readFrame reads a 4-byte-length-prefixed frame starting at
// position pos within data, returning the payload and the number of
// bytes consumed (prefix + payload).
func readFrame(data []byte, pos int) (payload []byte, consumed int, err error) {
	if pos+lengthPrefixSize > len(data) {
		return nil, 0, &ErrIntegrity{Reason: "truncated length prefix"}
	}
	size := binary.BigEndian.Uint32(data[pos : pos+lengthPrefixSize])
	start := pos + lengthPrefixSize
	end := start + int(size)
	if end > len(data) {
		return nil, 0, &ErrIntegrity{Reason: "truncated frame payload"}
	}
	return data[start:end], end - pos, nil
}

// headerFrameSize returns the total on-disk size (prefix + payload) of
// a header frame, i.e. header_size(b) in the invariant formula.
func headerFrameSize(h *types.BlockHeader) uint64 {
	return uint64(lengthPrefixSize + len(types.EncodeBlockHeader(h)))
}

// encodeBlock serializes a block's three parts as they are laid out
// contiguously on disk: a size-framed header, the raw operations
// region (self-indexed by the header's OperationHeaders), and a
// size-framed, padded signatures region.
func encodeBlock(b *types.Block) ([]byte, error) {
	var ops bytes.Buffer
	headers := make([]types.OperationHeader, 0, len(b.Operations))
	for _, op := range b.Operations {
		encoded := types.EncodeOperation(op)
		headers = append(headers, types.OperationHeader{
			OperationID: op.OperationID,
			DataOffset:  uint64(ops.Len()),
			DataSize:    uint64(len(encoded)),
		})
		ops.Write(encoded)
	}
	b.Header.OperationHeaders = headers
	b.Header.OperationsSize = uint64(ops.Len())

	opsHash, err := hashFrame(ops.Bytes())
	if err != nil {
		return nil, fmt.Errorf("hash operations region: %w", err)
	}
	b.Header.OperationsHash = opsHash

	sigFrame, err := encodeSignatures(b.Signatures, b.Header.SignaturesSize)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	putFrame(&out, types.EncodeBlockHeader(&b.Header))
	out.Write(ops.Bytes())
	out.Write(sigFrame)
	return out.Bytes(), nil
}

// BuildHeader computes a BlockHeader for a proposal: linkage against
// prev (nil for genesis), the operations region hash and per-operation
// index, and the caller-supplied proposal metadata. Offset is left zero;
// the caller sets it to the store offset the block will be written at.
// It does not touch the store; commitmanager uses it to build the
// header a block_proposal operation carries before any quorum is
// known, and chain.Store.WriteBlock re-derives the same fields from
// the operations it is actually given when the block is committed.
func BuildHeader(prev *types.BlockHeader, ops []*types.Operation, proposedOperationID uint64, proposedNodeID string, signaturesSize uint64) (types.BlockHeader, error) {
	var h types.BlockHeader
	if prev == nil {
		h.Height = 0
	} else {
		prevFrame := types.EncodeBlockHeader(prev)
		prevHash, err := hashFrame(prevFrame)
		if err != nil {
			return types.BlockHeader{}, err
		}
		h.PreviousOffset = prev.Offset
		h.PreviousHash = prevHash
		h.Height = prev.Height + 1
	}

	var opsBuf bytes.Buffer
	headers := make([]types.OperationHeader, 0, len(ops))
	for _, op := range ops {
		encoded := types.EncodeOperation(op)
		headers = append(headers, types.OperationHeader{
			OperationID: op.OperationID,
			DataOffset:  uint64(opsBuf.Len()),
			DataSize:    uint64(len(encoded)),
		})
		opsBuf.Write(encoded)
	}
	h.OperationHeaders = headers
	h.OperationsSize = uint64(opsBuf.Len())

	opsHash, err := hashFrame(opsBuf.Bytes())
	if err != nil {
		return types.BlockHeader{}, err
	}
	h.OperationsHash = opsHash
	h.ProposedOperationID = proposedOperationID
	h.ProposedNodeID = proposedNodeID
	h.SignaturesSize = signaturesSize
	return h, nil
}

// HashHeaderFrame returns the multihash a block_signature operation's
// HeaderHash endorses.
func HashHeaderFrame(h *types.BlockHeader) ([]byte, error) {
	return hashFrame(types.EncodeBlockHeader(h))
}

// HeaderFrameSize is the exported form of headerFrameSize, for callers
// outside this package that need to size a signatures frame budget.
func HeaderFrameSize(h *types.BlockHeader) uint64 {
	return headerFrameSize(h)
}

// decodeBlock parses a block starting at the beginning of data
// (data[0] is the first byte of the header frame's length prefix).
func decodeBlock(data []byte) (*types.Block, error) {
	headerPayload, consumed, err := readFrame(data, 0)
	if err != nil {
		return nil, err
	}
	header, err := types.DecodeBlockHeader(headerPayload)
	if err != nil {
		return nil, fmt.Errorf("decode block header: %w", err)
	}

	opsStart := consumed
	opsEnd := opsStart + int(header.OperationsSize)
	if opsEnd > len(data) {
		return nil, &ErrIntegrity{Reason: "operations region runs past end of data"}
	}
	opsRegion := data[opsStart:opsEnd]

	opsHash, err := hashFrame(opsRegion)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(opsHash, header.OperationsHash) {
		return nil, &ErrIntegrity{Reason: "operations hash mismatch"}
	}

	ops := make([]*types.Operation, 0, len(header.OperationHeaders))
	for _, oh := range header.OperationHeaders {
		start := int(oh.DataOffset)
		end := start + int(oh.DataSize)
		if start < 0 || end > len(opsRegion) {
			return nil, &ErrIntegrity{Reason: "operation header points outside operations region"}
		}
		op, err := types.DecodeOperation(opsRegion[start:end])
		if err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		ops = append(ops, op)
	}

	sigStart := opsEnd
	sigEnd := sigStart + int(header.SignaturesSize)
	if sigEnd > len(data) {
		return nil, &ErrIntegrity{Reason: "signatures frame runs past end of data"}
	}
	sigs, err := decodeSignatures(data[sigStart:sigEnd])
	if err != nil {
		return nil, err
	}

	return &types.Block{Header: header, Operations: ops, Signatures: sigs}, nil
}

// blockTotalSize returns the number of bytes the fully encoded block
// occupies, matching types.NextOffset's header_size+operations_size+signatures_size.
func blockTotalSize(b *types.Block) uint64 {
	return headerFrameSize(&b.Header) + b.Header.OperationsSize + b.Header.SignaturesSize
}

// encodeSignatures writes a count-prefixed list of signature entries
// padded with zero bytes up to exactly paddedSize. Writing a
// signatures frame larger than the reserved size is an error.
func encodeSignatures(sigs []types.SignatureEntry, paddedSize uint64) ([]byte, error) {
	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(sigs)))
	for _, s := range sigs {
		writeLenPrefixedString(&buf, s.NodeID)
		writeLenPrefixedBytes(&buf, s.Signature)
	}
	if uint64(buf.Len()) > paddedSize {
		return nil, fmt.Errorf("signatures frame of %d bytes exceeds reserved size %d", buf.Len(), paddedSize)
	}
	out := make([]byte, paddedSize)
	copy(out, buf.Bytes())
	return out, nil
}

func decodeSignatures(data []byte) ([]types.SignatureEntry, error) {
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return nil, fmt.Errorf("decode signatures count: %w", err)
	}
	out := make([]types.SignatureEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		nodeID, err := readLenPrefixedString(r)
		if err != nil {
			return nil, fmt.Errorf("decode signature node id: %w", err)
		}
		sig, err := readLenPrefixedBytes(r)
		if err != nil {
			return nil, fmt.Errorf("decode signature bytes: %w", err)
		}
		out = append(out, types.SignatureEntry{NodeID: nodeID, Signature: sig})
	}
	return out, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeLenPrefixedBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeLenPrefixedString(buf *bytes.Buffer, s string) {
	writeLenPrefixedBytes(buf, []byte(s))
}

func readLenPrefixedBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func readLenPrefixedString(r *bytes.Reader) (string, error) {
	b, err := readLenPrefixedBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
