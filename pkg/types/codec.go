package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// EncodeOperation serializes an operation to its on-disk/on-wire form:
// the canonical frame (everything but the signature) followed by a
// length-prefixed signature. It is the inverse of DecodeOperation.
func EncodeOperation(op *Operation) []byte {
	var buf bytes.Buffer
	buf.Write(canonicalOperationFrame(op))
	writeBytes(&buf, op.Signature)
	return buf.Bytes()
}

// DecodeOperation parses the bytes produced by EncodeOperation.
func DecodeOperation(data []byte) (*Operation, error) {
	r := bytes.NewReader(data)
	op := &Operation{}

	var err error
	if op.OperationID, err = readUint64(r); err != nil {
		return nil, fmt.Errorf("decode operation id: %w", err)
	}
	if op.GroupID, err = readUint64(r); err != nil {
		return nil, fmt.Errorf("decode group id: %w", err)
	}
	if op.NodeID, err = readString(r); err != nil {
		return nil, fmt.Errorf("decode node id: %w", err)
	}
	typeStr, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("decode operation type: %w", err)
	}
	op.Type = OperationType(typeStr)

	switch op.Type {
	case OperationEntry:
		op.Entry, err = readEntityMutation(r)
	case OperationBlockProposal:
		op.BlockProposal = &BlockProposalPayload{}
		op.BlockProposal.Header, err = readBlockHeader(r)
	case OperationBlockSignature:
		op.BlockSignature = &BlockSignaturePayload{}
		if op.BlockSignature.ProposedOperationID, err = readUint64(r); err != nil {
			break
		}
		op.BlockSignature.HeaderHash, err = readBytes(r)
	case OperationBlockRefusal:
		op.BlockRefusal = &BlockRefusalPayload{}
		if op.BlockRefusal.ProposedOperationID, err = readUint64(r); err != nil {
			break
		}
		op.BlockRefusal.Reason, err = readString(r)
	case OperationPendingIgnore:
		op.PendingIgnore = &PendingIgnorePayload{}
		op.PendingIgnore.IgnoredOperationID, err = readUint64(r)
	default:
		return nil, fmt.Errorf("unknown operation type %q", op.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode operation payload: %w", err)
	}

	if op.Signature, err = readBytes(r); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return op, nil
}

func readEntityMutation(r *bytes.Reader) (*EntityMutation, error) {
	m := &EntityMutation{}
	var err error
	if m.EntityID, err = readString(r); err != nil {
		return nil, err
	}
	kind, err := readString(r)
	if err != nil {
		return nil, err
	}
	m.Kind = MutationKind(kind)

	switch m.Kind {
	case MutationPutTrait:
		m.PutTrait, err = readTrait(r)
	case MutationDeleteTrait:
		m.DeleteTraitID, err = readString(r)
	case MutationDeleteEntity:
		// no extra fields
	case MutationDeleteOperations:
		m.DeleteOperationIDs, err = readUint64Slice(r)
	case MutationCompactTraits:
		if m.CompactNewTrait, err = readTrait(r); err != nil {
			break
		}
		m.CompactSupersededOpIDs, err = readUint64Slice(r)
	case MutationTest:
		m.TestValue, err = readString(r)
	default:
		return nil, fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func readTrait(r *bytes.Reader) (*Trait, error) {
	t := &Trait{}
	var err error
	if t.TraitID, err = readString(r); err != nil {
		return nil, err
	}
	if t.MessageType, err = readString(r); err != nil {
		return nil, err
	}
	if t.MessageData, err = readBytes(r); err != nil {
		return nil, err
	}
	if t.CreationDate, err = readOptionalTime(r); err != nil {
		return nil, err
	}
	if t.ModificationDate, err = readOptionalTime(r); err != nil {
		return nil, err
	}
	if t.DeletionDate, err = readOptionalTime(r); err != nil {
		return nil, err
	}
	return t, nil
}

func readBlockHeader(r *bytes.Reader) (BlockHeader, error) {
	var h BlockHeader
	var err error
	if h.Offset, err = readUint64(r); err != nil {
		return h, err
	}
	if h.Height, err = readUint64(r); err != nil {
		return h, err
	}
	if h.PreviousOffset, err = readUint64(r); err != nil {
		return h, err
	}
	if h.PreviousHash, err = readBytes(r); err != nil {
		return h, err
	}
	if h.ProposedOperationID, err = readUint64(r); err != nil {
		return h, err
	}
	if h.ProposedNodeID, err = readString(r); err != nil {
		return h, err
	}
	if h.OperationsSize, err = readUint64(r); err != nil {
		return h, err
	}
	if h.OperationsHash, err = readBytes(r); err != nil {
		return h, err
	}
	if h.SignaturesSize, err = readUint64(r); err != nil {
		return h, err
	}
	count, err := readUint64(r)
	if err != nil {
		return h, err
	}
	h.OperationHeaders = make([]OperationHeader, 0, count)
	for i := uint64(0); i < count; i++ {
		var oh OperationHeader
		if oh.OperationID, err = readUint64(r); err != nil {
			return h, err
		}
		if oh.DataOffset, err = readUint64(r); err != nil {
			return h, err
		}
		if oh.DataSize, err = readUint64(r); err != nil {
			return h, err
		}
		h.OperationHeaders = append(h.OperationHeaders, oh)
	}
	return h, nil
}

// EncodeBlockHeader serializes a header on its own, used for the
// block's header frame and for hashing (previous_hash and a block
// signature's header hash are computed over this exact encoding;
// operations_hash covers the operation frames instead).
func EncodeBlockHeader(h *BlockHeader) []byte {
	var buf bytes.Buffer
	writeBlockHeader(&buf, h)
	return buf.Bytes()
}

// DecodeBlockHeader parses the bytes produced by EncodeBlockHeader.
func DecodeBlockHeader(data []byte) (BlockHeader, error) {
	return readBlockHeader(bytes.NewReader(data))
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readUint64Slice(r *bytes.Reader) ([]uint64, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readOptionalTime(r *bytes.Reader) (*time.Time, error) {
	present, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	nanos, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	t := time.Unix(0, int64(nanos)).UTC()
	return &t, nil
}
