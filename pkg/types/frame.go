package types

import (
	"bytes"
	"encoding/binary"
	"time"
)

// canonicalOperationFrame produces a deterministic byte encoding of an
// operation, excluding its Signature field. It is a hand-rolled
// length-prefixed encoding rather than a generic serializer: the wire
// framing itself is explicitly out of scope for this design (peer
// transport is an external collaborator), so this only needs to be
// deterministic and self-consistent, not interoperable with any other
// implementation.
func canonicalOperationFrame(op *Operation) []byte {
	var buf bytes.Buffer
	writeUint64(&buf, op.OperationID)
	writeUint64(&buf, op.GroupID)
	writeString(&buf, op.NodeID)
	writeString(&buf, string(op.Type))

	switch op.Type {
	case OperationEntry:
		writeEntityMutation(&buf, op.Entry)
	case OperationBlockProposal:
		writeBlockHeader(&buf, &op.BlockProposal.Header)
	case OperationBlockSignature:
		writeUint64(&buf, op.BlockSignature.ProposedOperationID)
		writeBytes(&buf, op.BlockSignature.HeaderHash)
	case OperationBlockRefusal:
		writeUint64(&buf, op.BlockRefusal.ProposedOperationID)
		writeString(&buf, op.BlockRefusal.Reason)
	case OperationPendingIgnore:
		writeUint64(&buf, op.PendingIgnore.IgnoredOperationID)
	}

	return buf.Bytes()
}

func writeEntityMutation(buf *bytes.Buffer, m *EntityMutation) {
	if m == nil {
		return
	}
	writeString(buf, m.EntityID)
	writeString(buf, string(m.Kind))
	switch m.Kind {
	case MutationPutTrait:
		writeTrait(buf, m.PutTrait)
	case MutationDeleteTrait:
		writeString(buf, m.DeleteTraitID)
	case MutationDeleteEntity:
		// no extra fields
	case MutationDeleteOperations:
		writeUint64Slice(buf, m.DeleteOperationIDs)
	case MutationCompactTraits:
		writeTrait(buf, m.CompactNewTrait)
		writeUint64Slice(buf, m.CompactSupersededOpIDs)
	case MutationTest:
		writeString(buf, m.TestValue)
	}
}

func writeTrait(buf *bytes.Buffer, t *Trait) {
	if t == nil {
		return
	}
	writeString(buf, t.TraitID)
	writeString(buf, t.MessageType)
	writeBytes(buf, t.MessageData)
	writeOptionalTime(buf, t.CreationDate)
	writeOptionalTime(buf, t.ModificationDate)
	writeOptionalTime(buf, t.DeletionDate)
}

func writeBlockHeader(buf *bytes.Buffer, h *BlockHeader) {
	writeUint64(buf, h.Offset)
	writeUint64(buf, h.Height)
	writeUint64(buf, h.PreviousOffset)
	writeBytes(buf, h.PreviousHash)
	writeUint64(buf, h.ProposedOperationID)
	writeString(buf, h.ProposedNodeID)
	writeUint64(buf, h.OperationsSize)
	writeBytes(buf, h.OperationsHash)
	writeUint64(buf, h.SignaturesSize)
	writeUint64(buf, uint64(len(h.OperationHeaders)))
	for _, oh := range h.OperationHeaders {
		writeUint64(buf, oh.OperationID)
		writeUint64(buf, oh.DataOffset)
		writeUint64(buf, oh.DataSize)
	}
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint64Slice(buf *bytes.Buffer, vs []uint64) {
	writeUint64(buf, uint64(len(vs)))
	for _, v := range vs {
		writeUint64(buf, v)
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint64(buf, uint64(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeOptionalTime(buf *bytes.Buffer, t *time.Time) {
	if t == nil {
		writeUint64(buf, 0)
		return
	}
	writeUint64(buf, 1)
	writeUint64(buf, uint64(t.UnixNano()))
}
