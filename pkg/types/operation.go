package types

import "time"

// OperationType discriminates the variant carried by an Operation.
type OperationType string

const (
	OperationEntry          OperationType = "entry"
	OperationBlockProposal  OperationType = "block_proposal"
	OperationBlockSignature OperationType = "block_signature"
	OperationBlockRefusal   OperationType = "block_refusal"
	OperationPendingIgnore  OperationType = "pending_ignore"
)

// CommitStatusKind discriminates whether an operation known to the
// pending store has been observed inside a committed block.
type CommitStatusKind string

const (
	CommitUnknown   CommitStatusKind = "unknown"
	CommitCommitted CommitStatusKind = "committed"
)

// CommitStatus records whether and where an operation was committed.
type CommitStatus struct {
	Kind        CommitStatusKind
	BlockOffset uint64
	BlockHeight uint64
}

// Operation is the atomic, signed unit exchanged between nodes and
// stored in the chain. Exactly one of the Entry/BlockProposal/
// BlockSignature/BlockRefusal/PendingIgnore fields is populated,
// selected by Type.
type Operation struct {
	OperationID uint64 // hybrid-logical-clock id, globally unique, monotone per node
	GroupID     uint64 // equals OperationID of the group-initiating operation
	NodeID      string
	Type        OperationType

	Entry          *EntityMutation
	BlockProposal  *BlockProposalPayload
	BlockSignature *BlockSignaturePayload
	BlockRefusal   *BlockRefusalPayload
	PendingIgnore  *PendingIgnorePayload

	Signature []byte // ed25519 signature over the canonical frame, see FrameBytes
}

// FrameBytes returns the canonical byte representation an Operation's
// Signature is computed over. It must be deterministic and must not
// include the Signature field itself.
func (op *Operation) FrameBytes() []byte {
	return canonicalOperationFrame(op)
}

// MutationKind discriminates the variant carried by an EntityMutation.
type MutationKind string

const (
	MutationPutTrait         MutationKind = "put_trait"
	MutationDeleteTrait      MutationKind = "delete_trait"
	MutationDeleteEntity     MutationKind = "delete_entity"
	MutationDeleteOperations MutationKind = "delete_operations"
	MutationCompactTraits    MutationKind = "compact_traits"
	MutationTest             MutationKind = "test"
)

// EntityMutation is the payload of an "entry" operation: a single
// semantic edit against one entity.
type EntityMutation struct {
	EntityID string
	Kind     MutationKind

	PutTrait *Trait // MutationPutTrait

	DeleteTraitID string // MutationDeleteTrait

	// MutationDeleteEntity carries no extra fields.

	DeleteOperationIDs []uint64 // MutationDeleteOperations

	CompactNewTrait        *Trait   // MutationCompactTraits
	CompactSupersededOpIDs []uint64 // MutationCompactTraits

	TestValue string // MutationTest, used only by chain/sync conformance tests
}

// Trait is one typed message attached to an entity.
type Trait struct {
	TraitID          string
	MessageType      string // schema-qualified type name, e.g. "exomind.base.Note"
	MessageData      []byte
	CreationDate     *time.Time
	ModificationDate *time.Time
	DeletionDate     *time.Time
}

// BlockProposalPayload is the payload of a "block_proposal" operation.
// It carries the fully computed header of the block being proposed;
// the operations it proposes are the pending entries whose ids appear
// in Header.OperationHeaders, which the receiver is expected to already
// hold in its own pending store (the proposal does not duplicate their
// bytes over the wire).
type BlockProposalPayload struct {
	Header BlockHeader
}

// BlockSignaturePayload is the payload of a "block_signature" operation.
// GroupID on the enclosing Operation ties it to the proposal it endorses.
type BlockSignaturePayload struct {
	ProposedOperationID uint64 // redundant with GroupID, kept for readability
	HeaderHash          []byte // multihash of the header frame being endorsed
}

// BlockRefusalPayload is the payload of a "block_refusal" operation.
type BlockRefusalPayload struct {
	ProposedOperationID uint64
	Reason              string
}

// PendingIgnorePayload is the payload of a "pending_ignore" operation:
// a tombstone telling peers to stop gossiping an operation id that is
// no longer relevant (e.g. lost a commit race) without waiting for it
// to be cleaned up by height depth.
type PendingIgnorePayload struct {
	IgnoredOperationID uint64
}
