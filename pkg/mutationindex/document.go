package mutationindex

import (
	"time"

	"github.com/cellmesh/cellmesh/pkg/types"
)

// Document is one indexed row: the metadata of a single mutation
// operation against one entity, plus the derived fields used for
// search and ordering.
type Document struct {
	EntityID         string
	TraitID          string
	TraitType        string // "document_type" in the schema description
	OperationID      uint64
	BlockOffset      *uint64 // nil while still pending
	CreationDate     time.Time
	ModificationDate time.Time
	AllText          string
	AllRefs          string
	Deleted          bool // true for delete_trait / delete_entity rows
}

// MutationRecord is the input to ApplyMutations: one operation's
// entity mutation plus the chain position metadata the index needs
// (block offset is nil for a still-pending operation).
type MutationRecord struct {
	OperationID uint64
	BlockOffset *uint64
	OperationAt time.Time
	Mutation    *types.EntityMutation
}

// toDocuments expands a single mutation record into zero or more
// documents (delete_operations and compact_traits' superseded half
// produce no document of their own — they only remove existing ones).
func toDocuments(rec MutationRecord) []Document {
	m := rec.Mutation
	base := Document{
		EntityID:         m.EntityID,
		OperationID:      rec.OperationID,
		BlockOffset:      rec.BlockOffset,
		CreationDate:     rec.OperationAt,
		ModificationDate: rec.OperationAt,
	}

	switch m.Kind {
	case types.MutationPutTrait:
		d := base
		d.TraitID = m.PutTrait.TraitID
		d.TraitType = m.PutTrait.MessageType
		d.AllText = decodeText(m.PutTrait.MessageData)
		if m.PutTrait.CreationDate != nil {
			d.CreationDate = *m.PutTrait.CreationDate
		}
		if m.PutTrait.ModificationDate != nil {
			d.ModificationDate = *m.PutTrait.ModificationDate
		}
		return []Document{d}

	case types.MutationDeleteTrait:
		d := base
		d.TraitID = m.DeleteTraitID
		d.Deleted = true
		return []Document{d}

	case types.MutationDeleteEntity:
		d := base
		d.Deleted = true
		return []Document{d}

	case types.MutationCompactTraits:
		d := base
		d.TraitID = m.CompactNewTrait.TraitID
		d.TraitType = m.CompactNewTrait.MessageType
		d.AllText = decodeText(m.CompactNewTrait.MessageData)
		return []Document{d}

	case types.MutationTest:
		d := base
		d.AllText = m.TestValue
		return []Document{d}

	case types.MutationDeleteOperations:
		return nil

	default:
		return nil
	}
}

// decodeText best-effort decodes message bytes as UTF-8 text for the
// all_text field; binary payloads that aren't valid text simply
// contribute nothing searchable.
func decodeText(data []byte) string {
	for _, b := range data {
		if b == 0 {
			return ""
		}
	}
	return string(data)
}
