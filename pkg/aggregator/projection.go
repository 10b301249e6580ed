package aggregator

import (
	"encoding/json"
	"strings"
)

// Projection narrows the traits and fields a query result exposes.
// A trait matches Patterns if any pattern is a prefix of its message
// type (or an exact match, indicated by a trailing "$"), or Patterns
// is empty (matches everything).
type Projection struct {
	Patterns      []string
	FieldIDs      []string
	FieldGroupIDs []string
	Skip          bool
}

func (p Projection) matches(messageType string) bool {
	if len(p.Patterns) == 0 {
		return true
	}
	for _, pat := range p.Patterns {
		if strings.HasSuffix(pat, "$") {
			if messageType == strings.TrimSuffix(pat, "$") {
				return true
			}
			continue
		}
		if strings.HasPrefix(messageType, pat) {
			return true
		}
	}
	return false
}

// Apply returns a copy of e with projections applied: a matching
// Skip projection removes the trait outright; otherwise fields not
// named (directly, or via a listed field group) are cleared from the
// trait's decoded message before it is kept.
func Apply(e *Entity, projections []Projection) *Entity {
	if len(projections) == 0 {
		return e
	}

	out := &Entity{
		ID:                 e.ID,
		Traits:             make(map[string]*TraitView, len(e.Traits)),
		CreationDate:       e.CreationDate,
		ModificationDate:   e.ModificationDate,
		DeletionDate:       e.DeletionDate,
		InPending:          e.InPending,
		PendingDeletion:    e.PendingDeletion,
		ActiveOperationIDs: e.ActiveOperationIDs,
		LastOperationID:    e.LastOperationID,
		ContentHash:        e.ContentHash,
	}

	for id, tv := range e.Traits {
		kept := *tv
		skipped := false
		for _, proj := range projections {
			if !proj.matches(tv.MessageType) {
				continue
			}
			if proj.Skip {
				skipped = true
				break
			}
			kept.MessageData = pruneFields(kept.MessageData, proj.FieldIDs, proj.FieldGroupIDs)
		}
		if skipped {
			continue
		}
		out.Traits[id] = &kept
	}
	return out
}

// pruneFields clears top-level JSON object fields not named in
// fieldIDs nor belonging to any group in fieldGroupIDs (group
// membership is encoded as "group.field" keys, matching the field
// group convention used elsewhere in the schema-less wire format).
// Non-object payloads, or payloads that fail to decode as JSON, pass
// through unchanged — there is no message-schema registry to consult.
func pruneFields(data []byte, fieldIDs, fieldGroupIDs []string) []byte {
	if len(fieldIDs) == 0 && len(fieldGroupIDs) == 0 {
		return data
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return data
	}

	keep := make(map[string]struct{}, len(fieldIDs))
	for _, f := range fieldIDs {
		keep[f] = struct{}{}
	}

	pruned := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		if _, ok := keep[k]; ok {
			pruned[k] = v
			continue
		}
		for _, group := range fieldGroupIDs {
			if strings.HasPrefix(k, group+".") {
				pruned[k] = v
				break
			}
		}
	}

	out, err := json.Marshal(pruned)
	if err != nil {
		return data
	}
	return out
}
