package aggregator

import (
	"encoding/binary"
	"hash/crc64"
	"time"

	"github.com/cellmesh/cellmesh/pkg/mutationindex"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// TraitView is the current state of one trait on an entity. A
// tombstoned trait (DeletionDate set) is kept in Entity.Traits rather
// than removed, so a query with include_deleted can still surface it
// and so Entity.DeletionDate can be derived once every trait on the
// entity has been individually tombstoned (see Fold).
type TraitView struct {
	TraitID          string
	MessageType      string
	MessageData      []byte
	CreationDate     time.Time
	ModificationDate time.Time
	DeletionDate     *time.Time
	operationID      uint64 // op id that last wrote this trait, for out-of-order discard checks
}

// Entity is the reconciled view of one entity's mutation stream.
type Entity struct {
	ID               string
	Traits           map[string]*TraitView
	CreationDate     time.Time
	ModificationDate time.Time
	DeletionDate     *time.Time

	InPending       bool
	PendingDeletion bool

	ActiveOperationIDs map[uint64]struct{}
	LastOperationID    uint64
	ContentHash        uint64
}

// Fold reconciles docs, which must already be ordered
// (block_offset.unwrap_or(inf), operation_id) ascending — chain
// documents before pending ones, each group by increasing operation
// id — into a single Entity view.
func Fold(entityID string, docs []mutationindex.Document) *Entity {
	e := &Entity{
		ID:                 entityID,
		Traits:             make(map[string]*TraitView),
		ActiveOperationIDs: make(map[uint64]struct{}),
	}

	var latestSeenOpID uint64
	var crc uint64
	var opIDBuf [8]byte

	for _, d := range docs {
		if d.BlockOffset == nil {
			e.InPending = true
		}

		switch {
		case d.Deleted && d.TraitID == "":
			// EntityTombstone
			if d.OperationID < latestSeenOpID {
				continue
			}
			for _, tv := range e.Traits {
				delete(e.ActiveOperationIDs, tv.operationID)
			}
			e.Traits = make(map[string]*TraitView)
			deletionDate := d.ModificationDate
			e.DeletionDate = &deletionDate
			if d.BlockOffset == nil {
				e.PendingDeletion = true
			}
			latestSeenOpID = d.OperationID

		case d.Deleted:
			// TraitTombstone: kept in e.Traits (not removed) with
			// DeletionDate set, so the trait's deletion is still
			// observable and so Entity.DeletionDate can be derived
			// below once every trait is in this state.
			prev, existed := e.Traits[d.TraitID]
			if existed && prev.operationID > d.OperationID {
				continue
			}
			if existed {
				delete(e.ActiveOperationIDs, prev.operationID)
			}
			deletionDate := d.ModificationDate
			tv := &TraitView{
				TraitID:          d.TraitID,
				ModificationDate: d.ModificationDate,
				DeletionDate:     &deletionDate,
				operationID:      d.OperationID,
			}
			if existed {
				tv.MessageType = prev.MessageType
				tv.CreationDate = prev.CreationDate
			} else {
				tv.CreationDate = d.CreationDate
			}
			e.Traits[d.TraitID] = tv
			if d.BlockOffset == nil {
				e.PendingDeletion = true
			}
			if d.OperationID > latestSeenOpID {
				latestSeenOpID = d.OperationID
			}

		default:
			// TraitPut
			if prev, ok := e.Traits[d.TraitID]; ok && prev.operationID > d.OperationID {
				continue
			}
			if prev, ok := e.Traits[d.TraitID]; ok {
				delete(e.ActiveOperationIDs, prev.operationID)
			}
			tv := &TraitView{
				TraitID:          d.TraitID,
				MessageType:      d.TraitType,
				MessageData:      []byte(d.AllText),
				CreationDate:     d.CreationDate,
				ModificationDate: d.ModificationDate,
				operationID:      d.OperationID,
			}
			if prev, ok := e.Traits[d.TraitID]; ok {
				if prev.CreationDate.Before(tv.CreationDate) {
					tv.CreationDate = prev.CreationDate
				}
				if prev.ModificationDate.After(tv.ModificationDate) {
					tv.ModificationDate = prev.ModificationDate
				}
			}
			e.Traits[d.TraitID] = tv
			if d.OperationID > latestSeenOpID {
				latestSeenOpID = d.OperationID
			}
		}

		e.ActiveOperationIDs[d.OperationID] = struct{}{}
		if e.CreationDate.IsZero() || d.CreationDate.Before(e.CreationDate) {
			e.CreationDate = d.CreationDate
		}
		if d.ModificationDate.After(e.ModificationDate) {
			e.ModificationDate = d.ModificationDate
		}
		if d.OperationID > e.LastOperationID {
			e.LastOperationID = d.OperationID
		}

		binary.BigEndian.PutUint64(opIDBuf[:], d.OperationID)
		crc = crc64.Update(crc, crcTable, opIDBuf[:])
	}

	// An explicit EntityTombstone already sets DeletionDate above and
	// clears Traits entirely; otherwise, an entity whose every trait
	// has individually been tombstoned is implicitly deleted too, even
	// with no delete_entity mutation in the stream (spec.md §8 Scenario
	// 6). An entity with no traits at all (never populated) is not
	// considered deleted by this rule.
	if e.DeletionDate == nil && len(e.Traits) > 0 {
		var latest time.Time
		allTombstoned := true
		for _, tv := range e.Traits {
			if tv.DeletionDate == nil {
				allTombstoned = false
				break
			}
			if tv.DeletionDate.After(latest) {
				latest = *tv.DeletionDate
			}
		}
		if allTombstoned {
			e.DeletionDate = &latest
		}
	}

	e.ContentHash = crc
	return e
}

// WithoutDeletedTraits returns a copy of e with every individually
// tombstoned trait removed from Traits, for callers that only want to
// show the entity's current (non-deleted) fields — e.g. a query
// without include_deleted, once an entity that still has at least one
// live trait has already passed the (separate) whole-entity deletion
// check in Fold.
func WithoutDeletedTraits(e *Entity) *Entity {
	out := *e
	out.Traits = make(map[string]*TraitView, len(e.Traits))
	for id, tv := range e.Traits {
		if tv.DeletionDate != nil {
			continue
		}
		out.Traits[id] = tv
	}
	return &out
}
