package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/cellmesh/cellmesh/pkg/aggregator"
	"github.com/cellmesh/cellmesh/pkg/mutationindex"
)

func init() {
	gob.Register(mutationindex.MatchPredicate{})
	gob.Register(mutationindex.TraitPredicate{})
	gob.Register(mutationindex.IdsPredicate{})
	gob.Register(mutationindex.ReferencePredicate{})
	gob.Register(mutationindex.OperationsPredicate{})
	gob.Register(mutationindex.AllPredicate{})
	gob.Register(mutationindex.BooleanPredicate{})
}

// EncodeQuery serializes q into QueryRequest.Predicate's opaque byte
// form. Query carries an interface-typed Predicate field, so gob (with
// every concrete predicate variant registered above) stands in for the
// generated protobuf codec a real client/server pair would use.
func EncodeQuery(q mutationindex.Query) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(q); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeQuery is EncodeQuery's inverse.
func DecodeQuery(raw []byte) (mutationindex.Query, error) {
	var q mutationindex.Query
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&q); err != nil {
		return mutationindex.Query{}, fmt.Errorf("decode query: %w", err)
	}
	return q, nil
}

// EncodeEntity serializes an aggregated entity into the opaque byte
// form QueryResponse.Entities carries.
func EncodeEntity(e *aggregator.Entity) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEntity is EncodeEntity's inverse.
func DecodeEntity(raw []byte) (*aggregator.Entity, error) {
	var e aggregator.Entity
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return &e, nil
}
