package mutationindex

import (
	"math"
	"sort"
	"strings"
)

// Search evaluates query's predicate against the index, orders and
// pages the results. A persistent result_hash short-circuit is honored
// by the caller (the entity index facade), since it needs to hash the
// full merged, aggregated result across both indices, not this one.
func (idx *Index) Search(q Query) (MutationResults, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matched := idx.evalLocked(q.Predicate)

	var candidates []Document
	for id := range matched {
		d := idx.docs[id]
		if d.Deleted && !q.IncludeDeleted {
			continue
		}
		candidates = append(candidates, d)
	}

	scored := make([]scoredDoc, 0, len(candidates))
	for _, d := range candidates {
		scored = append(scored, scoredDoc{doc: d, value: orderingValue(d, q.Ordering, q.Predicate)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].value != scored[j].value {
			return scored[i].value > scored[j].value
		}
		return scored[i].doc.OperationID > scored[j].doc.OperationID
	})

	scored = applyPaging(scored, q.Paging)

	count := q.Paging.Count
	if count <= 0 {
		count = len(scored)
	}

	total := len(candidates)
	var results []Document
	for i, sd := range scored {
		if i >= count {
			break
		}
		results = append(results, sd.doc)
	}

	var next *Paging
	if len(scored) > count {
		last := scored[count-1].value
		next = &Paging{BeforeOrderingValue: &last, Count: q.Paging.Count}
	}

	return MutationResults{
		Results:   results,
		NextPage:  next,
		Total:     total,
		Remaining: total - len(results),
	}, nil
}

type scoredDoc struct {
	doc   Document
	value float64
}

func applyPaging(scored []scoredDoc, p Paging) []scoredDoc {
	if p.Offset != nil {
		off := *p.Offset
		if off >= len(scored) {
			return nil
		}
		return scored[off:]
	}
	out := scored
	if p.BeforeOrderingValue != nil {
		idx := 0
		for i, sd := range out {
			if sd.value < *p.BeforeOrderingValue {
				idx = i
				break
			}
			idx = i + 1
		}
		out = out[idx:]
	}
	if p.AfterOrderingValue != nil {
		cut := len(out)
		for i, sd := range out {
			if sd.value <= *p.AfterOrderingValue {
				cut = i
				break
			}
		}
		out = out[:cut]
	}
	return out
}

func orderingValue(d Document, o Ordering, pred Predicate) float64 {
	switch o.Kind {
	case OrderByOperationID:
		return float64(d.OperationID)
	case OrderByCreationDate:
		return float64(d.CreationDate.UnixNano())
	case OrderByModificationDate:
		return float64(d.ModificationDate.UnixNano())
	case OrderByField:
		return 0 // no field registry in this index; ties broken by operation id
	default: // OrderByScore
		score := 1.0
		if !o.DisableRecencyBoost {
			score += recencyBoost(d.OperationID)
		}
		if !o.DisableReferenceBoost && d.AllRefs != "" {
			score += 0.5
		}
		return score
	}
}

// recencyBoost grows logarithmically with operation id (a monotone
// proxy for recency, since operation ids are HLC-derived and
// time-ordered) so newer documents score slightly higher at equal
// term relevance.
func recencyBoost(operationID uint64) float64 {
	if operationID == 0 {
		return 0
	}
	return math.Log1p(float64(operationID)) / 100
}

func (idx *Index) evalLocked(p Predicate) map[uint64]struct{} {
	switch v := p.(type) {
	case nil:
		return idx.allIDsLocked()
	case AllPredicate:
		return idx.allIDsLocked()
	case IdsPredicate:
		out := make(map[uint64]struct{})
		for _, eid := range v.EntityIDs {
			for _, id := range idx.byEntity[eid] {
				out[id] = struct{}{}
			}
		}
		return out
	case OperationsPredicate:
		out := make(map[uint64]struct{})
		for _, id := range v.OperationIDs {
			if _, ok := idx.docs[id]; ok {
				out[id] = struct{}{}
			}
		}
		return out
	case TraitPredicate:
		out := make(map[uint64]struct{})
		for _, id := range idx.byTrait[v.TraitType] {
			out[id] = struct{}{}
		}
		if v.Nested != nil {
			nested := idx.evalLocked(v.Nested)
			out = intersect(out, nested)
		}
		return out
	case ReferencePredicate:
		needle := "entity" + v.EntityID
		if v.TraitID != "" {
			needle += " trait" + v.TraitID
		}
		out := make(map[uint64]struct{})
		for id, d := range idx.docs {
			if strings.Contains(d.AllRefs, needle) {
				out[id] = struct{}{}
			}
		}
		return out
	case MatchPredicate:
		return idx.matchLocked(v.Query)
	case BooleanPredicate:
		return idx.evalBooleanLocked(v)
	default:
		return idx.allIDsLocked()
	}
}

func (idx *Index) allIDsLocked() map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(idx.docs))
	for id := range idx.docs {
		out[id] = struct{}{}
	}
	return out
}

func (idx *Index) matchLocked(query string) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, term := range tokenize(query) {
		maxDist := 0
		switch {
		case len(term) > 6:
			maxDist = 2
		case len(term) >= 4:
			maxDist = 1
		}
		for tok, ids := range idx.tokens {
			if tok == term || levenshtein(tok, term) <= maxDist {
				for _, id := range ids {
					out[id] = struct{}{}
				}
			}
		}
	}
	return out
}

func (idx *Index) evalBooleanLocked(b BooleanPredicate) map[uint64]struct{} {
	var should, must, mustNot map[uint64]struct{}
	haveShould, haveMust := false, false

	for _, clause := range b.Clauses {
		matched := idx.evalLocked(clause.Predicate)
		switch clause.Op {
		case BoolShould:
			haveShould = true
			should = union(should, matched)
		case BoolMust:
			haveMust = true
			if must == nil {
				must = matched
			} else {
				must = intersect(must, matched)
			}
		case BoolMustNot:
			mustNot = union(mustNot, matched)
		}
	}

	var out map[uint64]struct{}
	switch {
	case haveMust:
		out = must
	case haveShould:
		out = should
	default:
		out = idx.allIDsLocked()
	}
	if mustNot != nil {
		filtered := make(map[uint64]struct{}, len(out))
		for id := range out {
			if _, excluded := mustNot[id]; !excluded {
				filtered[id] = struct{}{}
			}
		}
		out = filtered
	}
	return out
}

func union(a, b map[uint64]struct{}) map[uint64]struct{} {
	if a == nil {
		return b
	}
	for id := range b {
		a[id] = struct{}{}
	}
	return a
}

func intersect(a, b map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// levenshtein computes the edit distance between a and b, capped
// early once it's clear the result exceeds a small bound isn't needed
// here since inputs are short tokens.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
