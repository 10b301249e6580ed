package mutationindex

// Predicate is the compound Boolean predicate a parsed query reduces
// to. Each concrete type below is one variant of the predicate sum
// type described in the design.
type Predicate interface {
	isPredicate()
}

// MatchPredicate is fuzzy full-text matching against all_text: a
// document matches when one of its tokens is within the edit-distance
// bound of a query token. Score ordering does not tell exact hits from
// fuzzy ones.
type MatchPredicate struct {
	Query string
}

// TraitPredicate matches documents of a given trait type, optionally
// narrowed by a nested predicate over the trait's own fields.
type TraitPredicate struct {
	TraitType string
	Nested    Predicate // may be nil
}

// IdsPredicate is a disjunction of entity id terms.
type IdsPredicate struct {
	EntityIDs []string
}

// ReferencePredicate looks for "entity<id> trait<id>", the trait part
// being optional, as a substring of a document's all_refs field.
// FieldName is not consulted, and the index never fills AllRefs from
// the opaque message bytes, so this predicate matches no document.
type ReferencePredicate struct {
	FieldName string // not consulted by the index
	EntityID  string
	TraitID   string // empty if unspecified
}

// OperationsPredicate is a disjunction of operation id terms.
type OperationsPredicate struct {
	OperationIDs []uint64
}

// AllPredicate matches every document.
type AllPredicate struct{}

// BoolOp discriminates a Boolean clause's role.
type BoolOp int

const (
	BoolShould BoolOp = iota
	BoolMust
	BoolMustNot
)

// BooleanClause is one tagged sub-query of a BooleanPredicate.
type BooleanClause struct {
	Op        BoolOp
	Predicate Predicate
}

// BooleanPredicate combines clauses with SHOULD/MUST/MUST_NOT semantics:
// if any MUST clause exists, a document must match every MUST (SHOULD
// clauses are then not required); otherwise it must match at least one
// SHOULD, or, with no SHOULD either, every document qualifies. No
// MUST_NOT may match.
type BooleanPredicate struct {
	Clauses []BooleanClause
}

func (MatchPredicate) isPredicate()      {}
func (TraitPredicate) isPredicate()      {}
func (IdsPredicate) isPredicate()        {}
func (ReferencePredicate) isPredicate()  {}
func (OperationsPredicate) isPredicate() {}
func (AllPredicate) isPredicate()        {}
func (BooleanPredicate) isPredicate()    {}

// OrderingKind selects how results are sorted.
type OrderingKind int

const (
	OrderByScore OrderingKind = iota
	OrderByOperationID
	OrderByField
	OrderByCreationDate
	OrderByModificationDate
)

// Ordering fully describes a query's sort, ties always broken by
// operation id.
type Ordering struct {
	Kind                 OrderingKind
	FieldName            string // only for OrderByField
	DisableRecencyBoost  bool   // only meaningful for OrderByScore
	DisableReferenceBoost bool  // only meaningful for OrderByScore
}

// Paging is the cursor controlling one page of results. Results are
// listed by descending ordering value: BeforeOrderingValue keeps only
// values strictly below it (NextPage carries the last value emitted),
// AfterOrderingValue only values strictly above it. Offset, when set,
// takes precedence over both.
type Paging struct {
	AfterOrderingValue  *float64
	BeforeOrderingValue *float64
	Count               int
	Offset              *int
}

// Query is a fully parsed query: predicate, paging cursor, and ordering.
type Query struct {
	Predicate    Predicate
	Paging       Paging
	Ordering     Ordering
	IncludeDeleted bool
	ResultHash   *uint64 // optional: short-circuits to an empty, skipped_hash result
}

// MutationResults is the outcome of Search.
type MutationResults struct {
	Results   []Document
	NextPage  *Paging
	Total     int
	Remaining int
	SkippedHash bool
}
