package mutationindex

import "strings"

// ParseQueryString turns a user-typed query string into a Query.
// Grammar (space-separated tokens, left to right):
//
//	term            SHOULD match `term` against all_text
//	+term           MUST match `term`
//	-term           MUST_NOT match `term`
//	"quoted phrase" one SHOULD/MUST/MUST_NOT clause (+/- prefix still applies) whose
//	                words are matched like a term list: any word may match,
//	                fuzzily; word order and adjacency are not checked
//	field:value     match `value` against `field`, with the +/- prefix's op
//	                (SHOULD by default): entity:<id> and ref:<id> select by
//	                entity id and by reference; any other field is taken as
//	                a trait type whose text must match `value`
//	field:(a b c)   same, with the whole parenthesized phrase as `value`
//	type:name       MUST restrict to trait type `name`
//	sort:key        sets Ordering; key is one of score, operation_id, created, updated
//
// A query with no clauses at all yields AllPredicate; one with only
// MUST_NOT clauses yields a BooleanPredicate that matches every document
// those clauses do not exclude.
func ParseQueryString(raw string) Query {
	q := Query{Ordering: Ordering{Kind: OrderByScore}}
	var clauses []BooleanClause

	for _, tok := range splitQueryTokens(raw) {
		op := BoolShould
		switch {
		case strings.HasPrefix(tok, "+"):
			op = BoolMust
			tok = tok[1:]
		case strings.HasPrefix(tok, "-"):
			op = BoolMustNot
			tok = tok[1:]
		}
		if tok == "" {
			continue
		}

		if field, value, ok := splitField(tok); ok {
			switch field {
			case "sort":
				q.Ordering = parseSort(value)
				continue
			case "type":
				clauses = append(clauses, BooleanClause{Op: BoolMust, Predicate: TraitPredicate{TraitType: value}})
				continue
			case "entity":
				clauses = append(clauses, BooleanClause{Op: op, Predicate: IdsPredicate{EntityIDs: []string{value}}})
				continue
			case "ref":
				clauses = append(clauses, BooleanClause{Op: op, Predicate: ReferencePredicate{EntityID: value}})
				continue
			default:
				clauses = append(clauses, BooleanClause{Op: op, Predicate: TraitPredicate{
					TraitType: field,
					Nested:    MatchPredicate{Query: value},
				}})
				continue
			}
		}

		clauses = append(clauses, BooleanClause{Op: op, Predicate: MatchPredicate{Query: tok}})
	}

	if len(clauses) == 0 {
		q.Predicate = AllPredicate{}
		return q
	}
	q.Predicate = BooleanPredicate{Clauses: clauses}
	return q
}

// splitQueryTokens splits on whitespace while keeping "quoted phrases"
// and field:(parenthesized phrases) intact as single tokens.
func splitQueryTokens(raw string) []string {
	var tokens []string
	var cur strings.Builder
	inQuote, inParen := false, false

	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}

	for _, r := range raw {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == '(' && !inQuote:
			inParen = true
			cur.WriteRune(r)
		case r == ')' && inParen:
			inParen = false
			cur.WriteRune(r)
		case r == ' ' && !inQuote && !inParen:
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func splitField(tok string) (field, value string, ok bool) {
	i := strings.IndexByte(tok, ':')
	if i <= 0 || i == len(tok)-1 {
		return "", "", false
	}
	field = tok[:i]
	value = tok[i+1:]
	value = strings.TrimPrefix(value, "(")
	value = strings.TrimSuffix(value, ")")
	return field, value, true
}

func parseSort(key string) Ordering {
	switch key {
	case "operation_id":
		return Ordering{Kind: OrderByOperationID}
	case "created":
		return Ordering{Kind: OrderByCreationDate}
	case "updated":
		return Ordering{Kind: OrderByModificationDate}
	default:
		return Ordering{Kind: OrderByScore}
	}
}
