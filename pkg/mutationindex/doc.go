/*
Package mutationindex is the document store and query engine behind
both the chain index (persistent) and the pending index (in-memory):
one document per indexed operation, searchable by entity, trait type,
full text, and operation id, with a small query-string
mini-language and a Boolean predicate AST for programmatic queries.

There is no general-purpose text-search engine in the dependency set
this is grounded on, so Index stores documents in go.etcd.io/bbolt
(persistent instances) or a plain map (pending instances created with
OpenMemory) and maintains its own inverted indices — entity_id,
trait_type, and a tokenized all_text field — rather than delegating to
an external engine. Fuzzy matching is a bounded Levenshtein distance
over the token inverted index rather than a trigram/FST structure.

Each registered trait's message bytes are opaque at this layer (no
schema/codegen is wired here, see the transport package's doc comment
for why); Document.AllText is a best-effort UTF-8 decoding of the
message bytes, which is enough to exercise full-text search without a
message-field registry. No references are extracted: Document.AllRefs
stays empty, so a ReferencePredicate matches no document and the
reference boost of score ordering never applies.
*/
package mutationindex
