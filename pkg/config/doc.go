/*
Package config loads a node's and its cell's YAML configuration, the
way the teacher's cmd layer loads its own: gopkg.in/yaml.v3 decoding
into a plain struct tree, with no separate schema-validation step;
malformed values surface as errors from the per-component adapters
(e.g. an unparsable Duration or public key).

A cell's location is either inline (the full NodeConfig list is
embedded in the same file) or external (a local file path the node
reads the cell definition from), mirroring the union the original system
uses to let operators share one cell file across every node's config
without duplicating it.
*/
package config
