/*
Package index implements Concord's SecondaryIndex (spec C8): per-node,
non-replicated lookup tables maintained synchronously alongside Store
mutations inside the StateMachine apply loop.

Indexes are backfilled from Store contents when create_index registers
them and rebuilt on snapshot install, never replicated themselves — only
the descriptor that produced them travels through the Raft log
(create_index).
*/
package index

import (
	"encoding/json"

	"github.com/concord-db/concord/pkg/descriptor"
)

// Definition names a registered index and the extractor that feeds it.
type Definition struct {
	Name      string
	Extractor *descriptor.Extractor
}

// Table is a single named index: indexed value -> set of keys.
type Table struct {
	def     Definition
	byTerm  map[string]map[string]struct{}
	byKey   map[string][]string // key -> terms currently indexed, for removal
}

func newTable(def Definition) *Table {
	return &Table{
		def:    def,
		byTerm: make(map[string]map[string]struct{}),
		byKey:  make(map[string][]string),
	}
}

// Lookup returns the keys currently indexed under term.
func (t *Table) Lookup(term string) []string {
	set, ok := t.byTerm[term]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Put (re)indexes key under the terms its extractor derives from value,
// first removing any terms previously recorded for key.
func (t *Table) Put(key string, value []byte) {
	t.Remove(key)
	terms := t.def.Extractor.Extract(decode(value))
	if len(terms) == 0 {
		return
	}
	t.byKey[key] = terms
	for _, term := range terms {
		set, ok := t.byTerm[term]
		if !ok {
			set = make(map[string]struct{})
			t.byTerm[term] = set
		}
		set[key] = struct{}{}
	}
}

// Remove drops all terms previously recorded for key.
func (t *Table) Remove(key string) {
	terms, ok := t.byKey[key]
	if !ok {
		return
	}
	for _, term := range terms {
		if set, ok := t.byTerm[term]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(t.byTerm, term)
			}
		}
	}
	delete(t.byKey, key)
}

func decode(raw []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// Registry owns every index table on a node.
type Registry struct {
	tables map[string]*Table
}

// NewRegistry creates an empty index registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// Create registers a new, empty index. It returns false if name is
// already registered.
func (r *Registry) Create(def Definition) bool {
	if _, exists := r.tables[def.Name]; exists {
		return false
	}
	r.tables[def.Name] = newTable(def)
	return true
}

// Drop removes a registered index. It returns false if name was not
// registered.
func (r *Registry) Drop(name string) bool {
	if _, exists := r.tables[name]; !exists {
		return false
	}
	delete(r.tables, name)
	return true
}

// Get returns the named table, or nil if it isn't registered.
func (r *Registry) Get(name string) *Table {
	return r.tables[name]
}

// Names lists every registered index name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}
	return names
}

// PutAll feeds a (key, value) pair to every registered table — called on
// every applied write so indexes stay in lockstep with the Store.
func (r *Registry) PutAll(key string, value []byte) {
	for _, t := range r.tables {
		t.Put(key, value)
	}
}

// RemoveAll removes key from every registered table — called on delete
// and on expiration sweep.
func (r *Registry) RemoveAll(key string) {
	for _, t := range r.tables {
		t.Remove(key)
	}
}

// Reset clears every table's contents without dropping the registrations
// themselves — used before a full reindex pass.
func (r *Registry) Reset() {
	for name, t := range r.tables {
		r.tables[name] = newTable(t.def)
	}
}
