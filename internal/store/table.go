/*
Package store implements the attribute table at the heart of attrd: an
in-memory, single-owner map of named, per-node attribute values and the
dampening timers that coalesce bursts of updates before they reach the
writer.

	┌──────────────────── ATTRIBUTE TABLE ─────────────────────┐
	│                                                            │
	│  Table                                                    │
	│   └── Attribute (by name, case-sensitive)                 │
	│        ├── SetID / KeyID / Identity   (CDB identity)       │
	│        ├── Private / DampenMS / timer (Timer, one-shot)    │
	│        ├── Changed / ForceWrite / InFlightTag              │
	│        └── Values (by node name, case-insensitive)         │
	│             └── Value: Current / Requested / Seen / NodeID │
	└────────────────────────────────────────────────────────────┘

Table operations are not safe for concurrent use: the daemon's single event
loop is the only caller, by design (see the concurrency model in the module's
design notes). Timers are the one exception — they fire on their own
goroutine, but only ever post an event back to the loop; they never touch
Table state directly.

Invariants:

 1. The table's key set equals the set of live attribute names; each entry's
    Values map is keyed by lowercased node name.
 2. An attribute's timer exists only while DampenMS > 0, except during the
    failure-backoff window described in the writer package.
 3. At most one CDB write is in flight per attribute.
 4. Requested is non-nil on a value only while InFlightTag is non-empty.
 5. A value is removed only by explicit delete propagation or by eviction of
    its owning node.
 6. Private attributes never contribute to CDB writes but do contribute to
    broadcasts and queries.
*/
package store

// Table is the in-memory attribute table shared by every component of the
// daemon. It has no persistence of its own; the writer is responsible for
// pushing changes to the CDB.
type Table struct {
	attrs map[string]*Attribute
}

// NewTable creates an empty attribute table.
func NewTable() *Table {
	return &Table{attrs: make(map[string]*Attribute)}
}

// GetOrCreate returns the attribute named name, creating it with the supplied
// fields if this is the first time it has been encountered. Fields are only
// applied on creation; they do not overwrite an existing attribute.
func (t *Table) GetOrCreate(name string, f Fields) *Attribute {
	if a, ok := t.attrs[name]; ok {
		return a
	}
	a := newAttribute(name, f)
	t.attrs[name] = a
	return a
}

// Lookup returns the attribute named name, if it exists.
func (t *Table) Lookup(name string) (*Attribute, bool) {
	a, ok := t.attrs[name]
	return a, ok
}

// Names returns every attribute name currently in the table, in no
// particular order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.attrs))
	for n := range t.attrs {
		names = append(names, n)
	}
	return names
}

// Each calls fn once per attribute in the table. fn must not mutate the
// table's key set.
func (t *Table) Each(fn func(a *Attribute)) {
	for _, a := range t.attrs {
		fn(a)
	}
}

// Count returns the number of attributes in the table.
func (t *Table) Count() int {
	return len(t.attrs)
}

// RemoveValuesForNode deletes the named node's value from every attribute
// (node eviction). It returns the number of values removed. Attribute
// entries themselves are never deleted by eviction.
func (t *Table) RemoveValuesForNode(node string) int {
	removed := 0
	for _, a := range t.attrs {
		if _, ok := a.LookupValue(node); ok {
			a.RemoveValue(node)
			removed++
		}
	}
	return removed
}

// ClearSeen resets the Seen flag on every value of every attribute. Used when
// reconciling a SYNC_RESPONSE from a newly-elected writer.
func (t *Table) ClearSeen() {
	for _, a := range t.attrs {
		for _, v := range a.Values {
			v.Seen = false
		}
	}
}

// ValueRecord is one (attribute, node) value pulled out flat, used to build
// SYNC_RESPONSE snapshots and CDB write batches.
type ValueRecord struct {
	AttrName string
	Attr     *Attribute
	Node     string
	Value    *Value
}

// Snapshot returns every (attribute, node) value currently in the table.
func (t *Table) Snapshot() []ValueRecord {
	var out []ValueRecord
	for name, a := range t.attrs {
		for _, v := range a.Values {
			out = append(out, ValueRecord{AttrName: name, Attr: a, Node: v.NodeName, Value: v})
		}
	}
	return out
}

// NodeNameForID searches every attribute's values for one carrying the given
// numeric node id, returning its canonical name. Used to resolve a
// peer-remove request that only supplied a host id.
func (t *Table) NodeNameForID(id uint32) (string, bool) {
	for _, a := range t.attrs {
		for _, v := range a.Values {
			if v.NodeID == id {
				return v.NodeName, true
			}
		}
	}
	return "", false
}

// LocalRecords returns every value this table holds for the named local
// node, used to build a current_only_update fragment.
func (t *Table) LocalRecords(localNode string) []ValueRecord {
	var out []ValueRecord
	for name, a := range t.attrs {
		if v, ok := a.LookupValue(localNode); ok {
			out = append(out, ValueRecord{AttrName: name, Attr: a, Node: v.NodeName, Value: v})
		}
	}
	return out
}
