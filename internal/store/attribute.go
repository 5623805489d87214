package store

import "strings"

// Value is an attribute's binding for one specific node. Identity is the pair
// (attribute name, node name); node names are compared case-insensitively.
type Value struct {
	NodeName  string // canonical (as first observed) casing
	NodeID    uint32 // 0 = not yet learned
	IsRemote  bool
	Current   *string // nil means unset/deleted
	Requested *string // snapshot of Current at CDB submission time; nil once callback lands
	Seen      bool    // transient flag used during sync reconciliation
}

// Fields carries the attribute-level properties supplied when an attribute is
// first created, either by a local client update or by an inbound broadcast
// referencing a name this daemon hasn't seen yet.
type Fields struct {
	SetID    string
	KeyID    string
	Identity string
	Private  bool
	DampenMS int
}

// Attribute is a named, per-node value replicated across every daemon in the
// cluster. See invariants in the package doc.
type Attribute struct {
	Name     string
	SetID    string
	KeyID    string
	Identity string
	Private  bool
	DampenMS int

	Changed        bool
	ForceWrite     bool
	InFlightTag    string // opaque CDB request tag; "" means no write in flight
	UnknownPeerIDs bool

	Values map[string]*Value // keyed by lowercased node name

	timer *Timer // present iff DampenMS > 0, except during failure backoff (see Timer)
}

func newAttribute(name string, f Fields) *Attribute {
	return &Attribute{
		Name:     name,
		SetID:    f.SetID,
		KeyID:    f.KeyID,
		Identity: f.Identity,
		Private:  f.Private,
		DampenMS: f.DampenMS,
		Values:   make(map[string]*Value),
	}
}

// Timer returns the attribute's dampening/backoff timer, creating one lazily
// the first time it's needed so callers never have to nil-check.
func (a *Attribute) Timer() *Timer {
	if a.timer == nil {
		a.timer = NewTimer()
	}
	return a.timer
}

// HasTimer reports whether a timer is currently installed for this attribute
// (it may or may not be running); DropTimer uninstalls it.
func (a *Attribute) HasTimer() bool {
	return a.timer != nil
}

// DropTimer cancels and releases the attribute's timer. Cancellation frees no
// value state (invariant 2).
func (a *Attribute) DropTimer() {
	if a.timer != nil {
		a.timer.Cancel()
		a.timer = nil
	}
}

// LookupValue returns the value for a node, if present, by case-insensitive name.
func (a *Attribute) LookupValue(node string) (*Value, bool) {
	v, ok := a.Values[strings.ToLower(node)]
	return v, ok
}

// GetOrCreateValue returns the existing value for node, creating one if absent.
func (a *Attribute) GetOrCreateValue(node string, isRemote bool) *Value {
	key := strings.ToLower(node)
	v, ok := a.Values[key]
	if ok {
		return v
	}
	v = &Value{NodeName: node, IsRemote: isRemote}
	a.Values[key] = v
	return v
}

// RemoveValue deletes the value for a node, if present.
func (a *Attribute) RemoveValue(node string) {
	delete(a.Values, strings.ToLower(node))
}

// NodeNames returns the canonical names of every node with a value for this
// attribute, in no particular order.
func (a *Attribute) NodeNames() []string {
	names := make([]string, 0, len(a.Values))
	for _, v := range a.Values {
		names = append(names, v.NodeName)
	}
	return names
}
