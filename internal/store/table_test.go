package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestGetOrCreateIsIdempotent(t *testing.T) {
	tbl := NewTable()
	a1 := tbl.GetOrCreate("shoe-size", Fields{DampenMS: 500})
	a2 := tbl.GetOrCreate("shoe-size", Fields{DampenMS: 999})

	require.Same(t, a1, a2)
	assert.Equal(t, 500, a1.DampenMS, "fields are only applied on first creation")
}

func TestValuesKeyedCaseInsensitively(t *testing.T) {
	tbl := NewTable()
	a := tbl.GetOrCreate("shoe-size", Fields{})

	v := a.GetOrCreateValue("N1", false)
	v.Current = strPtr("42")

	v2, ok := a.LookupValue("n1")
	require.True(t, ok)
	assert.Same(t, v, v2)
	assert.Equal(t, "N1", v2.NodeName, "canonical casing is preserved")
}

func TestRemoveValuesForNodeEvictsAcrossAttributes(t *testing.T) {
	tbl := NewTable()
	a1 := tbl.GetOrCreate("shoe-size", Fields{})
	a2 := tbl.GetOrCreate("load", Fields{})
	a1.GetOrCreateValue("n1", false)
	a2.GetOrCreateValue("n1", false)
	a2.GetOrCreateValue("n2", false)

	removed := tbl.RemoveValuesForNode("n1")
	assert.Equal(t, 2, removed)

	_, ok := a1.LookupValue("n1")
	assert.False(t, ok)
	_, ok = a2.LookupValue("n1")
	assert.False(t, ok)
	_, ok = a2.LookupValue("n2")
	assert.True(t, ok, "eviction must not touch other nodes' values")

	// Attribute entries survive eviction (invariant: eviction never deletes
	// attributes themselves).
	_, ok = tbl.Lookup("shoe-size")
	assert.True(t, ok)
}

func TestClearSeenResetsAllValues(t *testing.T) {
	tbl := NewTable()
	a := tbl.GetOrCreate("shoe-size", Fields{})
	v := a.GetOrCreateValue("n1", false)
	v.Seen = true

	tbl.ClearSeen()
	assert.False(t, v.Seen)
}

func TestHasTimerTracksInstallAndDrop(t *testing.T) {
	a := newAttribute("load", Fields{DampenMS: 0})
	assert.False(t, a.HasTimer())

	a.Timer().Start(time.Hour, func() {})
	assert.True(t, a.HasTimer())

	a.DropTimer()
	assert.False(t, a.HasTimer())
}

func TestTimerCoalescesBursts(t *testing.T) {
	a := newAttribute("load", Fields{DampenMS: 50})
	fired := make(chan struct{}, 10)

	for i := 0; i < 5; i++ {
		a.Timer().Start(30*time.Millisecond, func() { fired <- struct{}{} })
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	// Only the last Start should have survived; give any stray earlier fires
	// a moment to (not) show up.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, fired, 1, "restarting a timer must cancel the previous pending fire")
}

func TestSnapshotAndLocalRecords(t *testing.T) {
	tbl := NewTable()
	a := tbl.GetOrCreate("shoe-size", Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")
	a.GetOrCreateValue("n2", false).Current = strPtr("9")

	snap := tbl.Snapshot()
	assert.Len(t, snap, 2)

	local := tbl.LocalRecords("n1")
	require.Len(t, local, 1)
	assert.Equal(t, "shoe-size", local[0].AttrName)
	assert.Equal(t, "42", *local[0].Value.Current)
}
