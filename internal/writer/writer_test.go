package writer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren-attrd/internal/alert"
	"github.com/cuemby/warren-attrd/internal/cdb"
	"github.com/cuemby/warren-attrd/internal/store"
)

type fakeGate struct {
	won     bool
	started int
}

func (g *fakeGate) Won() bool { return g.won }
func (g *fakeGate) StartIfNeeded() {
	g.started++
}

type fakePeers struct {
	ids map[string]string // "" entry means known but id not yet learned
}

func (p *fakePeers) Resolve(node string) (string, bool) {
	id, ok := p.ids[node]
	return id, ok
}

func newTestWriter(client cdb.Client, gate *fakeGate, peers *fakePeers) (*Writer, *store.Table) {
	tbl := store.NewTable()
	w := New(tbl, client, alert.NewSink(), peers, gate, 16)
	return w, tbl
}

func strPtr(s string) *string { return &s }

func drainOneCallback(t *testing.T, w *Writer) {
	t.Helper()
	select {
	case ev := <-w.Callbacks():
		w.HandleCallback(ev)
	case <-time.After(time.Second):
		t.Fatal("expected a callback event")
	}
}

func TestWriteOrElectWritesWhenWon(t *testing.T) {
	client := cdb.NewFakeClient()
	gate := &fakeGate{won: true}
	peers := &fakePeers{ids: map[string]string{"n1": "peer-1"}}
	w, tbl := newTestWriter(client, gate, peers)

	a := tbl.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")
	a.Changed = true

	w.WriteOrElect(a)
	drainOneCallback(t, w)

	assert.Equal(t, 1, client.Count())
	assert.Equal(t, 0, gate.started)
	assert.Equal(t, "42", client.Last().Elements[0].Value)
}

func TestWriteOrElectRequestsElectionWhenNotWon(t *testing.T) {
	client := cdb.NewFakeClient()
	gate := &fakeGate{won: false}
	peers := &fakePeers{}
	w, tbl := newTestWriter(client, gate, peers)

	a := tbl.GetOrCreate("shoe-size", store.Fields{})
	w.WriteOrElect(a)

	assert.Equal(t, 0, client.Count())
	assert.Equal(t, 1, gate.started)
}

func TestWritePrivateAttributeNeverReachesCDB(t *testing.T) {
	client := cdb.NewFakeClient()
	gate := &fakeGate{won: true}
	peers := &fakePeers{ids: map[string]string{"n1": "peer-1"}}
	w, tbl := newTestWriter(client, gate, peers)

	a := tbl.GetOrCreate("#attrd-protocol", store.Fields{Private: true})
	a.GetOrCreateValue("n1", false).Current = strPtr("2")

	w.Write(a, true)

	assert.Equal(t, 0, client.Count())
}

func TestWriteSkipsValuesWithUnknownPeerID(t *testing.T) {
	client := cdb.NewFakeClient()
	gate := &fakeGate{won: true}
	peers := &fakePeers{ids: map[string]string{"n1": ""}} // known node, id not learned yet
	w, tbl := newTestWriter(client, gate, peers)

	a := tbl.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")

	w.Write(a, true)

	assert.Equal(t, 0, client.Count())
	assert.True(t, a.UnknownPeerIDs)
}

func TestWriteSkipsValuesForUnknownNode(t *testing.T) {
	client := cdb.NewFakeClient()
	gate := &fakeGate{won: true}
	peers := &fakePeers{} // node absent entirely
	w, tbl := newTestWriter(client, gate, peers)

	a := tbl.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")

	w.Write(a, true)

	assert.Equal(t, 0, client.Count())
	assert.False(t, a.UnknownPeerIDs, "an unknown node is not the same as an unknown peer id")
}

func TestWriteHonorsInFlightInvariant(t *testing.T) {
	client := cdb.NewFakeClient()
	client.Async = true // leave the write pending until we explicitly drain it
	gate := &fakeGate{won: true}
	peers := &fakePeers{ids: map[string]string{"n1": "peer-1"}}
	w, tbl := newTestWriter(client, gate, peers)

	a := tbl.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")

	w.Write(a, true)
	require.NotEmpty(t, a.InFlightTag)

	a.GetOrCreateValue("n1", false).Current = strPtr("43")
	w.Write(a, true)

	assert.Equal(t, 1, client.Count(), "a second write must not be submitted while one is in flight")
}

func TestWriteHonorsDampeningTimer(t *testing.T) {
	client := cdb.NewFakeClient()
	gate := &fakeGate{won: true}
	peers := &fakePeers{ids: map[string]string{"n1": "peer-1"}}
	w, tbl := newTestWriter(client, gate, peers)

	a := tbl.GetOrCreate("shoe-size", store.Fields{DampenMS: 10_000})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")
	a.Timer().Start(time.Hour, func() {})

	w.Write(a, false)
	assert.Equal(t, 0, client.Count(), "write must wait for the dampening timer")

	w.Write(a, true)
	assert.Equal(t, 1, client.Count(), "ignoreDelay must bypass a running dampening timer")
}

func TestHandleCallbackSuccessAdvancesLastDone(t *testing.T) {
	client := cdb.NewFakeClient()
	gate := &fakeGate{won: true}
	peers := &fakePeers{ids: map[string]string{"n1": "peer-1"}}
	w, tbl := newTestWriter(client, gate, peers)

	a := tbl.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")

	w.Write(a, true)
	drainOneCallback(t, w)

	assert.Empty(t, a.InFlightTag)
	assert.Nil(t, a.GetOrCreateValue("n1", false).Requested)
	assert.Equal(t, uint64(1), w.lastDoneSeq)
}

func TestHandleCallbackFailureMarksChangedAndBacksOff(t *testing.T) {
	client := cdb.NewFakeClient()
	client.NextResult = cdb.ErrDiffFailed
	gate := &fakeGate{won: true}
	peers := &fakePeers{ids: map[string]string{"n1": "peer-1"}}
	w, tbl := newTestWriter(client, gate, peers)

	a := tbl.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")

	w.Write(a, true)
	drainOneCallback(t, w)

	assert.True(t, a.Changed)
	require.True(t, a.HasTimer())
	assert.True(t, a.Timer().Running(), "a failed write with no dampening must install the backoff timer")
}

func TestWriteAllSelectsChangedAndForcedAttributes(t *testing.T) {
	client := cdb.NewFakeClient()
	gate := &fakeGate{won: true}
	peers := &fakePeers{ids: map[string]string{"n1": "peer-1"}}
	w, tbl := newTestWriter(client, gate, peers)

	changed := tbl.GetOrCreate("changed", store.Fields{})
	changed.GetOrCreateValue("n1", false).Current = strPtr("1")
	changed.Changed = true

	forced := tbl.GetOrCreate("forced", store.Fields{})
	forced.GetOrCreateValue("n1", false).Current = strPtr("2")
	forced.ForceWrite = true

	untouched := tbl.GetOrCreate("untouched", store.Fields{})
	untouched.GetOrCreateValue("n1", false).Current = strPtr("3")

	w.WriteAll(true, false)

	assert.Equal(t, 2, client.Count())
}

func TestWriteAllWritesEverythingWhenNotChangedOnly(t *testing.T) {
	client := cdb.NewFakeClient()
	gate := &fakeGate{won: true}
	peers := &fakePeers{ids: map[string]string{"n1": "peer-1"}}
	w, tbl := newTestWriter(client, gate, peers)

	a := tbl.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")

	w.WriteAll(false, true)

	assert.Equal(t, 1, client.Count())
}
