package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren-attrd/internal/proto"
	"github.com/cuemby/warren-attrd/internal/store"
)

type fakeWriteGate struct {
	wroteOrElect  []string
	dampenOrWrite []string
	writeAllCalls int
}

func (g *fakeWriteGate) WriteOrElect(a *store.Attribute) { g.wroteOrElect = append(g.wroteOrElect, a.Name) }
func (g *fakeWriteGate) WriteAll(changedOnly, ignoreDelay bool) { g.writeAllCalls++ }
func (g *fakeWriteGate) DampenOrWrite(a *store.Attribute) {
	g.dampenOrWrite = append(g.dampenOrWrite, a.Name)
}

type fakeBus struct {
	broadcasts []proto.Message
	sentTo     map[string][]proto.Message
}

func newFakeBus() *fakeBus { return &fakeBus{sentTo: make(map[string][]proto.Message)} }

func (b *fakeBus) Broadcast(m proto.Message)        { b.broadcasts = append(b.broadcasts, m) }
func (b *fakeBus) SendTo(peer string, m proto.Message) { b.sentTo[peer] = append(b.sentTo[peer], m) }

type fakePeers struct {
	added   []string
	learned map[string]string
	count   int
}

func newFakePeers() *fakePeers { return &fakePeers{learned: make(map[string]string)} }

func (p *fakePeers) AddPeer(nodeName string)             { p.added = append(p.added, nodeName) }
func (p *fakePeers) LearnPeerID(nodeName, peerID string) { p.learned[nodeName] = peerID }
func (p *fakePeers) Count() int                          { return p.count }

func newEngine(table *store.Table) (*Engine, *fakeWriteGate, *fakeBus, *fakePeers) {
	w := &fakeWriteGate{}
	b := newFakeBus()
	p := newFakePeers()
	return New(table, "n1", w, b, p), w, b, p
}

func strPtr(s string) *string { return &s }

func TestPeerUpdateCreatesAttributeAndSetsValue(t *testing.T) {
	table := store.NewTable()
	e, gate, _, _ := newEngine(table)

	msg := proto.New(proto.OpUpdate)
	msg.Name = "shoe-size"
	msg.Value = strPtr("42")

	e.PeerUpdate("n2", msg, "n2", false)

	a, ok := table.Lookup("shoe-size")
	require.True(t, ok)
	v, ok := a.LookupValue("n2")
	require.True(t, ok)
	assert.Equal(t, "42", *v.Current)
	assert.True(t, a.Changed)
	assert.Contains(t, gate.dampenOrWrite, "shoe-size")
}

func TestPeerUpdateDropsPureDelayForUnknownAttribute(t *testing.T) {
	table := store.NewTable()
	e, _, _, _ := newEngine(table)

	msg := proto.New(proto.OpUpdateDelay)
	msg.Name = "never-seen"
	dampen := 5000
	msg.DampenMS = &dampen

	e.PeerUpdate("n2", msg, "n2", false)

	_, ok := table.Lookup("never-seen")
	assert.False(t, ok, "a pure delay change must never create an attribute")
}

func TestPeerUpdateDampenChangeCancelsTimerAndWritesImmediately(t *testing.T) {
	table := store.NewTable()
	e, gate, _, _ := newEngine(table)
	a := table.GetOrCreate("shoe-size", store.Fields{DampenMS: 1000})

	msg := proto.New(proto.OpUpdateDelay)
	msg.Name = "shoe-size"
	newDampen := 2000
	msg.DampenMS = &newDampen

	e.PeerUpdate("n2", msg, "", false)

	assert.Equal(t, 2000, a.DampenMS)
	assert.Contains(t, gate.wroteOrElect, "shoe-size")
}

func TestPeerUpdateFilterModeLocalValueWins(t *testing.T) {
	table := store.NewTable()
	e, _, bus, _ := newEngine(table)
	a := table.GetOrCreate("shoe-size", store.Fields{})
	v := a.GetOrCreateValue("n1", false)
	v.Current = strPtr("alive")

	msg := proto.New(proto.OpUpdate)
	msg.Name = "shoe-size"
	msg.Value = strPtr("dead")

	e.PeerUpdate("n2", msg, "n1", true)

	assert.Equal(t, "alive", *v.Current, "local value must survive a filtered conflicting update")
	require.Len(t, bus.broadcasts, 1)
	require.Len(t, bus.broadcasts[0].Records, 1)
	assert.Equal(t, "alive", *bus.broadcasts[0].Records[0].Value)
}

func TestPeerUpdateForceWriteFlagSetWithoutValueChange(t *testing.T) {
	table := store.NewTable()
	e, _, _, _ := newEngine(table)
	a := table.GetOrCreate("shoe-size", store.Fields{DampenMS: 1000})
	v := a.GetOrCreateValue("n2", false)
	v.Current = strPtr("42")
	a.Timer() // install a timer without starting it, matching HasTimer()

	msg := proto.New(proto.OpUpdate)
	msg.Name = "shoe-size"
	msg.Value = strPtr("42")
	msg.IsForceWrite = true

	e.PeerUpdate("n2", msg, "n2", false)

	assert.True(t, a.ForceWrite)
	assert.True(t, v.Seen)
}

func TestPeerUpdateLearnsNodeIDOnlyForLocalPeers(t *testing.T) {
	table := store.NewTable()
	e, _, _, peers := newEngine(table)

	msg := proto.New(proto.OpUpdate)
	msg.Name = "shoe-size"
	msg.Value = strPtr("42")
	msg.TargetNodeID = 7

	e.PeerUpdate("n2", msg, "n2", false)

	assert.Equal(t, "7", peers.learned["n2"])
}

func TestPeerUpdateRemoteValueRegistersWithPeerCache(t *testing.T) {
	table := store.NewTable()
	e, _, _, peers := newEngine(table)

	msg := proto.New(proto.OpUpdate)
	msg.Name = "shoe-size"
	msg.Value = strPtr("42")
	msg.IsRemote = true

	e.PeerUpdate("n2", msg, "remote-1", false)

	assert.Contains(t, peers.added, "remote-1")
}

func TestPeerUpdateTargetEmptyIteratesExistingNodes(t *testing.T) {
	table := store.NewTable()
	e, _, _, _ := newEngine(table)
	a := table.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("old")
	a.GetOrCreateValue("n2", false).Current = strPtr("old")

	msg := proto.New(proto.OpUpdate)
	msg.Name = "shoe-size"
	msg.Value = strPtr("new")

	e.PeerUpdate("n3", msg, "", false)

	v1, _ := a.LookupValue("n1")
	v2, _ := a.LookupValue("n2")
	assert.Equal(t, "new", *v1.Current)
	assert.Equal(t, "new", *v2.Current)
}

func TestSyncResponseNewWriterClearsSeenAndEmitsCurrentOnly(t *testing.T) {
	table := store.NewTable()
	e, _, bus, _ := newEngine(table)

	local := table.GetOrCreate("local-only", store.Fields{})
	localVal := local.GetOrCreateValue("n1", false)
	localVal.Current = strPtr("mine")
	localVal.Seen = false

	msg := proto.New(proto.OpSyncResponse)
	msg.WriterID = "n2"
	msg.Records = []proto.SyncRecord{
		{Name: "shoe-size", Node: "n2", Value: strPtr("42")},
	}

	e.SyncResponse("n2", msg)

	_, ok := table.Lookup("shoe-size")
	assert.True(t, ok, "records embedded in a sync response must be applied")

	require.Len(t, bus.broadcasts, 1, "an unseen local value must trigger current_only_update")
	require.Len(t, bus.broadcasts[0].Records, 1)
	assert.Equal(t, "local-only", bus.broadcasts[0].Records[0].Name)
}

func TestSyncResponseSameWriterDoesNotReclearSeen(t *testing.T) {
	table := store.NewTable()
	e, _, bus, _ := newEngine(table)

	msg := proto.New(proto.OpSyncResponse)
	msg.WriterID = "n2"
	e.SyncResponse("n2", msg)
	e.SyncResponse("n2", msg)

	assert.Empty(t, bus.broadcasts, "repeat responses from the same writer must not keep re-triggering current_only_update")
}

func TestPeerRemoveEvictsValues(t *testing.T) {
	table := store.NewTable()
	e, _, _, _ := newEngine(table)
	a := table.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n2", false).Current = strPtr("42")

	msg := proto.New(proto.OpPeerRemove)
	msg.TargetNode = "n2"
	e.PeerRemove(msg)

	_, ok := a.LookupValue("n2")
	assert.False(t, ok)
}

func TestClearFailureExpandsToMatchingAttributesOnly(t *testing.T) {
	table := store.NewTable()
	e, gate, _, _ := newEngine(table)

	web := table.GetOrCreate("fail-count-web", store.Fields{})
	web.GetOrCreateValue("n1", false).Current = strPtr("3")
	db := table.GetOrCreate("fail-count-db", store.Fields{})
	db.GetOrCreateValue("n1", false).Current = strPtr("1")

	msg := proto.New(proto.OpClearFailure)
	msg.Resource = "web"

	e.ClearFailure("n1", msg)

	v, _ := web.LookupValue("n1")
	assert.Nil(t, v.Current, "the matching attribute's value must be cleared")
	dv, _ := db.LookupValue("n1")
	assert.Equal(t, "1", *dv.Current, "a non-matching attribute must be untouched")
	assert.Contains(t, gate.dampenOrWrite, "fail-count-web")
}

func TestClearFailureRejectsSenderBelowMinimumVersion(t *testing.T) {
	table := store.NewTable()
	e, _, _, _ := newEngine(table)

	web := table.GetOrCreate("fail-count-web", store.Fields{})
	web.GetOrCreateValue("n1", false).Current = strPtr("3")

	msg := proto.New(proto.OpClearFailure)
	msg.Version = proto.Version1
	msg.Resource = "web"

	e.ClearFailure("n1", msg)

	v, _ := web.LookupValue("n1")
	require.NotNil(t, v.Current, "a v1 sender's clear_failure must be rejected, not applied")
	assert.Equal(t, "3", *v.Current)
}

func TestQueryReturnsRecordsForOneNode(t *testing.T) {
	table := store.NewTable()
	e, _, _, _ := newEngine(table)
	a := table.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")
	a.GetOrCreateValue("n2", false).Current = strPtr("43")

	reply := e.Query("shoe-size", "n2")

	require.Len(t, reply.Records, 1)
	assert.Equal(t, "n2", reply.Records[0].Node)
	assert.Equal(t, "43", *reply.Records[0].Value)
}

func TestQueryReturnsAllNodesWhenHostEmpty(t *testing.T) {
	table := store.NewTable()
	e, _, _, _ := newEngine(table)
	a := table.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")
	a.GetOrCreateValue("n2", false).Current = strPtr("43")

	reply := e.Query("shoe-size", "")

	assert.Len(t, reply.Records, 2)
}

func TestQueryUnknownAttributeReturnsEmptyReply(t *testing.T) {
	table := store.NewTable()
	e, _, _, _ := newEngine(table)

	reply := e.Query("nope", "")

	assert.Empty(t, reply.Records)
}

func TestMinProtocolVersionDefaultsToCurrentWhenNoPeersSeen(t *testing.T) {
	table := store.NewTable()
	e, _, _, _ := newEngine(table)
	assert.Equal(t, proto.CurrentVersion, e.MinProtocolVersion())
}

func TestMinProtocolVersionTracksLowestSeenPeer(t *testing.T) {
	table := store.NewTable()
	e, _, _, _ := newEngine(table)

	old := proto.New(proto.OpUpdate)
	old.Version = proto.Version1
	old.Name = "x"
	old.Value = strPtr("1")
	e.HandleMessage("n2", old)

	cur := proto.New(proto.OpUpdate)
	cur.Name = "y"
	cur.Value = strPtr("1")
	e.HandleMessage("n3", cur)

	assert.Equal(t, proto.Version1, e.MinProtocolVersion())
}

func TestMinProtocolVersionIsLoggedOnceEveryKnownPeerSeen(t *testing.T) {
	table := store.NewTable()
	e, _, _, peers := newEngine(table)
	peers.count = 2

	old := proto.New(proto.OpUpdate)
	old.Version = proto.Version1
	old.Name = "x"
	old.Value = strPtr("1")
	e.HandleMessage("n2", old)
	assert.False(t, e.minVersionLogged, "must not log before every known peer has been seen")

	cur := proto.New(proto.OpUpdate)
	cur.Name = "y"
	cur.Value = strPtr("1")
	e.HandleMessage("n3", cur)
	assert.True(t, e.minVersionLogged, "must log once the last known peer is seen")
}
