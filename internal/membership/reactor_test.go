package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren-attrd/internal/store"
)

type scriptedChecker struct {
	mu    sync.Mutex
	alive bool
}

func (c *scriptedChecker) Check(_ context.Context, _ PeerState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *scriptedChecker) setAlive(v bool) {
	c.mu.Lock()
	c.alive = v
	c.mu.Unlock()
}

type fakeGate struct {
	won     bool
	removed []string
}

func (g *fakeGate) Won() bool { return g.won }
func (g *fakeGate) RemoveVoter(nodeID string) error {
	g.removed = append(g.removed, nodeID)
	return nil
}

func TestResolveReportsNodeAndPeerIDKnowledgeSeparately(t *testing.T) {
	r := New(Config{}, store.NewTable(), &scriptedChecker{alive: true}, &fakeGate{})

	_, known := r.Resolve("n1")
	assert.False(t, known, "a node never observed must not be known")

	r.AddPeer("n1")
	id, known := r.Resolve("n1")
	assert.True(t, known)
	assert.Empty(t, id, "a known node with no durable id yet reports empty id")

	r.LearnPeerID("n1", "peer-1")
	id, known = r.Resolve("n1")
	assert.True(t, known)
	assert.Equal(t, "peer-1", id)
}

func TestLearnPeerIDFiresCallbackOnlyOnce(t *testing.T) {
	r := New(Config{}, store.NewTable(), &scriptedChecker{alive: true}, &fakeGate{})

	fired := 0
	r.OnPeerIDLearned(func(string) { fired++ })

	r.LearnPeerID("n1", "peer-1")
	r.LearnPeerID("n1", "peer-1-again")

	assert.Equal(t, 1, fired, "learning an id twice must not refire the callback")
}

func TestAddPeerFiresOnPeerUpOnlyForNewPeers(t *testing.T) {
	r := New(Config{}, store.NewTable(), &scriptedChecker{alive: true}, &fakeGate{})

	fired := 0
	r.OnPeerUp(func(string) { fired++ })

	r.AddPeer("n1")
	r.AddPeer("n1")

	assert.Equal(t, 1, fired, "re-adding an already-known peer must not refire OnPeerUp")
}

func TestPollEvictsAfterDeadline(t *testing.T) {
	tbl := store.NewTable()
	a := tbl.GetOrCreate("shoe-size", store.Fields{})
	a.GetOrCreateValue("n1", false).Current = strPtr("42")

	checker := &scriptedChecker{alive: false}
	gate := &fakeGate{won: true}
	r := New(Config{PollInterval: 20 * time.Millisecond, DeadAfter: 30 * time.Millisecond}, tbl, checker, gate)

	downFired := make(chan string, 1)
	r.OnPeerDown(func(node string) { downFired <- node })

	r.AddPeer("n1")
	r.LearnPeerID("n1", "peer-1")
	r.Start()
	defer r.Stop()

	select {
	case node := <-downFired:
		assert.Equal(t, "n1", node)
	case <-time.After(2 * time.Second):
		t.Fatal("peer was never evicted")
	}

	_, ok := a.LookupValue("n1")
	assert.False(t, ok, "eviction must remove the node's attribute values")
	require.Len(t, gate.removed, 1)
	assert.Equal(t, "n1", gate.removed[0])
}

func TestPollKeepsAlivePeer(t *testing.T) {
	tbl := store.NewTable()
	checker := &scriptedChecker{alive: true}
	gate := &fakeGate{won: true}
	r := New(Config{PollInterval: 10 * time.Millisecond, DeadAfter: 30 * time.Millisecond}, tbl, checker, gate)

	r.AddPeer("n1")
	r.Start()
	defer r.Stop()

	time.Sleep(100 * time.Millisecond)

	_, known := r.Resolve("n1")
	assert.True(t, known, "an alive peer must never be evicted")
}

func strPtr(s string) *string { return &s }
