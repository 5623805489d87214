/*
Package membership implements the peer-up/peer-down reactor: it polls peer
liveness, evicts a node's attribute values when it disappears, drives the
election gate's voter set, and triggers a full resync when a peer (re)joins
while this daemon is the writer.

Grounded on the poll-loop-plus-per-item-sync shape of a worker health
monitor: a ticker drives pollOnce, which probes every known peer and evicts
any that has stayed unreachable for longer than DeadAfter.
*/
package membership

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/warren-attrd/internal/store"
	"github.com/cuemby/warren-attrd/pkg/log"
	"github.com/cuemby/warren-attrd/pkg/metrics"
)

// PeerState is what the reactor tracks about one cluster member.
type PeerState struct {
	NodeName string
	PeerID   string // durable id; "" if not yet learned
	Alive    bool
	LastSeen time.Time
}

// Checker probes whether a peer is still reachable. The daemon installs a
// ConnChecker backed by the broadcast bus's connection registry; tests use a
// scripted fake.
type Checker interface {
	Check(ctx context.Context, peer PeerState) bool
}

// ElectionVoters is the subset of the election gate the reactor needs to keep
// the raft voter set in sync with cluster membership.
type ElectionVoters interface {
	Won() bool
	RemoveVoter(nodeID string) error
}

// Config configures a Reactor.
type Config struct {
	PollInterval time.Duration
	DeadAfter    time.Duration // consecutive failed polls duration before eviction
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.DeadAfter == 0 {
		c.DeadAfter = 10 * time.Second
	}
	return c
}

// Reactor is the membership component: it owns the peer liveness table and
// reacts to changes in it.
type Reactor struct {
	cfg     Config
	table   *store.Table
	checker Checker
	gate    ElectionVoters

	mu    sync.RWMutex
	peers map[string]*PeerState // keyed by lowercased node name

	onPeerIDLearned func(nodeName string)
	onPeerDown      func(nodeName string)
	onPeerUp        func(nodeName string)

	stopCh chan struct{}
}

// New creates a Reactor. The onX callbacks may be nil.
func New(cfg Config, table *store.Table, checker Checker, gate ElectionVoters) *Reactor {
	return &Reactor{
		cfg:     cfg.withDefaults(),
		table:   table,
		checker: checker,
		gate:    gate,
		peers:   make(map[string]*PeerState),
		stopCh:  make(chan struct{}),
	}
}

// SetChecker installs the liveness checker. Must be called before Start if
// checker was not supplied to New; lets the reactor and a checker backed by
// the broadcast bus be wired even when the bus is constructed after the
// reactor (the bus's own handler is the replication engine, which in turn
// needs the reactor as its peer registrar).
func (r *Reactor) SetChecker(checker Checker) {
	r.checker = checker
}

// OnPeerIDLearned registers a callback fired when a previously-unknown peer's
// durable id becomes known, so the daemon can retry blocked writes.
func (r *Reactor) OnPeerIDLearned(fn func(nodeName string)) { r.onPeerIDLearned = fn }

// OnPeerDown registers a callback fired when a peer is evicted.
func (r *Reactor) OnPeerDown(fn func(nodeName string)) { r.onPeerDown = fn }

// OnPeerUp registers a callback fired when a peer (re)joins.
func (r *Reactor) OnPeerUp(fn func(nodeName string)) { r.onPeerUp = fn }

// AddPeer registers a cluster member as known and alive. Calling it again for
// a node already marked alive only refreshes LastSeen; for a node marked not
// alive it also marks it alive and fires OnPeerUp.
func (r *Reactor) AddPeer(nodeName string) {
	r.mu.Lock()
	key := lower(nodeName)
	existed := false
	if p, ok := r.peers[key]; ok {
		p.LastSeen = time.Now()
		existed = p.Alive
		p.Alive = true
	} else {
		r.peers[key] = &PeerState{NodeName: nodeName, Alive: true, LastSeen: time.Now()}
	}
	r.mu.Unlock()

	metrics.PeersKnown.Set(float64(r.Count()))
	if !existed {
		log.WithPeer(nodeName).Info().Msg("peer joined")
		if r.onPeerUp != nil {
			r.onPeerUp(nodeName)
		}
	}
}

// LearnPeerID records a peer's durable id, becoming resolvable for writes.
func (r *Reactor) LearnPeerID(nodeName, peerID string) {
	r.mu.Lock()
	key := lower(nodeName)
	p, ok := r.peers[key]
	if !ok {
		p = &PeerState{NodeName: nodeName, Alive: true, LastSeen: time.Now()}
		r.peers[key] = p
	}
	already := p.PeerID != ""
	p.PeerID = peerID
	r.mu.Unlock()

	if !already && r.onPeerIDLearned != nil {
		r.onPeerIDLearned(nodeName)
	}
}

// Resolve implements writer.PeerResolver: known=false means the node has
// never been observed; a known node with id="" means its durable id hasn't
// been learned yet.
func (r *Reactor) Resolve(nodeName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[lower(nodeName)]
	if !ok {
		return "", false
	}
	return p.PeerID, true
}

// Count returns the number of peers currently considered members (alive or
// not yet confirmed dead).
func (r *Reactor) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Start begins the liveness poll loop.
func (r *Reactor) Start() {
	go r.run()
}

// Stop ends the poll loop.
func (r *Reactor) Stop() {
	close(r.stopCh)
}

func (r *Reactor) run() {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.pollOnce()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reactor) pollOnce() {
	r.mu.RLock()
	snapshot := make([]PeerState, 0, len(r.peers))
	for _, p := range r.peers {
		snapshot = append(snapshot, *p)
	}
	r.mu.RUnlock()

	for _, p := range snapshot {
		r.checkOne(p)
	}
}

func (r *Reactor) checkOne(p PeerState) {
	if r.checker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PollInterval)
	alive := r.checker.Check(ctx, p)
	cancel()

	r.mu.Lock()
	cur, ok := r.peers[lower(p.NodeName)]
	if !ok {
		r.mu.Unlock()
		return
	}
	if alive {
		cur.Alive = true
		cur.LastSeen = time.Now()
		r.mu.Unlock()
		return
	}

	deadFor := time.Since(cur.LastSeen)
	cur.Alive = false
	shouldEvict := deadFor > r.cfg.DeadAfter
	peerID := cur.PeerID
	r.mu.Unlock()

	if shouldEvict {
		r.evict(p.NodeName, peerID)
	}
}

func (r *Reactor) evict(nodeName, peerID string) {
	r.mu.Lock()
	delete(r.peers, lower(nodeName))
	r.mu.Unlock()

	removed := r.table.RemoveValuesForNode(nodeName)
	metrics.EvictionsTotal.Inc()
	metrics.PeersKnown.Set(float64(r.Count()))
	log.WithPeer(nodeName).Warn().Int("values_removed", removed).Msg("peer evicted")

	if r.gate.Won() {
		if err := r.gate.RemoveVoter(nodeName); err != nil {
			log.WithPeer(nodeName).Warn().Err(err).Msg("failed to remove evicted peer from election voter set")
		}
	}

	if r.onPeerDown != nil {
		r.onPeerDown(nodeName)
	}
}

func lower(s string) string {
	return strings.ToLower(s)
}
