/*
Package election implements the CDB writer election gate: a thin wrapper
around hashicorp/raft used strictly as a leader-election primitive. Unlike a
typical raft-backed service, nothing here replicates application state
through raft's log — the attribute table is replicated by the broadcast
protocol in internal/replica instead. Raft is exercised only for what it's
good at: a single, fencing-token-backed writer among a set of peers that can
come and go.

	┌───────────────── ELECTION GATE ─────────────────┐
	│                                                   │
	│  Bootstrap / Join ──► raft.Raft (noopFSM)         │
	│                           │                       │
	│            leaderCh ◄─────┘ (raft.Raft.LeaderCh)  │
	│                │                                  │
	│                ▼                                  │
	│          observeLeadership() ── Won() flips        │
	│                                                   │
	│  StartIfNeeded() ── guarded: counts and logs an    │
	│                      awaited election at most once │
	│                      per guard window; raft elects. │
	└───────────────────────────────────────────────────┘
*/
package election

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/warren-attrd/pkg/log"
	"github.com/cuemby/warren-attrd/pkg/metrics"
)

// noopFSM satisfies raft.FSM without replicating any application data. Log
// entries are never applied to it because this gate never calls raft.Apply;
// raft requires an FSM regardless of whether the log is used.
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{} { return nil }
func (noopFSM) Snapshot() (raft.FSMSnapshot, error) {
	return noopSnapshot{}, nil
}
func (noopFSM) Restore(rc raft.ReadCloser) error {
	defer rc.Close()
	return nil
}

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// Config configures a Gate.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// HeartbeatTimeout, ElectionTimeout, LeaderLeaseTimeout tune failover
	// latency. Zero values fall back to the package's defaults.
	HeartbeatTimeout   time.Duration
	ElectionTimeout    time.Duration
	LeaderLeaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 500 * time.Millisecond
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.LeaderLeaseTimeout == 0 {
		c.LeaderLeaseTimeout = 250 * time.Millisecond
	}
	return c
}

// Gate is the writer election primitive: exactly the four operations the
// rest of the daemon needs (start an election if one isn't already running,
// report whether this node currently holds the writer role, remove a voter
// that's been evicted, and be notified when the status changes).
type Gate struct {
	cfg  Config
	raft *raft.Raft

	won           atomic.Bool
	electionMu    sync.Mutex
	electionToken bool // true while StartIfNeeded's guard window is open

	wonCh  chan struct{} // event-loop-facing: fires once per transition to won
	lostCh chan struct{} // fires once per transition away from won

	stopCh chan struct{}
}

// New creates a Gate whose raft instance has not yet been started; call
// Bootstrap or Join before using it.
func New(cfg Config) *Gate {
	return &Gate{
		cfg:    cfg.withDefaults(),
		wonCh:  make(chan struct{}, 1),
		lostCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

func (g *Gate) raftConfig() *raft.Config {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(g.cfg.NodeID)
	rc.HeartbeatTimeout = g.cfg.HeartbeatTimeout
	rc.ElectionTimeout = g.cfg.ElectionTimeout
	rc.LeaderLeaseTimeout = g.cfg.LeaderLeaseTimeout
	return rc
}

func (g *Gate) newRaft() (*raft.Raft, raft.ServerAddress, error) {
	if err := os.MkdirAll(g.cfg.DataDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create election data dir: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", g.cfg.BindAddr)
	if err != nil {
		return nil, "", fmt.Errorf("resolve election bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(g.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("create election transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(g.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, "", fmt.Errorf("create election snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(g.cfg.DataDir, "election-log.db"))
	if err != nil {
		return nil, "", fmt.Errorf("create election log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(g.cfg.DataDir, "election-stable.db"))
	if err != nil {
		return nil, "", fmt.Errorf("create election stable store: %w", err)
	}

	r, err := raft.NewRaft(g.raftConfig(), noopFSM{}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, "", fmt.Errorf("create raft instance: %w", err)
	}
	return r, transport.LocalAddr(), nil
}

// Bootstrap starts a fresh single-node cluster, electing this node
// immediately. Subsequent peers join via AddVoter from whoever wins.
func (g *Gate) Bootstrap() error {
	r, localAddr, err := g.newRaft()
	if err != nil {
		return err
	}
	g.raft = r

	cfg := raft.Configuration{
		Servers: []raft.Server{{
			ID:      raft.ServerID(g.cfg.NodeID),
			Address: localAddr,
		}},
	}
	if err := g.raft.BootstrapCluster(cfg).Error(); err != nil {
		return fmt.Errorf("bootstrap election cluster: %w", err)
	}

	go g.observeLeadership()
	return nil
}

// JoinExisting starts this node's raft instance without bootstrapping a new
// cluster; the caller is expected to have already arranged for the current
// writer to call AddVoter with this node's id and address.
func (g *Gate) JoinExisting() error {
	r, _, err := g.newRaft()
	if err != nil {
		return err
	}
	g.raft = r
	go g.observeLeadership()
	return nil
}

// observeLeadership watches raft's LeaderCh and flips Won() in response,
// notifying the daemon's event loop on the matching channel.
func (g *Gate) observeLeadership() {
	for {
		select {
		case isLeader, ok := <-g.raft.LeaderCh():
			if !ok {
				return
			}
			g.won.Store(isLeader)
			metrics.ElectionIsWriter.Set(boolToFloat(isLeader))
			log.WithComponent("election").Info().Bool("writer", isLeader).Msg("writer role changed")
			if isLeader {
				nonBlockingSend(g.wonCh)
			} else {
				nonBlockingSend(g.lostCh)
			}
		case <-g.stopCh:
			return
		}
	}
}

// Won reports whether this daemon currently believes it holds the writer
// role. It may lag a true raft leadership change by up to one heartbeat.
func (g *Gate) Won() bool {
	return g.won.Load()
}

// WonCh fires once each time this node transitions into the writer role.
func (g *Gate) WonCh() <-chan struct{} { return g.wonCh }

// LostCh fires once each time this node transitions out of the writer role.
func (g *Gate) LostCh() <-chan struct{} { return g.lostCh }

// StartIfNeeded records that this daemon is waiting for a writer: unless a
// previous call opened a guard window that is still open, it increments the
// elections-started metric and logs at debug level. It does not itself start
// an election; raft runs its own election loop autonomously on heartbeat
// timeout. The guard only suppresses redundant log lines when several
// callers independently notice they are not the writer in quick succession.
func (g *Gate) StartIfNeeded() {
	g.electionMu.Lock()
	defer g.electionMu.Unlock()
	if g.electionToken {
		return
	}
	g.electionToken = true
	metrics.ElectionsStarted.Inc()
	log.WithComponent("election").Debug().Msg("no writer known, awaiting election")

	// Raft settles an election well within its own election timeout; clear
	// the guard afterward so a genuinely still-pending election can be
	// logged again rather than going silent forever.
	time.AfterFunc(g.cfg.ElectionTimeout*10, func() {
		g.electionMu.Lock()
		g.electionToken = false
		g.electionMu.Unlock()
	})
}

// AddVoter adds a peer to the raft configuration. Only the current writer
// may do this meaningfully; raft itself rejects the call otherwise.
func (g *Gate) AddVoter(nodeID, address string) error {
	if g.raft == nil {
		return fmt.Errorf("election gate not started")
	}
	if err := g.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("add voter %s: %w", nodeID, err)
	}
	return nil
}

// RemoveVoter removes an evicted peer from the raft configuration.
func (g *Gate) RemoveVoter(nodeID string) error {
	if g.raft == nil {
		return fmt.Errorf("election gate not started")
	}
	if err := g.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("remove voter %s: %w", nodeID, err)
	}
	return nil
}

// LeaderAddr returns the bind address of the current writer, if known.
func (g *Gate) LeaderAddr() string {
	if g.raft == nil {
		return ""
	}
	return string(g.raft.Leader())
}

// Stats returns a snapshot of raft's internal state for diagnostics.
func (g *Gate) Stats() map[string]any {
	if g.raft == nil {
		return nil
	}
	stats := map[string]any{
		"state":          g.raft.State().String(),
		"last_log_index": g.raft.LastIndex(),
		"applied_index":  g.raft.AppliedIndex(),
		"leader":         string(g.raft.Leader()),
	}
	if cfgFuture := g.raft.GetConfiguration(); cfgFuture.Error() == nil {
		stats["peers"] = len(cfgFuture.Configuration().Servers)
	}
	return stats
}

// Shutdown stops the raft instance and the leadership observer goroutine.
func (g *Gate) Shutdown() error {
	close(g.stopCh)
	if g.raft == nil {
		return nil
	}
	return g.raft.Shutdown().Error()
}

func nonBlockingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
