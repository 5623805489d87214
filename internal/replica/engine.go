/*
Package replica implements the replication engine: the central peer_update
state transition and the SYNC / SYNC_RESPONSE / CLEAR_FAILURE / PEER_REMOVE
handlers that sit between internal/transport and internal/store.Table.

Grounded on attrd_peer_update, attrd_peer_sync, attrd_current_only_attribute_update
and attrd_peer_remove in the original daemon's attrd_commands.c: the Go types
below are a direct translation of those functions' state machine, not a
reinterpretation of it.
*/
package replica

import (
	"strconv"
	"strings"

	"github.com/cuemby/warren-attrd/internal/proto"
	"github.com/cuemby/warren-attrd/internal/store"
	"github.com/cuemby/warren-attrd/pkg/log"
	"github.com/cuemby/warren-attrd/pkg/metrics"
)

// WriteGate is the subset of the writer the engine needs to trigger CDB
// activity in reaction to replicated changes.
type WriteGate interface {
	WriteOrElect(a *store.Attribute)
	WriteAll(changedOnly, ignoreDelay bool)
	DampenOrWrite(a *store.Attribute)
}

// Broadcaster is the subset of the transport the engine needs to emit
// protocol messages, either to the whole cluster or to one peer.
type Broadcaster interface {
	Broadcast(m proto.Message)
	SendTo(peer string, m proto.Message)
}

// PeerRegistrar is the subset of the membership reactor the engine needs to
// register newly observed nodes and their durable ids, and to know how many
// members are currently known (for MinProtocolVersion's "every peer seen"
// check).
type PeerRegistrar interface {
	AddPeer(nodeName string)
	LearnPeerID(nodeName, peerID string)
	Count() int
}

// Engine is the replication state machine. One Engine exists per daemon,
// wired to that daemon's table, writer, transport and membership reactor.
type Engine struct {
	table     *store.Table
	localNode string
	writer    WriteGate
	bus       Broadcaster
	peers     PeerRegistrar

	lastWriterID     string
	peerVersions     map[string]int
	minVersionLogged bool
}

// New creates an Engine. localNode is this daemon's own cluster node name,
// used for the local-owner veto in filtered peer_update calls.
func New(table *store.Table, localNode string, writer WriteGate, bus Broadcaster, peers PeerRegistrar) *Engine {
	return &Engine{
		table:        table,
		localNode:    localNode,
		writer:       writer,
		bus:          bus,
		peers:        peers,
		peerVersions: make(map[string]int),
	}
}

// HandleMessage dispatches one inbound protocol message by op, per spec.md
// §4.5's inbound-dispatch table.
func (e *Engine) HandleMessage(peer string, m proto.Message) {
	if m.Version > 0 {
		e.peerVersions[peer] = m.Version
		e.maybeLogMinProtocolVersion()
	}

	switch m.Op {
	case proto.OpUpdate, proto.OpUpdateBoth, proto.OpUpdateDelay:
		e.PeerUpdate(peer, m, m.TargetNode, false)
	case proto.OpSync:
		e.bus.SendTo(peer, e.PeerSync())
	case proto.OpPeerRemove:
		e.PeerRemove(m)
	case proto.OpClearFailure:
		e.ClearFailure(peer, m)
	case proto.OpSyncResponse:
		e.SyncResponse(peer, m)
	case proto.OpQuery:
		e.bus.SendTo(peer, e.Query(m.Name, m.Host))
	default:
		metrics.MessagesDroppedTotal.WithLabelValues("unhandled_op").Inc()
		log.WithComponent("replica").Warn().Str("op", string(m.Op)).Str("peer", peer).Msg("dropping message with unrecognized op")
	}
}

// MinProtocolVersion returns the lowest protocol version seen from any peer
// so far, or proto.CurrentVersion if no peer has been heard from yet. A
// daemon logs this once every known peer has been seen so operators can tell
// when a mixed-version cluster is blocking CLEAR_FAILURE propagation.
func (e *Engine) MinProtocolVersion() int {
	min := proto.CurrentVersion
	first := true
	for _, v := range e.peerVersions {
		if first || v < min {
			min = v
			first = false
		}
	}
	return min
}

// maybeLogMinProtocolVersion logs the cluster's minimum supported protocol
// version the first time this daemon has heard from every known peer, so
// operators can tell when a mixed-version cluster is blocking CLEAR_FAILURE
// propagation.
func (e *Engine) maybeLogMinProtocolVersion() {
	if e.minVersionLogged {
		return
	}
	if known := e.peers.Count(); known == 0 || len(e.peerVersions) < known {
		return
	}
	e.minVersionLogged = true
	log.WithComponent("replica").Info().Int("min_protocol_version", e.MinProtocolVersion()).Msg("computed cluster minimum protocol version")
}

// PeerUpdate is the protocol's central state transition (attrd_peer_update).
// peer is the sender; target is the node the value belongs to, or "" to mean
// "every node this attribute already has a value for" (the broadcast case).
func (e *Engine) PeerUpdate(peer string, msg proto.Message, target string, filter bool) {
	if msg.Name == "" {
		log.WithComponent("replica").Warn().Str("peer", peer).Msg("dropping update with no attribute name")
		return
	}

	a, ok := e.table.Lookup(msg.Name)
	if !ok {
		if msg.Op != proto.OpUpdate && msg.Op != proto.OpUpdateBoth {
			log.WithAttribute(msg.Name).Warn().Msg("dropping update for unknown attribute not eligible to create one")
			return
		}
		a = e.table.GetOrCreate(msg.Name, store.Fields{
			SetID:    msg.SetID,
			KeyID:    msg.KeyID,
			Identity: msg.Identity,
			Private:  msg.IsPrivate,
			DampenMS: intOrZero(msg.DampenMS),
		})
	}

	if msg.Op == proto.OpUpdateDelay || msg.Op == proto.OpUpdateBoth {
		if msg.DampenMS != nil && *msg.DampenMS != a.DampenMS {
			a.DropTimer()
			a.DampenMS = *msg.DampenMS
			e.writer.WriteOrElect(a)
		}
		if msg.Op == proto.OpUpdateDelay {
			return
		}
	}

	if target == "" {
		for _, node := range a.NodeNames() {
			e.PeerUpdate(peer, msg, node, filter)
		}
		return
	}

	v := a.GetOrCreateValue(target, msg.IsRemote)
	if msg.IsRemote {
		e.peers.AddPeer(target)
	}

	changed := !strPtrEqual(v.Current, msg.Value)

	switch {
	case filter && changed && strings.EqualFold(target, e.localNode):
		// The local value is authoritative: restate it instead of accepting
		// the divergent incoming one.
		frag := proto.New(proto.OpSyncResponse)
		frag.Records = []proto.SyncRecord{syncRecord(a, v)}
		e.bus.Broadcast(frag)

	case changed:
		v.Current = msg.Value
		a.Changed = true
		e.writer.DampenOrWrite(a)

	case msg.IsForceWrite && a.HasTimer():
		a.ForceWrite = true
	}

	v.Seen = true

	if v.NodeID == 0 && !msg.IsRemote && msg.TargetNodeID != 0 {
		v.NodeID = msg.TargetNodeID
		e.peers.LearnPeerID(target, strconv.FormatUint(uint64(msg.TargetNodeID), 10))
	}
}

// PeerSync builds the SYNC_RESPONSE reply to a SYNC request: a snapshot of
// the whole table.
func (e *Engine) PeerSync() proto.Message {
	snap := e.table.Snapshot()
	records := make([]proto.SyncRecord, 0, len(snap))
	for _, r := range snap {
		records = append(records, syncRecord(r.Attr, r.Value))
	}
	m := proto.New(proto.OpSyncResponse)
	m.Records = records
	return m
}

// Query answers a remote QUERY request: every value currently held for
// name, optionally restricted to one node (host == "" means every node;
// "localhost" aliases to this daemon's own node). Unlike PeerUpdate's
// filter mode, this never mutates the table.
func (e *Engine) Query(name, host string) proto.Message {
	reply := proto.New(proto.OpQueryReply)
	reply.Name = name
	reply.Host = host

	if host == "localhost" {
		host = e.localNode
	}

	a, ok := e.table.Lookup(name)
	if !ok {
		return reply
	}

	if host != "" {
		if v, ok := a.LookupValue(host); ok {
			reply.Records = []proto.SyncRecord{syncRecord(a, v)}
		}
		return reply
	}

	records := make([]proto.SyncRecord, 0, len(a.Values))
	for _, v := range a.Values {
		records = append(records, syncRecord(a, v))
	}
	reply.Records = records
	return reply
}

// PeerRemove evicts every value belonging to the named node. It never
// broadcasts: every peer performs its own eviction from its own membership
// feed (see the membership reactor).
func (e *Engine) PeerRemove(msg proto.Message) {
	if msg.TargetNode == "" {
		return
	}
	removed := e.table.RemoveValuesForNode(msg.TargetNode)
	log.WithPeer(msg.TargetNode).Info().Int("values_removed", removed).Msg("peer remove processed")
}

// ClearFailure expands a CLEAR_FAILURE request into one peer_update per
// matching attribute name, each carrying a nil value (a delete). See
// clearfail.go for how the pattern is chosen from (resource, operation,
// interval_ms). Senders declaring a protocol version CLEAR_FAILURE predates
// are rejected per the version gate in spec.md §6.
func (e *Engine) ClearFailure(peer string, msg proto.Message) {
	if !proto.ClearFailureAllowed(msg.Version) {
		log.WithPeer(peer).Warn().Int("version", msg.Version).Msg("rejecting clear_failure from peer below minimum supported version")
		metrics.MessagesDroppedTotal.WithLabelValues("clear_failure_version_gate").Inc()
		return
	}

	re := CompileClearFailure(msg.Resource, msg.Operation, msg.IntervalMS)
	names := MatchingNames(e.table, re)

	metrics.BroadcastsRecvTotal.WithLabelValues("clear_failure").Inc()
	for _, name := range names {
		clear := proto.New(proto.OpUpdate)
		clear.Name = name
		clear.TargetNode = msg.TargetNode
		e.PeerUpdate(peer, clear, msg.TargetNode, false)
	}
}

// SyncResponse processes an inbound SYNC_RESPONSE. When the sender announces
// a writer id this daemon hasn't seen before, every value's Seen flag is
// cleared first so current_only_update can tell which local values the new
// writer never echoed back.
func (e *Engine) SyncResponse(peer string, msg proto.Message) {
	newWriter := msg.WriterID != "" && msg.WriterID != e.lastWriterID
	if newWriter {
		e.table.ClearSeen()
		e.lastWriterID = msg.WriterID
	}

	for _, rec := range msg.Records {
		child := proto.New(proto.OpUpdate)
		child.Name = rec.Name
		child.SetID = rec.SetID
		child.KeyID = rec.KeyID
		child.Identity = rec.Identity
		if rec.DampenMS != 0 {
			dampen := rec.DampenMS
			child.DampenMS = &dampen
		}
		child.IsPrivate = rec.Private
		child.IsRemote = rec.Remote
		child.TargetNode = rec.Node
		child.TargetNodeID = rec.NodeID
		child.Value = rec.Value

		e.PeerUpdate(peer, child, rec.Node, true)
	}

	if newWriter {
		e.CurrentOnlyUpdate()
	}
}

// CurrentOnlyUpdate broadcasts every local value for this node that the
// current writer's SYNC_RESPONSE did not include (unseen), so a
// newly-elected writer learns attributes it never saw.
func (e *Engine) CurrentOnlyUpdate() {
	var records []proto.SyncRecord
	for _, rec := range e.table.LocalRecords(e.localNode) {
		if rec.Value.Seen {
			continue
		}
		records = append(records, syncRecord(rec.Attr, rec.Value))
	}
	if len(records) == 0 {
		return
	}

	m := proto.New(proto.OpSyncResponse)
	m.Records = records
	e.bus.Broadcast(m)
	metrics.BroadcastsSentTotal.WithLabelValues("current_only_update").Inc()
}

func syncRecord(a *store.Attribute, v *store.Value) proto.SyncRecord {
	return proto.SyncRecord{
		Name:     a.Name,
		SetID:    a.SetID,
		KeyID:    a.KeyID,
		Identity: a.Identity,
		DampenMS: a.DampenMS,
		Private:  a.Private,
		Node:     v.NodeName,
		NodeID:   v.NodeID,
		Remote:   v.IsRemote,
		Value:    v.Current,
	}
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
