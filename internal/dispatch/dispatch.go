/*
Package dispatch implements the client dispatcher: translating the five
local verbs (update, query, clear-failure, refresh, peer-remove) into calls
against the replication engine and writer, the way a CLI or an in-process
caller would invoke them.

Grounded on attrd_client_update / attrd_client_query / attrd_client_clear_failure
/ attrd_client_refresh / attrd_client_peer_remove in the original daemon's
attrd_commands.c, and on the donor's cmd/warren/apply.go convention of one
thin function per verb that builds a request and hands it to a lower layer.
*/
package dispatch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuemby/warren-attrd/internal/proto"
	"github.com/cuemby/warren-attrd/internal/replica"
	"github.com/cuemby/warren-attrd/internal/store"
	"github.com/cuemby/warren-attrd/pkg/log"
)

// ProtocolAttributeName is the private attribute every daemon emits at
// startup so peers can compute the cluster's minimum supported protocol
// version (see replica.Engine.MinProtocolVersion).
const ProtocolAttributeName = "#attrd-protocol"

// WriteGate is the subset of the writer the dispatcher needs for "refresh".
type WriteGate interface {
	WriteAll(changedOnly, ignoreDelay bool)
}

// Broadcaster is the subset of the transport the dispatcher needs to
// announce client-originated changes to the rest of the cluster.
type Broadcaster interface {
	Broadcast(m proto.Message)
}

// Dispatcher is the daemon's local entry point for client-originated verbs.
// The state-changing verbs (update, clear-failure, peer-remove) apply
// locally (as if it were its own peer) and then broadcast, mirroring the original's "send to all, including self" model
// — the local apply happens directly rather than waiting for the broadcast
// to loop back, since this process is not necessarily subscribed to its own
// transport stream.
type Dispatcher struct {
	localNode string
	table     *store.Table
	engine    *replica.Engine
	writer    WriteGate
	bus       Broadcaster
}

// New creates a Dispatcher.
func New(localNode string, table *store.Table, engine *replica.Engine, writer WriteGate, bus Broadcaster) *Dispatcher {
	return &Dispatcher{localNode: localNode, table: table, engine: engine, writer: writer, bus: bus}
}

// UpdateRequest is the "update" verb's parameters.
type UpdateRequest struct {
	Name     string // mutually exclusive with Regex
	Regex    string
	Node     string // defaults to the local node when empty
	Value    *string
	DampenMS *int
	Private  bool
}

// Update applies the "update" verb: a single named attribute, or a regex
// matched against attribute names already present in the local table.
func (d *Dispatcher) Update(req UpdateRequest) error {
	if req.Name == "" && req.Regex == "" {
		return fmt.Errorf("dispatch: update requires a name or a regex")
	}

	if req.Name == "" {
		re, err := regexp.Compile(req.Regex)
		if err != nil {
			return fmt.Errorf("dispatch: bad regex %q: %w", req.Regex, err)
		}
		for _, name := range replica.MatchingNames(d.table, re) {
			clone := req
			clone.Regex = ""
			clone.Name = name
			if err := d.Update(clone); err != nil {
				log.WithAttribute(name).Warn().Err(err).Msg("regex update failed for one match")
			}
		}
		return nil
	}

	node := req.Node
	if node == "" {
		node = d.localNode
	}

	value := req.Value
	if value != nil {
		if expanded, needs := expandValue(*value, d.currentValue(req.Name, node)); needs {
			value = &expanded
		}
	}

	msg := proto.New(proto.OpUpdate)
	if req.DampenMS != nil {
		msg.Op = proto.OpUpdateBoth
		msg.DampenMS = req.DampenMS
	}
	msg.Name = req.Name
	msg.TargetNode = node
	msg.Value = value
	msg.IsPrivate = req.Private

	d.apply(msg, node)
	return nil
}

func (d *Dispatcher) currentValue(name, node string) *string {
	a, ok := d.table.Lookup(name)
	if !ok {
		return nil
	}
	v, ok := a.LookupValue(node)
	if !ok {
		return nil
	}
	return v.Current
}

// QueryResult is one (node, value) pair in a query reply.
type QueryResult struct {
	Node  string
	Value *string
}

// Query implements the read-only "query" verb. An empty host returns every
// node's value for the attribute; "localhost" aliases to the local node.
func (d *Dispatcher) Query(name, host string) ([]QueryResult, error) {
	a, ok := d.table.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown attribute %q", name)
	}

	if host == "localhost" {
		host = d.localNode
	}

	if host != "" {
		v, ok := a.LookupValue(host)
		if !ok {
			return nil, fmt.Errorf("dispatch: no value for %q on %q", name, host)
		}
		return []QueryResult{{Node: v.NodeName, Value: v.Current}}, nil
	}

	var out []QueryResult
	for _, v := range a.Values {
		out = append(out, QueryResult{Node: v.NodeName, Value: v.Current})
	}
	return out, nil
}

// ClearFailureRequest is the "clear-failure" verb's parameters.
type ClearFailureRequest struct {
	Resource   string
	Operation  string
	IntervalMS int
	Node       string
}

// ClearFailure maps a clear-failure request onto a regex-flavoured update
// with a nil value, per the three wire patterns in clearfail.go.
func (d *Dispatcher) ClearFailure(req ClearFailureRequest) error {
	re := replica.CompileClearFailure(req.Resource, req.Operation, req.IntervalMS)
	for _, name := range replica.MatchingNames(d.table, re) {
		if err := d.Update(UpdateRequest{Name: name, Node: req.Node, Value: nil}); err != nil {
			log.WithAttribute(name).Warn().Err(err).Msg("clear-failure update failed for one match")
		}
	}
	return nil
}

// Refresh implements the "refresh" verb: an unconditional write of every
// attribute, bypassing dampening.
func (d *Dispatcher) Refresh() {
	log.WithComponent("dispatch").Info().Msg("refreshing all attributes")
	d.writer.WriteAll(false, true)
}

// PeerRemove implements the "peer-remove" verb. If host is empty, hostID is
// resolved against the table's known node ids.
func (d *Dispatcher) PeerRemove(host string, hostID uint32) error {
	if host == "" {
		resolved, ok := d.table.NodeNameForID(hostID)
		if !ok {
			return fmt.Errorf("dispatch: no known peer with id %d", hostID)
		}
		host = resolved
	}

	log.WithPeer(host).Info().Msg("client requested removal of all values for peer")
	msg := proto.New(proto.OpPeerRemove)
	msg.TargetNode = host
	msg.TargetNodeID = hostID

	d.engine.PeerRemove(msg)
	d.bus.Broadcast(msg)
	return nil
}

// RemoteHandler adapts transport.Bus's inbound-message handler to a
// dispatcher-backed daemon: client-originated ops are translated through the
// Dispatcher (regex/++ expansion, local-node defaulting) before becoming a
// broadcast peer op, while every other op is forwarded to the replication
// engine unchanged, exactly as it already handles peer-to-peer traffic.
type RemoteHandler struct {
	dispatcher *Dispatcher
	engine     *replica.Engine
}

// NewRemoteHandler creates a RemoteHandler.
func NewRemoteHandler(dispatcher *Dispatcher, engine *replica.Engine) *RemoteHandler {
	return &RemoteHandler{dispatcher: dispatcher, engine: engine}
}

// HandleMessage implements transport.Handler.
func (h *RemoteHandler) HandleMessage(peer string, m proto.Message) {
	switch m.Op {
	case proto.OpClientUpdate:
		err := h.dispatcher.Update(UpdateRequest{
			Name:     m.Name,
			Regex:    m.Regex,
			Node:     m.TargetNode,
			Value:    m.Value,
			DampenMS: m.DampenMS,
			Private:  m.IsPrivate,
		})
		if err != nil {
			log.WithPeer(peer).Warn().Err(err).Msg("rejected client update")
		}
	case proto.OpClientClearFailure:
		err := h.dispatcher.ClearFailure(ClearFailureRequest{
			Resource:   m.Resource,
			Operation:  m.Operation,
			IntervalMS: m.IntervalMS,
			Node:       m.TargetNode,
		})
		if err != nil {
			log.WithPeer(peer).Warn().Err(err).Msg("rejected client clear-failure")
		}
	case proto.OpClientRefresh:
		h.dispatcher.Refresh()
	case proto.OpClientPeerRemove:
		if err := h.dispatcher.PeerRemove(m.TargetNode, m.TargetNodeID); err != nil {
			log.WithPeer(peer).Warn().Err(err).Msg("rejected client peer-remove")
		}
	default:
		h.engine.HandleMessage(peer, m)
	}
}

// EmitProtocolAttribute publishes this daemon's private protocol-version
// attribute at startup, per spec.md §4.8.
func (d *Dispatcher) EmitProtocolAttribute(version int) error {
	value := strconv.Itoa(version)
	return d.Update(UpdateRequest{
		Name:    ProtocolAttributeName,
		Value:   &value,
		Private: true,
	})
}

func (d *Dispatcher) apply(msg proto.Message, target string) {
	d.engine.PeerUpdate(d.localNode, msg, target, false)
	d.bus.Broadcast(msg)
}

// expandValue applies the "++"/"+=N" prefix expansion described in
// spec.md §4.3, using base as the current local value.
func expandValue(value string, base *string) (string, bool) {
	var delta string
	switch {
	case value == "++":
		delta = "1"
	case strings.HasPrefix(value, "+="):
		delta = value[2:]
	default:
		return value, false
	}

	n, err := strconv.Atoi(delta)
	if err != nil {
		return value, false
	}
	current := 0
	if base != nil {
		if parsed, err := strconv.Atoi(*base); err == nil {
			current = parsed
		}
	}
	return strconv.Itoa(current + n), true
}
