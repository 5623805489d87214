/*
Package proto defines attrd's broadcast protocol: the self-describing,
versioned message records exchanged between daemons over the transport, and
the encode/decode/version-gate logic applied to every inbound message before
it reaches the replication engine.
*/
package proto

import "encoding/json"

// Protocol versions. Version 1 predecessors omit CLEAR_FAILURE; senders of
// either version must be accepted for every other op.
const (
	Version1 = 1
	Version2 = 2

	CurrentVersion = Version2
)

// WellKnownType is the required F_TYPE tag identifying an attrd message.
// Messages with any other type, or with neither an Op nor an election
// sub-task, are silently rejected by the transport layer.
const WellKnownType = "attrd"

// Op identifies the replication operation carried by a Message.
type Op string

const (
	OpUpdate       Op = "UPDATE"
	OpUpdateDelay  Op = "UPDATE_DELAY"
	OpUpdateBoth   Op = "UPDATE_BOTH"
	OpPeerRemove   Op = "PEER_REMOVE"
	OpClearFailure Op = "CLEAR_FAILURE"
	OpSync         Op = "SYNC"
	OpSyncResponse Op = "SYNC_RESPONSE"
	OpQuery        Op = "QUERY"
	OpQueryReply   Op = "QUERY_REPLY"
	OpElection     Op = "ELECTION"

	// Client-originated verbs, sent by attrdctl to a daemon over the same
	// bus connection a peer would use. Unlike the peer ops above, these
	// never get applied directly against the table: the receiving daemon
	// translates them through its own dispatcher (regex/++ expansion,
	// local-node defaulting) before broadcasting the resulting peer op.
	OpClientUpdate       Op = "CLIENT_UPDATE"
	OpClientClearFailure Op = "CLIENT_CLEAR_FAILURE"
	OpClientRefresh      Op = "CLIENT_REFRESH"
	OpClientPeerRemove   Op = "CLIENT_PEER_REMOVE"
)

// SyncRecord is one (attribute, node) value record embedded in a
// SYNC_RESPONSE payload.
type SyncRecord struct {
	Name     string  `json:"name"`
	SetID    string  `json:"set_id,omitempty"`
	KeyID    string  `json:"key_id,omitempty"`
	Identity string  `json:"identity,omitempty"`
	DampenMS int     `json:"dampen_ms,omitempty"`
	Private  bool    `json:"private,omitempty"`
	Node     string  `json:"node"`
	NodeID   uint32  `json:"node_id,omitempty"`
	Remote   bool    `json:"remote,omitempty"`
	Value    *string `json:"value,omitempty"`
}

// Message is the wire shape of every attrd protocol message. Required fields
// per operation are documented alongside each Op's replication engine
// handler.
type Message struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Op      Op     `json:"op"`

	Name         string  `json:"name,omitempty"`
	Regex        string  `json:"regex,omitempty"`
	SetID        string  `json:"set_id,omitempty"`
	KeyID        string  `json:"key_id,omitempty"`
	Identity     string  `json:"identity,omitempty"`
	TargetNode   string  `json:"target_node,omitempty"`
	TargetNodeID uint32  `json:"target_node_id,omitempty"`
	Value        *string `json:"value,omitempty"`
	DampenMS     *int    `json:"dampen_ms,omitempty"`
	IsPrivate    bool    `json:"is_private,omitempty"`
	IsRemote     bool    `json:"is_remote,omitempty"`
	IsForceWrite bool    `json:"is_force_write,omitempty"`
	WriterID     string  `json:"writer_id,omitempty"`

	// SYNC_RESPONSE payload.
	Records []SyncRecord `json:"records,omitempty"`

	// CLEAR_FAILURE parameters.
	Resource   string `json:"resource,omitempty"`
	Operation  string `json:"operation,omitempty"`
	IntervalMS int    `json:"interval_ms,omitempty"`

	// QUERY / QUERY_REPLY.
	Host string `json:"host,omitempty"`

	// ELECTION_* pass-through payload, opaque to everything but the
	// election gate.
	ElectionTask string          `json:"election_task,omitempty"`
	ElectionBody json.RawMessage `json:"election_body,omitempty"`

	// Sender is filled in by the transport on receipt; it is not carried on
	// the wire as part of the envelope (the transport already knows who
	// dialed it).
	Sender string `json:"-"`
}

// New builds a Message stamped with the current protocol version and the
// well-known type tag.
func New(op Op) Message {
	return Message{Type: WellKnownType, Version: CurrentVersion, Op: op}
}

// Accept reports whether a message should be processed at all, per the
// external contract in the module's §6: the type tag must match, and the
// message must carry either a non-empty Op or an election sub-task. Whether
// the Op is one this daemon handles is decided later, by the receiver.
func Accept(m Message) bool {
	if m.Type != WellKnownType {
		return false
	}
	if m.Op == "" && m.ElectionTask == "" {
		return false
	}
	return true
}

// VersionSupported reports whether v is a protocol version this daemon
// understands. Unknown future versions are rejected so a mixed-version
// cluster degrades gracefully rather than misinterpreting new fields.
func VersionSupported(v int) bool {
	return v == Version1 || v == Version2
}

// ClearFailureAllowed reports whether CLEAR_FAILURE may be honored from a
// sender running protocol version v. Version 1 predecessors never send it,
// but a version gate is still applied defensively on receipt.
func ClearFailureAllowed(v int) bool {
	return v >= Version2
}

// Encode serializes a message for transport.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a message received from the transport.
func Decode(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}
