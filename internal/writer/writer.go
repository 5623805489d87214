/*
Package writer implements attrd's CDB persistence path: batching attribute
values into CDB write requests, tracking at most one in-flight write per
attribute, and re-arming dampening or failure-backoff timers on retryable
failures.

	┌────────────────────── WRITER ─────────────────────────────┐
	│                                                            │
	│  WriteOrElect(a) ──won?──► Write(a, ignoreDelay)            │
	│       │no                       │                          │
	│       ▼                         ▼                          │
	│  election.StartIfNeeded   resolve peers, build elements     │
	│                                  │                          │
	│                                  ▼                          │
	│                          cdb.Client.Write(req, cb) ──► tag   │
	│                                  │                          │
	│                                  ▼                          │
	│                       HandleCallback(tag, rc)                │
	│                         success: last-done high-water mark  │
	│                         failure: re-arm dampen/backoff timer │
	└────────────────────────────────────────────────────────────┘

All exported methods are intended to run on the daemon's single event loop
goroutine; CDB callbacks are delivered across goroutines but only ever
produce a CallbackEvent on a channel, which the loop drains and feeds back
into HandleCallback.
*/
package writer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cuemby/warren-attrd/internal/alert"
	"github.com/cuemby/warren-attrd/internal/cdb"
	"github.com/cuemby/warren-attrd/internal/store"
	"github.com/cuemby/warren-attrd/pkg/log"
	"github.com/cuemby/warren-attrd/pkg/metrics"
)

// FailureBackoff is the temporary dampening period installed after a CDB
// write fails for an attribute with no configured dampening. It persists
// until either configured dampening is set or the write succeeds.
const FailureBackoff = 2 * time.Second

// PeerResolver maps a node name to the durable peer id the CDB schema
// expects as a NODE_STATE id. A peer that exists in the membership cache but
// whose durable id hasn't been learned yet reports known=true, id="".
type PeerResolver interface {
	Resolve(nodeName string) (peerID string, known bool)
}

// ElectionGate is the subset of the election gate the writer needs to
// implement the writer-or-elect discipline.
type ElectionGate interface {
	Won() bool
	StartIfNeeded()
}

// CallbackEvent is what a raw CDB callback turns into before being handed
// back to the daemon's event loop.
type CallbackEvent struct {
	Tag cdb.Tag
	RC  cdb.ResultCode
	Err error
}

type pendingWrite struct {
	name      string
	seq       uint64
	startedAt time.Time
}

// Writer drives the CDB for one daemon instance.
type Writer struct {
	table  *store.Table
	client cdb.Client
	alerts *alert.Sink
	peers  PeerResolver
	gate   ElectionGate

	seq         atomic.Uint64
	lastDoneSeq uint64
	pending     map[cdb.Tag]pendingWrite

	cbCh    chan CallbackEvent
	timerCh chan *store.Attribute
}

// New creates a Writer. cbBuffer sizes the channel CDB callbacks are
// delivered on; 64 is a reasonable default for a single-node daemon.
func New(table *store.Table, client cdb.Client, alerts *alert.Sink, peers PeerResolver, gate ElectionGate, cbBuffer int) *Writer {
	if cbBuffer <= 0 {
		cbBuffer = 64
	}
	return &Writer{
		table:   table,
		client:  client,
		alerts:  alerts,
		peers:   peers,
		gate:    gate,
		pending: make(map[cdb.Tag]pendingWrite),
		cbCh:    make(chan CallbackEvent, cbBuffer),
		timerCh: make(chan *store.Attribute, cbBuffer),
	}
}

// Callbacks returns the channel the event loop should select on to drain CDB
// write completions.
func (w *Writer) Callbacks() <-chan CallbackEvent {
	return w.cbCh
}

// TimerFires returns the channel the event loop should select on to learn
// about dampening and failure-backoff timers expiring. Each value must be
// passed to HandleTimerFired on the loop goroutine.
func (w *Writer) TimerFires() <-chan *store.Attribute {
	return w.timerCh
}

// HandleTimerFired re-applies the writer-or-elect rule for an attribute
// whose dampening or failure-backoff timer just expired.
func (w *Writer) HandleTimerFired(a *store.Attribute) {
	w.WriteOrElect(a)
}

// WriteOrElect is the writer-or-elect rule from the module's election
// discipline: if this daemon has won the election, write now; otherwise
// request an election and defer — a later election callback will cause
// writer duties to be exercised by whichever daemon wins.
func (w *Writer) WriteOrElect(a *store.Attribute) {
	if w.gate.Won() {
		w.Write(a, false)
	} else {
		w.gate.StartIfNeeded()
	}
}

// Write submits a single attribute's pending values to the CDB, subject to
// the in-flight, dampening-timer, and private-attribute rules.
func (w *Writer) Write(a *store.Attribute, ignoreDelay bool) {
	if a.Private {
		metrics.PrivateUpdatesTotal.Inc()
		return
	}

	if a.InFlightTag != "" {
		if w.tagIsStale(a.InFlightTag) {
			a.InFlightTag = ""
		} else {
			// A write is already in flight; the callback path will retry if needed.
			return
		}
	}

	if a.HasTimer() && a.Timer().Running() {
		if !ignoreDelay {
			return
		}
		a.Timer().Cancel()
	}

	a.Changed = false
	a.UnknownPeerIDs = false
	a.ForceWrite = false

	var elements []cdb.Element
	var alerted []*store.Value

	for _, v := range a.Values {
		peerID, known := w.peers.Resolve(v.NodeName)
		if !known {
			log.WithAttribute(a.Name).Warn().Str("peer", v.NodeName).Msg("cannot update attribute: peer not known")
			continue
		}
		if peerID == "" {
			a.UnknownPeerIDs = true
			log.WithAttribute(a.Name).Info().Str("peer", v.NodeName).
				Msg("cannot update attribute: peer durable id not known, will retry if learned")
			continue
		}

		el := cdb.Element{
			PeerID: peerID,
			SetID:  a.SetID,
			KeyID:  a.KeyID,
			Name:   a.Name,
		}
		if el.SetID == "" {
			el.SetID = fmt.Sprintf("status-%s", peerID)
		}
		if el.KeyID == "" {
			el.KeyID = fmt.Sprintf("%s-%s", el.SetID, a.Name)
		}
		if v.Current != nil {
			el.Value = *v.Current
			v.Requested = strPtr(*v.Current)
		} else {
			el.Delete = true
			v.Requested = nil
		}
		elements = append(elements, el)
		alerted = append(alerted, v)
	}

	if len(elements) == 0 {
		return
	}

	mixed := false
	for _, e := range elements {
		if e.Delete {
			mixed = true
			break
		}
	}

	seq := w.seq.Add(1)
	a.InFlightTag = tagString(seq)

	name := a.Name
	started := time.Now()
	cb := func(tag cdb.Tag, rc cdb.ResultCode, err error) {
		w.cbCh <- CallbackEvent{Tag: tag, RC: rc, Err: err}
	}

	tag, err := w.client.Write(context.Background(), cdb.WriteRequest{
		Identity: a.Identity,
		Elements: elements,
		Mixed:    mixed,
	}, cb)
	if err != nil {
		log.WithAttribute(name).Warn().Err(err).Msg("failed to submit CDB write")
		a.InFlightTag = ""
		a.Changed = true
		return
	}

	w.pending[tag] = pendingWrite{name: name, seq: seq, startedAt: started}
	metrics.CDBWritesInFlight.Inc()
	metrics.CDBUpdatesTotal.Add(float64(len(elements)))

	if w.alerts != nil {
		for _, v := range alerted {
			val := ""
			deleted := v.Current == nil
			if !deleted {
				val = *v.Current
			}
			w.alerts.Send(&alert.Alert{
				Attribute: name,
				NodeName:  v.NodeName,
				NodeID:    v.NodeID,
				Value:     val,
				Deleted:   deleted,
			})
		}
	}
}

// WriteAll iterates every attribute, writing those selected by changedOnly.
// Per the module's semantics: an attribute is written when !changedOnly, or
// it is changed, or it has values blocked on an unknown peer id, or it has
// been force-written by a peer.
func (w *Writer) WriteAll(changedOnly, ignoreDelay bool) {
	w.table.Each(func(a *store.Attribute) {
		should := !changedOnly || a.Changed || a.UnknownPeerIDs || a.ForceWrite
		if !should {
			return
		}
		ignore := ignoreDelay
		if a.ForceWrite {
			ignore = true
		}
		w.Write(a, ignore)
	})
}

// HandleCallback processes one CDB write completion. It must be called from
// the daemon's event loop, never directly from a CallbackEvent producer.
func (w *Writer) HandleCallback(ev CallbackEvent) {
	pw, ok := w.pending[ev.Tag]
	if !ok {
		return
	}
	delete(w.pending, ev.Tag)
	metrics.CDBWritesInFlight.Dec()

	a, ok := w.table.Lookup(pw.name)
	if !ok {
		return
	}

	metrics.CDBWriteDuration.Observe(time.Since(pw.startedAt).Seconds())
	a.InFlightTag = ""

	if ev.RC == cdb.OK {
		if pw.seq > w.lastDoneSeq {
			w.lastDoneSeq = pw.seq
		}
		if a.HasTimer() && a.DampenMS == 0 {
			// Temporary failure-backoff timer, no longer needed.
			a.DropTimer()
		}
	} else {
		metrics.CDBWriteFailuresTotal.Inc()
		log.WithAttribute(a.Name).Warn().Str("result", ev.RC.String()).Msg("CDB write failed")
	}

	for _, v := range a.Values {
		v.Requested = nil
	}
	if ev.RC != cdb.OK {
		a.Changed = true
	}

	if a.Changed && w.gate.Won() {
		switch {
		case ev.RC == cdb.OK:
			// A new update was deferred while this write was in progress;
			// write it out now without additional delay.
			w.Write(a, false)
		case a.HasTimer():
			if !a.Timer().Running() {
				w.armDampen(a)
			}
		default:
			w.armBackoff(a)
		}
	}
}

// DampenOrWrite applies the same coalescing rule the callback path uses to a
// value change observed by the replication engine: start the dampening timer
// if one is configured and not already running, otherwise write immediately
// (subject to writer-or-elect).
func (w *Writer) DampenOrWrite(a *store.Attribute) {
	if a.DampenMS > 0 {
		if !a.Timer().Running() {
			w.armDampen(a)
		}
		return
	}
	w.WriteOrElect(a)
}

func (w *Writer) armDampen(a *store.Attribute) {
	a.Timer().Start(time.Duration(a.DampenMS)*time.Millisecond, func() {
		w.timerCh <- a
	})
}

func (w *Writer) armBackoff(a *store.Attribute) {
	a.Timer().Start(FailureBackoff, func() {
		w.timerCh <- a
	})
}

func (w *Writer) tagIsStale(tag string) bool {
	seq, ok := parseTag(tag)
	if !ok {
		return false
	}
	return seq <= w.lastDoneSeq
}

func strPtr(s string) *string { return &s }

func tagString(seq uint64) string {
	return fmt.Sprintf("seq-%d", seq)
}

func parseTag(tag string) (uint64, bool) {
	var seq uint64
	n, err := fmt.Sscanf(tag, "seq-%d", &seq)
	if err != nil || n != 1 {
		return 0, false
	}
	return seq, true
}
