package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/warren-attrd/internal/proto"
	"github.com/cuemby/warren-attrd/internal/transport"
)

// replyRecorder is a transport.Handler that forwards every inbound message
// onto a channel, used by attrdctl to wait for a QUERY_REPLY from the daemon
// it just dialed.
type replyRecorder struct {
	ch chan proto.Message
}

func newReplyRecorder() *replyRecorder {
	return &replyRecorder{ch: make(chan proto.Message, 4)}
}

func (r *replyRecorder) HandleMessage(_ string, m proto.Message) {
	select {
	case r.ch <- m:
	default:
	}
}

// dialedBus is an ephemeral attrdctl connection to one running daemon.
// attrdctl has no table or engine of its own: every verb becomes a
// CLIENT_* protocol message the target daemon's dispatcher applies on its
// behalf (see internal/dispatch.RemoteHandler).
type dialedBus struct {
	bus      *transport.Bus
	recorder *replyRecorder
}

func dial(addr string) (*dialedBus, error) {
	recorder := newReplyRecorder()
	localName := fmt.Sprintf("attrdctl-%d", os.Getpid())
	bus := transport.New(localName, recorder)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Dial(ctx, "attrd", addr); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &dialedBus{bus: bus, recorder: recorder}, nil
}

// sendToDaemon dials addr, sends msg, and returns once the send has gone out.
func sendToDaemon(addr string, msg proto.Message) error {
	d, err := dial(addr)
	if err != nil {
		return err
	}
	d.bus.Broadcast(msg)
	return nil
}

// queryDaemon sends a QUERY and waits for the matching QUERY_REPLY.
func queryDaemon(addr, name, host string) (proto.Message, error) {
	d, err := dial(addr)
	if err != nil {
		return proto.Message{}, err
	}

	req := proto.New(proto.OpQuery)
	req.Name = name
	req.Host = host
	d.bus.Broadcast(req)

	select {
	case reply := <-d.recorder.ch:
		return reply, nil
	case <-time.After(5 * time.Second):
		return proto.Message{}, fmt.Errorf("query timed out waiting for a reply from %s", addr)
	}
}
