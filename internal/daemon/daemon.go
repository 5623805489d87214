/*
Package daemon wires every component into one running attrd instance: the
attribute table, election gate, replication engine, broadcast bus,
membership reactor, writer and client dispatcher. It owns the daemon's
single event-loop goroutine, which drains the writer's callback and timer
channels and the election gate's leadership-transition channels — the only
state transitions that are required to stay off any other goroutine (see
internal/writer's package doc). The replication engine and membership
reactor are invoked directly from the bus's and reactor's own goroutines,
the same way this module has carried them since they were first built.
*/
package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/warren-attrd/internal/alert"
	"github.com/cuemby/warren-attrd/internal/cdb"
	"github.com/cuemby/warren-attrd/internal/config"
	"github.com/cuemby/warren-attrd/internal/dispatch"
	"github.com/cuemby/warren-attrd/internal/election"
	"github.com/cuemby/warren-attrd/internal/membership"
	"github.com/cuemby/warren-attrd/internal/proto"
	"github.com/cuemby/warren-attrd/internal/replica"
	"github.com/cuemby/warren-attrd/internal/store"
	"github.com/cuemby/warren-attrd/internal/transport"
	"github.com/cuemby/warren-attrd/internal/writer"
	"github.com/cuemby/warren-attrd/pkg/log"
	"github.com/cuemby/warren-attrd/pkg/metrics"
)

// Daemon is one running attrd instance.
type Daemon struct {
	cfg config.Config

	table      *store.Table
	cdbClient  cdb.Client
	alerts     *alert.Sink
	gate       *election.Gate
	membership *membership.Reactor
	engine     *replica.Engine
	bus        *transport.Bus
	writer     *writer.Writer
	dispatcher *dispatch.Dispatcher

	stopCh chan struct{}
}

// New builds a Daemon from cfg but does not yet start any of its
// goroutines or bind any sockets.
func New(cfg config.Config) (*Daemon, error) {
	table := store.NewTable()

	cdbClient, err := cdb.NewBoltClient(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: open cdb: %w", err)
	}

	alerts := alert.NewSink()

	gate := election.New(election.Config{
		NodeID:             cfg.NodeName,
		BindAddr:           cfg.ElectionBindAddr,
		DataDir:            cfg.DataDir,
		HeartbeatTimeout:   cfg.ElectionHeartbeatTimeout,
		ElectionTimeout:    cfg.ElectionTimeout,
		LeaderLeaseTimeout: cfg.ElectionLeaderLease,
	})

	d := &Daemon{cfg: cfg, table: table, cdbClient: cdbClient, alerts: alerts, gate: gate, stopCh: make(chan struct{})}

	reactor := membership.New(membership.Config{
		PollInterval: cfg.MembershipPollInterval,
		DeadAfter:    cfg.MembershipDeadAfter,
	}, table, nil, gate)
	d.membership = reactor

	w := writer.New(table, cdbClient, alerts, reactor, gate, 128)
	d.writer = w

	bus := transport.New(cfg.NodeName, nil)
	d.bus = bus

	engine := replica.New(table, cfg.NodeName, w, bus, reactor)
	d.engine = engine
	reactor.SetChecker(membership.NewConnChecker(bus.Connected))
	bus.SetOnPeerConnected(reactor.AddPeer)

	reactor.OnPeerIDLearned(func(nodeName string) {
		w.WriteAll(true, false)
	})

	reactor.OnPeerUp(func(nodeName string) {
		if !gate.Won() {
			return
		}
		bus.SendTo(nodeName, engine.PeerSync())
	})

	d.dispatcher = dispatch.New(cfg.NodeName, table, engine, w, bus)
	bus.SetHandler(dispatch.NewRemoteHandler(d.dispatcher, engine))

	return d, nil
}

// Dispatcher exposes the client-verb entry point to in-process callers.
// attrdctl's verbs reach the same dispatcher over the bus, through the
// RemoteHandler installed in New.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.dispatcher }

// Run starts every subsystem and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.bus.Listen(d.cfg.BindAddr); err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	go func() {
		if err := d.bus.Serve(); err != nil {
			log.WithComponent("daemon").Warn().Err(err).Msg("broadcast bus stopped serving")
		}
	}()

	if len(d.cfg.Peers) == 0 {
		if err := d.gate.Bootstrap(); err != nil {
			return fmt.Errorf("daemon: bootstrap election: %w", err)
		}
	} else {
		if err := d.gate.JoinExisting(); err != nil {
			return fmt.Errorf("daemon: join election: %w", err)
		}
	}

	d.alerts.Start()
	d.membership.Start()

	for _, p := range d.cfg.Peers {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := d.bus.Dial(dialCtx, p.NodeName, p.Addr)
		cancel()
		if err != nil {
			log.WithPeer(p.NodeName).Warn().Err(err).Msg("failed to dial configured peer at startup")
			continue
		}
		d.membership.AddPeer(p.NodeName)
		d.bus.SendTo(p.NodeName, syncRequest())
	}

	if err := d.dispatcher.EmitProtocolAttribute(currentProtocolVersion()); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("failed to emit startup protocol attribute")
	}

	metrics.AttributesTotal.Set(float64(d.table.Count()))

	for {
		select {
		case ev := <-d.writer.Callbacks():
			d.writer.HandleCallback(ev)
		case a := <-d.writer.TimerFires():
			d.writer.HandleTimerFired(a)
		case <-d.gate.WonCh():
			log.WithComponent("daemon").Info().Msg("this node is now the CDB writer")
			d.bus.Broadcast(d.engine.PeerSync())
			d.writer.WriteAll(false, false)
		case <-d.gate.LostCh():
			log.WithComponent("daemon").Info().Msg("this node is no longer the CDB writer")
		case <-ctx.Done():
			d.shutdown()
			return ctx.Err()
		case <-d.stopCh:
			d.shutdown()
			return nil
		}
	}
}

// Stop signals Run to unwind and shut every subsystem down.
func (d *Daemon) Stop() {
	close(d.stopCh)
}

func (d *Daemon) shutdown() {
	d.membership.Stop()
	d.alerts.Stop()
	d.bus.Stop()
	if err := d.gate.Shutdown(); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("election gate shutdown error")
	}
	if err := d.cdbClient.Close(); err != nil {
		log.WithComponent("daemon").Warn().Err(err).Msg("cdb client close error")
	}
}

func syncRequest() proto.Message {
	return proto.New(proto.OpSync)
}

func currentProtocolVersion() int {
	return proto.CurrentVersion
}
