package membership

import "context"

// ConnChecker probes liveness via the broadcast bus's connection registry,
// standing in for the gRPC health-check service a networked deployment would
// poll instead (see the module's membership reactor design note). It never
// dials on its own: a peer is alive exactly when the bus still has a stream
// registered for it.
type ConnChecker struct {
	connected func(peer string) bool
}

// NewConnChecker creates a ConnChecker backed by connected, typically
// transport.Bus.Connected.
func NewConnChecker(connected func(peer string) bool) *ConnChecker {
	return &ConnChecker{connected: connected}
}

// Check implements Checker.
func (c *ConnChecker) Check(_ context.Context, p PeerState) bool {
	return c.connected(p.NodeName)
}
