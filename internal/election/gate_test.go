package election

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrapSingleNodeBecomesWriter(t *testing.T) {
	g := New(Config{
		NodeID:   "n1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, g.Bootstrap())
	defer g.Shutdown()

	require.Eventually(t, g.Won, 5*time.Second, 20*time.Millisecond,
		"a freshly bootstrapped single-node cluster must elect itself")

	stats := g.Stats()
	assert.Equal(t, 1, stats["peers"])
}

func TestStartIfNeededIsIdempotentWhileGuardIsHeld(t *testing.T) {
	g := New(Config{
		NodeID:   "n1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, g.Bootstrap())
	defer g.Shutdown()

	g.electionMu.Lock()
	g.electionToken = true
	g.electionMu.Unlock()

	before := g.electionToken
	g.StartIfNeeded()
	g.electionMu.Lock()
	after := g.electionToken
	g.electionMu.Unlock()

	assert.Equal(t, before, after, "a second call must not restart an in-progress guard")
}
