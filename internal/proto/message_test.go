package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptRejectsWrongType(t *testing.T) {
	m := New(OpUpdate)
	m.Type = "some-other-daemon"
	assert.False(t, Accept(m))
}

func TestAcceptRejectsNoOpAndNoElection(t *testing.T) {
	m := Message{Type: WellKnownType}
	assert.False(t, Accept(m))
}

func TestAcceptAllowsElectionPassThrough(t *testing.T) {
	m := Message{Type: WellKnownType, ElectionTask: "vote"}
	assert.True(t, Accept(m))
}

func TestVersionSupported(t *testing.T) {
	assert.True(t, VersionSupported(1))
	assert.True(t, VersionSupported(2))
	assert.False(t, VersionSupported(3))
	assert.False(t, VersionSupported(0))
}

func TestClearFailureGatedToV2(t *testing.T) {
	assert.False(t, ClearFailureAllowed(Version1))
	assert.True(t, ClearFailureAllowed(Version2))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := "42"
	m := New(OpUpdate)
	m.Name = "shoe-size"
	m.TargetNode = "n1"
	m.Value = &v

	b, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, m.Name, got.Name)
	assert.Equal(t, m.TargetNode, got.TargetNode)
	require.NotNil(t, got.Value)
	assert.Equal(t, "42", *got.Value)
}

func TestEncodeDecodeDeleteValue(t *testing.T) {
	m := New(OpUpdate)
	m.Name = "shoe-size"
	m.TargetNode = "n1"
	m.Value = nil

	b, err := Encode(m)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Nil(t, got.Value)
}
