package delivery

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wrenmsg/go-wren/config"
)

func TestMemoryUntrustedWindow(t *testing.T) {
	cl := &testClock{}
	em := newErrorMemory(config.NewConfig(), cl)

	require.False(t, em.untrustedFresh("alice"))
	em.rememberUntrusted("alice")
	require.True(t, em.untrustedFresh("alice"))

	cl.AdvanceMs(300001)
	require.False(t, em.untrustedFresh("alice"))
}

func TestMemorySignatureCounting(t *testing.T) {
	cl := &testClock{}
	em := newErrorMemory(config.NewConfig(), cl)

	require.Equal(t, 1, em.rememberSignature("alice", 1))
	require.False(t, em.signatureTerminal("alice", 1))
	require.Equal(t, 2, em.rememberSignature("alice", 1))
	require.True(t, em.signatureTerminal("alice", 1))

	// other devices are unaffected
	require.False(t, em.signatureTerminal("alice", 2))

	cl.AdvanceMs(300001)
	require.False(t, em.signatureTerminal("alice", 1))
	require.Equal(t, 1, em.rememberSignature("alice", 1))
}

func TestMemoryMissingWindow(t *testing.T) {
	cl := &testClock{}
	em := newErrorMemory(config.NewConfig(), cl)

	em.rememberMissing("alice", 2)
	require.True(t, em.missingFresh("alice", 2))
	require.False(t, em.missingFresh("alice", 1))

	cl.AdvanceMs(60001)
	require.False(t, em.missingFresh("alice", 2))
}

func TestMemoryForget(t *testing.T) {
	cl := &testClock{}
	em := newErrorMemory(config.NewConfig(), cl)

	em.rememberUntrusted("alice")
	em.rememberSignature("alice", 1)
	em.rememberMissing("alice", 1)
	em.forget("alice", 1)

	require.False(t, em.untrustedFresh("alice"))
	require.False(t, em.signatureTerminal("alice", 1))
	require.False(t, em.missingFresh("alice", 1))
}
