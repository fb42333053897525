package service

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCommandService_Run_Succeeds(t *testing.T) {
	s := NewCommandService(zerolog.Nop())
	require.NoError(t, s.Run("true"))
}

func TestCommandService_Run_ReturnsWrappedErrorWithStderr(t *testing.T) {
	s := NewCommandService(zerolog.Nop())
	err := s.Run("sh", "-c", "echo boom >&2; exit 1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestCommandService_RunOutput_ReturnsStdout(t *testing.T) {
	s := NewCommandService(zerolog.Nop())
	out, err := s.RunOutput("echo", "hello")
	require.NoError(t, err)
	require.Contains(t, out, "hello")
}

func TestCommandService_CommandExists(t *testing.T) {
	s := NewCommandService(zerolog.Nop())
	require.True(t, s.CommandExists("sh"))
	require.False(t, s.CommandExists("definitely-not-a-real-binary-xyz"))
}
