package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsIPv6(t *testing.T) {
	require.True(t, IsIPv6("2001:db8::1"))
	require.False(t, IsIPv6("1.2.3.4"))
}

func TestAddressList_PartitionsByFamily(t *testing.T) {
	l := NewAddressList()
	l.Add("1.2.3.4")
	l.Add("2001:db8::1")
	l.Add("5.6.7.8")

	require.Equal(t, []string{"1.2.3.4", "5.6.7.8"}, l.V4)
	require.Equal(t, []string{"2001:db8::1"}, l.V6)
	require.Equal(t, 3, l.Len())
}
