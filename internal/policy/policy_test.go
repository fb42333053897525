package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThresholdPolicy_DefaultAppliesWithNoRules(t *testing.T) {
	pol := New(10)
	allowance, whitelisted := pol.Allowed("1.2.3.4")
	require.Equal(t, 10, allowance)
	require.False(t, whitelisted)
}

func TestThresholdPolicy_LongestPrefixWins(t *testing.T) {
	pol := New(10)
	require.NoError(t, pol.InsertRule("1.2.0.0/16", 5, false))
	require.NoError(t, pol.InsertRule("1.2.3.0/24", 1, false))

	allowance, whitelisted := pol.Allowed("1.2.3.4")
	require.Equal(t, 1, allowance)
	require.False(t, whitelisted)

	allowance, whitelisted = pol.Allowed("1.2.9.9")
	require.Equal(t, 5, allowance)
	require.False(t, whitelisted)
}

func TestThresholdPolicy_WhitelistNeverBlocks(t *testing.T) {
	pol := New(1)
	require.NoError(t, pol.InsertRule("10.0.0.0/8", 0, true))

	allowance, whitelisted := pol.Allowed("10.1.2.3")
	require.True(t, whitelisted)
	require.Equal(t, 0, allowance)
}

func TestThresholdPolicy_IPv4AndIPv6TriesAreIndependent(t *testing.T) {
	pol := New(10)
	require.NoError(t, pol.InsertRule("2001:db8::/32", 2, false))

	allowance, whitelisted := pol.Allowed("2001:db8::1")
	require.Equal(t, 2, allowance)
	require.False(t, whitelisted)

	// An IPv4 address must not see the IPv6 rule.
	allowance, _ = pol.Allowed("192.0.2.1")
	require.Equal(t, 10, allowance)
}

func TestThresholdPolicy_FirstConfiguredWinsOnExactDuplicateCIDR(t *testing.T) {
	pol := New(10)
	require.NoError(t, pol.InsertRule("1.2.3.0/24", 1, false))
	require.NoError(t, pol.InsertRule("1.2.3.0/24", 99, false))

	allowance, _ := pol.Allowed("1.2.3.4")
	require.Equal(t, 1, allowance)
}

func TestThresholdPolicy_InvalidCIDRReturnsError(t *testing.T) {
	pol := New(10)
	err := pol.InsertRule("not-a-cidr", 1, false)
	require.Error(t, err)
}

func TestThresholdPolicy_NonIPAddressUsesDefault(t *testing.T) {
	pol := New(7)
	allowance, whitelisted := pol.Allowed("not-an-ip")
	require.Equal(t, 7, allowance)
	require.False(t, whitelisted)
}
