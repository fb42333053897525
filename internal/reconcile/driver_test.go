package reconcile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dotX12/antiscan-gatekeeper/internal/config"
	"github.com/dotX12/antiscan-gatekeeper/internal/geoip"
)

func writeLog(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func testOracle(t *testing.T) *geoip.Oracle {
	t.Helper()
	o, err := geoip.Open(zerolog.Nop(), "")
	require.NoError(t, err)
	return o
}

func intPtr(v int) *int { return &v }

// buildConfig lays down one LogType directory with a single auth.log that
// records 3 offenses for one address, and a threshold of 1 so that address
// is over-allowance.
func buildConfig(t *testing.T) (*config.File, string) {
	t.Helper()
	logDir := t.TempDir()
	writeLog(t, logDir, "auth.log",
		"Failed password for root from 1.2.3.4 port 1\n"+
			"Failed password for root from 1.2.3.4 port 2\n"+
			"Failed password for root from 1.2.3.4 port 3\n")

	cfg := &config.File{
		MaxOffenses: intPtr(1),
		LogTypes: []config.LogTypeConfig{
			{
				Name:   "sshd",
				Dir:    logDir,
				Prefix: "auth.log",
				Regex:  []string{`Failed password .* from ([0-9.]+)`},
			},
		},
	}
	return cfg, logDir
}

func TestDriver_DryRun_ReportsWouldBlock(t *testing.T) {
	cfg, _ := buildConfig(t)
	cacheRoot := t.TempDir()
	lockPath := filepath.Join(t.TempDir(), "gatekeeper.lock")

	var out bytes.Buffer
	driver := New(zerolog.Nop(), cfg, testOracle(t), nil, Options{
		CacheRoot: cacheRoot,
		LockPath:  lockPath,
		DryRun:    true,
	}, &out)

	require.NoError(t, driver.Run())
	require.Contains(t, out.String(), "Would block 1 new hosts")
}

func TestDriver_DryRun_ListAddrPrintsPerAddressLine(t *testing.T) {
	cfg, _ := buildConfig(t)
	cacheRoot := t.TempDir()
	lockPath := filepath.Join(t.TempDir(), "gatekeeper.lock")

	var out bytes.Buffer
	driver := New(zerolog.Nop(), cfg, testOracle(t), nil, Options{
		CacheRoot: cacheRoot,
		LockPath:  lockPath,
		DryRun:    true,
		ListAddr:  true,
	}, &out)

	require.NoError(t, driver.Run())
	require.Contains(t, out.String(), "1.2.3.4")
	require.Contains(t, out.String(), "3 offenses")
}

func TestDriver_UnderThreshold_DoesNotBlock(t *testing.T) {
	logDir := t.TempDir()
	writeLog(t, logDir, "auth.log", "Failed password for root from 1.2.3.4 port 1\n")

	cfg := &config.File{
		MaxOffenses: intPtr(10),
		LogTypes: []config.LogTypeConfig{
			{Name: "sshd", Dir: logDir, Prefix: "auth.log", Regex: []string{`Failed password .* from ([0-9.]+)`}},
		},
	}

	var out bytes.Buffer
	driver := New(zerolog.Nop(), cfg, testOracle(t), nil, Options{
		CacheRoot: t.TempDir(),
		LockPath:  filepath.Join(t.TempDir(), "gatekeeper.lock"),
		DryRun:    true,
	}, &out)

	require.NoError(t, driver.Run())
	require.NotContains(t, out.String(), "Would block")
}

func TestDriver_ExplicitZeroMaxOffensesBlocksOnFirstOffense(t *testing.T) {
	logDir := t.TempDir()
	writeLog(t, logDir, "auth.log", "Failed password for root from 1.2.3.4 port 1\n")

	cfg := &config.File{
		MaxOffenses: intPtr(0),
		LogTypes: []config.LogTypeConfig{
			{Name: "sshd", Dir: logDir, Prefix: "auth.log", Regex: []string{`Failed password .* from ([0-9.]+)`}},
		},
	}

	var out bytes.Buffer
	driver := New(zerolog.Nop(), cfg, testOracle(t), nil, Options{
		CacheRoot: t.TempDir(),
		LockPath:  filepath.Join(t.TempDir(), "gatekeeper.lock"),
		DryRun:    true,
	}, &out)

	require.NoError(t, driver.Run())
	require.Contains(t, out.String(), "Would block 1 new hosts")
}

func TestDriver_WhitelistOverridesThreshold(t *testing.T) {
	cfg, _ := buildConfig(t)
	cfg.Rules = []config.RuleConfig{{CIDR: "1.2.3.0/24", Allowance: 0, Whitelist: true}}

	var out bytes.Buffer
	driver := New(zerolog.Nop(), cfg, testOracle(t), nil, Options{
		CacheRoot: t.TempDir(),
		LockPath:  filepath.Join(t.TempDir(), "gatekeeper.lock"),
		DryRun:    true,
		ListAddr:  true,
	}, &out)

	require.NoError(t, driver.Run())
	require.NotContains(t, out.String(), "Would block")
	require.Contains(t, out.String(), "Whitelisted")
}

func TestDriver_ListCountryRollup(t *testing.T) {
	cfg, _ := buildConfig(t)

	var out bytes.Buffer
	driver := New(zerolog.Nop(), cfg, testOracle(t), nil, Options{
		CacheRoot:   t.TempDir(),
		LockPath:    filepath.Join(t.TempDir(), "gatekeeper.lock"),
		DryRun:      true,
		ListCountry: true,
	}, &out)

	require.NoError(t, driver.Run())
	require.Contains(t, out.String(), "offenses")
}

func TestDriver_SweepsStaleCacheDirectories(t *testing.T) {
	cfg, _ := buildConfig(t)
	cacheRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cacheRoot, "stale-dir"), 0700))

	var out bytes.Buffer
	driver := New(zerolog.Nop(), cfg, testOracle(t), nil, Options{
		CacheRoot: cacheRoot,
		LockPath:  filepath.Join(t.TempDir(), "gatekeeper.lock"),
		DryRun:    true,
	}, &out)

	require.NoError(t, driver.Run())

	_, err := os.Stat(filepath.Join(cacheRoot, "stale-dir"))
	require.True(t, os.IsNotExist(err))
}

func TestBlockFlag_String(t *testing.T) {
	require.Equal(t, "-", blockFlag(0).String())
	require.Equal(t, "BLOCKED", flagBlocked.String())
	require.Contains(t, (flagBlocked | flagUnjustBlock).String(), "BLOCKED")
	require.Contains(t, (flagBlocked | flagUnjustBlock).String(), "-UnjustBLOCK-")
}
