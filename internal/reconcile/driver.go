// Package reconcile sequences the whole-invocation driver: lock, cache
// realization, aggregation, and firewall reconciliation (spec §4.6).
package reconcile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dotX12/antiscan-gatekeeper/internal/aggregate"
	"github.com/dotX12/antiscan-gatekeeper/internal/cache"
	"github.com/dotX12/antiscan-gatekeeper/internal/config"
	"github.com/dotX12/antiscan-gatekeeper/internal/firewall"
	"github.com/dotX12/antiscan-gatekeeper/internal/geoip"
	"github.com/dotX12/antiscan-gatekeeper/internal/lockfile"
	"github.com/dotX12/antiscan-gatekeeper/internal/policy"
)

// blockFlag is the per-address reconciliation flag set printed under -a,
// grounded on original_source/ban2fail.c's BlockBitTuples.
type blockFlag int

const (
	flagBlocked blockFlag = 1 << iota
	flagWouldBlock
	flagUnjustBlock
	flagWhitelisted
)

func (f blockFlag) String() string {
	var parts []string
	if f&flagBlocked != 0 {
		parts = append(parts, "BLOCKED")
	}
	if f&flagWouldBlock != 0 {
		parts = append(parts, "+WouldBLOCK+")
	}
	if f&flagUnjustBlock != 0 {
		parts = append(parts, "-UnjustBLOCK-")
	}
	if f&flagWhitelisted != 0 {
		parts = append(parts, "Whitelisted")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

// Options configures one Driver.Run invocation (spec §6 CLI flags).
type Options struct {
	CacheRoot   string
	LockPath    string
	ListAddr    bool // -a
	ListCountry bool // -c
	DryRun      bool // -t (test mode never invokes the firewall tool)
	Verbose     bool // -v
	BatchSize   int
}

// Driver owns every collaborator for one run() invocation (spec §9:
// explicitly-owned context objects rather than global singletons).
type Driver struct {
	logger   zerolog.Logger
	cfg      *config.File
	oracle   *geoip.Oracle
	adapter  *firewall.Adapter
	opts     Options
	out      io.Writer
}

// New constructs a Driver. adapter may be nil when opts.DryRun is set, since
// dry-run mode never queries or mutates the firewall.
func New(logger zerolog.Logger, cfg *config.File, oracle *geoip.Oracle, adapter *firewall.Adapter, opts Options, out io.Writer) *Driver {
	if opts.BatchSize <= 0 {
		opts.BatchSize = firewall.DefaultBatchSize
	}
	if out == nil {
		out = os.Stdout
	}
	return &Driver{
		logger:  logger,
		cfg:     cfg,
		oracle:  oracle,
		adapter: adapter,
		opts:    opts,
		out:     out,
	}
}

// Run sequences the whole invocation (spec §4.6).
func (d *Driver) Run() error {
	lock, err := lockfile.Acquire(d.opts.LockPath)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	if err := os.MkdirAll(d.opts.CacheRoot, 0700); err != nil {
		lock.Release()
		return fmt.Errorf("reconcile: ensure cache root %q: %w", d.opts.CacheRoot, err)
	}

	if d.opts.Verbose {
		fmt.Fprintln(d.out, "=============== antiscan-gatekeeper ===============")
	}

	logTypes, err := d.realizeLogTypes()
	if err != nil {
		lock.Release()
		return fmt.Errorf("reconcile: %w", err)
	}

	if err := d.sweepCacheRoot(logTypes); err != nil {
		d.logger.Warn().Err(err).Msg("failed to sweep stale cache directories")
	}

	if d.opts.Verbose && len(d.cfg.UnusedKeys()) > 0 {
		for _, key := range d.cfg.UnusedKeys() {
			fmt.Fprintf(d.out, "WARNING: unused configuration key %q\n", key)
		}
	}

	// All disk I/O for parsing/caching is complete; release the lock before
	// the (potentially slow) firewall phase so another invocation may begin
	// parsing immediately (spec §4.6 step 5, §5).
	if err := lock.Release(); err != nil {
		d.logger.Warn().Err(err).Msg("failed to release lock cleanly")
	}

	var totalOffenses uint32
	agg := aggregate.New()
	for _, lt := range logTypes {
		totalOffenses += lt.OffenseCount()
		lt.MapAddresses(agg)
	}

	if d.opts.Verbose {
		fmt.Fprintf(d.out, "===== Found %d total offenses =====\n", totalOffenses)
	}

	pol, err := d.buildPolicy()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	entries := agg.Entries()

	var toBlock, toUnblock []string
	for _, e := range entries {
		var flags blockFlag

		blocked := d.adapter != nil && d.adapter.IsCurrentlyBlocked(e.Address)
		if blocked {
			flags |= flagBlocked
		}

		allowance, whitelisted := pol.Allowed(e.Address)
		if whitelisted {
			flags |= flagWhitelisted
		}

		if blocked && (whitelisted || int(e.Count) <= allowance) {
			flags |= flagUnjustBlock
			toUnblock = append(toUnblock, e.Address)
		}

		if !blocked && !whitelisted && int(e.Count) > allowance {
			flags |= flagWouldBlock
			toBlock = append(toBlock, e.Address)
		}

		if d.opts.ListAddr {
			country := e.Country
			if country == "" {
				country = "--"
			}
			fmt.Fprintf(d.out, "%-15s: %5d offenses %s (%s)\n", e.Address, e.Count, country, flags)
		}
	}

	if err := d.applyReconciliation(toBlock, toUnblock); err != nil {
		return err
	}

	if d.opts.ListCountry {
		for _, stat := range aggregate.ByCountry(entries) {
			country := stat.Country
			if country == "" {
				country = "--"
			}
			fmt.Fprintf(d.out, "%2s  %5d offenses\n", country, stat.Count)
		}
	}

	return nil
}

func (d *Driver) applyReconciliation(toBlock, toUnblock []string) error {
	if d.opts.DryRun {
		if len(toBlock) > 0 {
			fmt.Fprintf(d.out, "Would block %d new hosts\n", len(toBlock))
		}
		if len(toUnblock) > 0 {
			fmt.Fprintf(d.out, "Would unblock %d new hosts\n", len(toUnblock))
		}
		return nil
	}

	if len(toBlock) > 0 {
		if err := d.adapter.Block(toBlock, d.opts.BatchSize); err != nil {
			return fmt.Errorf("reconcile: block addresses: %w", err)
		}
		fmt.Fprintf(d.out, "Blocked %d new hosts\n", len(toBlock))
	}

	if len(toUnblock) > 0 {
		if err := d.adapter.Unblock(toUnblock, d.opts.BatchSize); err != nil {
			return fmt.Errorf("reconcile: unblock addresses: %w", err)
		}
		fmt.Fprintf(d.out, "Unblocked %d hosts\n", len(toUnblock))
	}

	return nil
}

func (d *Driver) buildPolicy() (*policy.ThresholdPolicy, error) {
	maxOffenses := config.DefaultMaxOffenses
	if d.cfg.MaxOffenses != nil {
		maxOffenses = *d.cfg.MaxOffenses
	}
	pol := policy.New(maxOffenses)
	for _, r := range d.cfg.Rules {
		if err := pol.InsertRule(r.CIDR, r.Allowance, r.Whitelist); err != nil {
			return nil, err
		}
	}
	return pol, nil
}

func (d *Driver) realizeLogTypes() ([]*cache.LogType, error) {
	// Under -v, let the per-file "scanned log file" progress lines through.
	ltLogger := d.logger
	if d.opts.Verbose {
		ltLogger = ltLogger.Level(zerolog.DebugLevel)
	}

	logTypes := make([]*cache.LogType, 0, len(d.cfg.LogTypes))
	for _, ltc := range d.cfg.LogTypes {
		lt, err := cache.NewLogType(ltLogger, d.opts.CacheRoot, ltc.Dir, ltc.Prefix, ltc.Regex, d.oracle)
		if err != nil {
			return nil, fmt.Errorf("logtype %q: %w", ltc.Name, err)
		}
		if d.opts.Verbose {
			fmt.Fprintf(d.out, ">>>> Found %d offenses for %s/%s*\n", lt.OffenseCount(), ltc.Dir, ltc.Prefix)
		}
		logTypes = append(logTypes, lt)
	}
	return logTypes, nil
}

// sweepCacheRoot deletes any cache subdirectory whose name is not the
// cache_dirname of a currently configured LogType (spec §3, §4.6 step 4).
func (d *Driver) sweepCacheRoot(logTypes []*cache.LogType) error {
	current := make(map[string]struct{}, len(logTypes))
	for _, lt := range logTypes {
		current[lt.CacheDirname()] = struct{}{}
	}

	entries, err := os.ReadDir(d.opts.CacheRoot)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !entry.IsDir() {
			continue
		}
		if _, ok := current[name]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(d.opts.CacheRoot, name)); err != nil {
			d.logger.Warn().Err(err).Str("dir", name).Msg("failed to remove stale cache directory")
		}
	}

	return nil
}
