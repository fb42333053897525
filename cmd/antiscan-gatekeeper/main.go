package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dotX12/antiscan-gatekeeper/internal/config"
	"github.com/dotX12/antiscan-gatekeeper/internal/firewall"
	"github.com/dotX12/antiscan-gatekeeper/internal/geoip"
	"github.com/dotX12/antiscan-gatekeeper/internal/logger"
	"github.com/dotX12/antiscan-gatekeeper/internal/reconcile"
	"github.com/dotX12/antiscan-gatekeeper/internal/service"
)

const (
	defaultConfigFile = "/etc/antiscan-gatekeeper.toml"
	version           = "0.9.4"
)

var (
	listAddr    bool
	listCountry bool
	testConfig  string
	verbose     bool
	logLevel    string
)

func main() {
	log := logger.New()
	logger.SetGlobalLogger(log)

	rootCmd := &cobra.Command{
		Use:     "antiscan-gatekeeper",
		Short:   "Offline log-scanning firewall gatekeeper",
		Long:    `Scans configured log files, aggregates offending addresses by regex pattern, and reconciles iptables/ip6tables INPUT-chain DROP rules against a CIDR threshold policy.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				log = logger.NewWithLevel(logLevel)
				logger.SetGlobalLogger(log)
			}
		},
		RunE: runGatekeeper,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVarP(&listAddr, "list-addr", "a", false, "List results by address")
	rootCmd.Flags().BoolVarP(&listCountry, "list-country", "c", false, "List results by country")
	rootCmd.Flags().StringVarP(&testConfig, "test", "t", "", "Test confFile, do not apply firewall rules")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Emit per-file progress and unused-symbol warnings")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGatekeeper(cmd *cobra.Command, args []string) error {
	log := logger.Global()

	confFile := defaultConfigFile
	cacheRoot := "/var/cache/antiscan-gatekeeper"
	lockPath := "/var/run/antiscan-gatekeeper.lock"
	dryRun := false

	if testConfig != "" {
		confFile = testConfig
		cacheRoot += "-test"
		lockPath += "-test"
		dryRun = true
	}

	if !dryRun {
		if os.Geteuid() != 0 {
			return fmt.Errorf("this program must be run as root")
		}
	}

	cfg, err := config.Load(confFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %q: %w", confFile, err)
	}
	if cfg.CacheDir != "" {
		cacheRoot = cfg.CacheDir
		if testConfig != "" {
			cacheRoot += "-test"
		}
	}
	if cfg.LockPath != "" {
		lockPath = cfg.LockPath
		if testConfig != "" {
			lockPath += "-test"
		}
	}

	oracle, err := geoip.Open(log.Logger, cfg.GeoIPDB)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open GeoIP database, country codes will be empty")
		oracle, _ = geoip.Open(log.Logger, "")
	}
	defer oracle.Close()

	var adapter *firewall.Adapter
	if !dryRun {
		cmdSvc := service.NewCommandService(log.Logger)
		adapter = firewall.NewAdapter(log.Logger, cmdSvc)
	}

	driver := reconcile.New(log.Logger, cfg, oracle, adapter, reconcile.Options{
		CacheRoot:   cacheRoot,
		LockPath:    lockPath,
		ListAddr:    listAddr,
		ListCountry: listCountry,
		DryRun:      dryRun,
		Verbose:     verbose,
		BatchSize:   firewall.DefaultBatchSize,
	}, os.Stdout)

	return driver.Run()
}
