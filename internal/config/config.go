// Package config loads the gatekeeper's configuration file. The exact
// on-disk syntax is an implementation choice left to this "external
// tokenizer" collaborator (spec §6, §9); the core only ever consumes the
// flat values this package extracts: MAX_OFFENSES, one LogType per
// configured log family, and the CIDR allowance/whitelist rule list.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// DefaultMaxOffenses is used when the configuration omits MAX_OFFENSES.
const DefaultMaxOffenses = 10

// LogTypeConfig is one configured (dir, prefix, pattern-set) LogType
// (spec §3, §4.2).
type LogTypeConfig struct {
	Name   string   `toml:"name"`
	Dir    string   `toml:"dir"`
	Prefix string   `toml:"prefix"`
	Regex  []string `toml:"regex"`
}

// RuleConfig is one CIDR allowance/whitelist rule (spec §3, §4.4).
type RuleConfig struct {
	CIDR      string `toml:"cidr"`
	Allowance int    `toml:"allowance"`
	Whitelist bool   `toml:"whitelist"`
}

// File is the top-level decoded configuration document.
type File struct {
	MaxOffenses *int            `toml:"max_offenses"`
	CacheDir    string          `toml:"cache_dir"`
	LockPath    string          `toml:"lock_path"`
	GeoIPDB     string          `toml:"geoip_db"`
	LogTypes    []LogTypeConfig `toml:"logtype"`
	Rules       []RuleConfig    `toml:"rule"`

	unusedKeys []string
}

// Load decodes path and fills in defaults for any omitted top-level scalar
// (MAX_OFFENSES defaults per spec §4.4; cache/lock paths default to the
// standard system locations). Keys present in the file but not recognized
// by File are recorded, not rejected (spec §6: "Unused symbols may be
// warned but are not fatal").
func Load(path string) (*File, error) {
	var f File
	meta, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", path, err)
	}

	if f.MaxOffenses == nil {
		// max_offenses was absent from the file; MAX_OFFENSES = 0 is a valid
		// explicit allowance (block on the first offense, spec §4.4/§6) and
		// must survive decoding distinct from "not set".
		def := DefaultMaxOffenses
		f.MaxOffenses = &def
	}
	if f.CacheDir == "" {
		f.CacheDir = "/var/cache/antiscan-gatekeeper"
	}
	if f.LockPath == "" {
		f.LockPath = "/var/run/antiscan-gatekeeper.lock"
	}

	for _, key := range meta.Undecoded() {
		f.unusedKeys = append(f.unusedKeys, key.String())
	}

	for i, lt := range f.LogTypes {
		if lt.Dir == "" {
			return nil, fmt.Errorf("config: logtype %q: missing dir", lt.Name)
		}
		if lt.Prefix == "" {
			return nil, fmt.Errorf("config: logtype %q: missing prefix", lt.Name)
		}
		if len(lt.Regex) == 0 {
			return nil, fmt.Errorf("config: logtype %q: no regex patterns configured", lt.Name)
		}
		f.LogTypes[i] = lt
	}

	return &f, nil
}

// UnusedKeys returns the configuration keys that were present in the file
// but not consumed, for the -v "unused symbol" warning (spec §6).
func (f *File) UnusedKeys() []string {
	return f.unusedKeys
}
