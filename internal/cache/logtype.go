package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dotX12/antiscan-gatekeeper/internal/geoip"
)

// LogType groups the rotations of one logical log under a shared directory,
// filename prefix, and pattern set (spec §4.2). Patterns are compiled once
// and kept alive for the LogType's lifetime, reused across every file it
// scans (spec §9, "Ownership of regex objects").
type LogType struct {
	logger zerolog.Logger
	oracle *geoip.Oracle

	Dir         string
	Prefix      string
	PatternsMD5 string
	patterns    []*regexp.Regexp

	cacheRoot string
	files     map[string]*Record

	offenseCount      uint32
	offenseCountKnown bool
}

// NewLogType compiles patterns (rejecting any without a capture group, per
// spec §4.2), derives the cache directory name, and enumerates dir to
// populate files from cache hits or fresh parses.
func NewLogType(logger zerolog.Logger, cacheRoot, dir, prefix string, patternSources []string, oracle *geoip.Oracle) (*LogType, error) {
	patterns := make([]*regexp.Regexp, 0, len(patternSources))
	for _, src := range patternSources {
		re, err := regexp.CompilePOSIX(src)
		if err != nil {
			return nil, fmt.Errorf("logtype %s/%s*: compile pattern %q: %w", dir, prefix, src, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("logtype %s/%s*: pattern %q has no capture group", dir, prefix, src)
		}
		patterns = append(patterns, re)
	}

	lt := &LogType{
		logger:      logger,
		oracle:      oracle,
		Dir:         dir,
		Prefix:      prefix,
		PatternsMD5: patternsMD5(patternSources),
		patterns:    patterns,
		cacheRoot:   cacheRoot,
		files:       make(map[string]*Record),
	}

	if err := lt.scan(); err != nil {
		return nil, err
	}

	return lt, nil
}

func patternsMD5(patterns []string) string {
	h := md5.New()
	for _, p := range patterns {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheDirname is the stable, content-free name of this LogType's cache
// subdirectory: ":"-encoded(dir) + ";" + prefix + ";" + patterns_md5
// (spec §3).
func (lt *LogType) CacheDirname() string {
	encodedDir := strings.ReplaceAll(lt.Dir, "/", ":")
	return fmt.Sprintf("%s;%s;%s", encodedDir, lt.Prefix, lt.PatternsMD5)
}

func (lt *LogType) cacheDir() string {
	return filepath.Join(lt.cacheRoot, lt.CacheDirname())
}

// scan enumerates Dir for entries starting with Prefix, loads-or-parses each
// one, and sweeps stale cache files afterward (spec §4.2).
func (lt *LogType) scan() error {
	entries, err := os.ReadDir(lt.Dir)
	if err != nil {
		return fmt.Errorf("logtype: read dir %q: %w", lt.Dir, err)
	}

	cacheDir := lt.cacheDir()
	cacheDirEnsured := false

	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." || !strings.HasPrefix(name, lt.Prefix) {
			continue
		}
		if entry.IsDir() {
			continue
		}

		logPath := filepath.Join(lt.Dir, name)

		contentMD5, err := hashFile(logPath)
		if err != nil {
			lt.logger.Warn().Err(err).Str("path", logPath).Msg("skipping unreadable log file")
			continue
		}

		cachePath := filepath.Join(cacheDir, contentMD5)

		var rec *Record
		if _, err := os.Stat(cachePath); err == nil {
			rec, err = LoadFromCache(cachePath)
			if err != nil {
				lt.logger.Warn().Err(err).Str("path", cachePath).Msg("cache file invalid, reparsing")
				rec = nil
			}
		}

		if rec == nil {
			if !cacheDirEnsured {
				if err := os.MkdirAll(cacheDir, 0770); err != nil {
					return fmt.Errorf("logtype: mkdir %q: %w", cacheDir, err)
				}
				cacheDirEnsured = true
			}

			rec, err = BuildFromLog(lt.logger, logPath, lt.patterns, lt.oracle)
			if err != nil {
				lt.logger.Warn().Err(err).Str("path", logPath).Msg("skipping unparseable log file")
				continue
			}
			if err := rec.WriteCache(cachePath); err != nil {
				lt.logger.Warn().Err(err).Str("path", cachePath).Msg("failed to write cache file, continuing with in-memory result")
			}
		}

		rec.LogPath = logPath
		lt.files[contentMD5] = rec

		lt.logger.Debug().Str("path", logPath).Uint32("offenses", rec.OffenseCount()).Msg("scanned log file")
	}

	return lt.sweepCache(cacheDir)
}

// sweepCache deletes any cache file whose name is not a currently-observed
// content_md5 (spec §4.2, §8 Testable Property 2/3).
func (lt *LogType) sweepCache(cacheDir string) error {
	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("logtype: read cache dir %q: %w", cacheDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == "." || name == ".." {
			continue
		}
		if strings.HasSuffix(name, ".tmp") {
			continue
		}
		if _, ok := lt.files[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(cacheDir, name)); err != nil {
			lt.logger.Warn().Err(err).Str("path", name).Msg("failed to sweep stale cache file")
		}
	}

	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// OffenseCount returns the sum of offense counts across every file of this
// LogType, memoized after the first call (spec §4.2).
func (lt *LogType) OffenseCount() uint32 {
	if !lt.offenseCountKnown {
		var sum uint32
		for _, rec := range lt.files {
			sum += rec.OffenseCount()
		}
		lt.offenseCount = sum
		lt.offenseCountKnown = true
	}
	return lt.offenseCount
}

// MapAddresses folds every file's offenses into dst (spec §4.2, §4.3).
func (lt *LogType) MapAddresses(dst Folder) {
	for _, rec := range lt.files {
		rec.MapInto(dst)
	}
}
