// Package cache implements the content-addressed LogFile cache record and
// the LogType that groups log file rotations sharing a directory, filename
// prefix, and pattern set (spec §4.1, §4.2).
package cache

import (
	"bufio"
	"compress/gzip"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dotX12/antiscan-gatekeeper/internal/geoip"
)

// cacheMagic/cacheVersion identify the on-disk record format so a future
// format change cannot be mistaken for a valid record (spec §9).
const (
	cacheMagic   uint16 = 0xB2F1
	cacheVersion uint8  = 1
)

// offense is one address's folded (count, country) pair within a record.
type offense struct {
	count   uint32
	country string
}

// Folder receives (address, count, country) tuples folded out of a record;
// aggregate.Aggregator implements it. Keeping this as a narrow interface
// (rather than importing the aggregate package) avoids a cache<->aggregate
// import cycle.
type Folder interface {
	Fold(address string, count uint32, country string)
}

// Record is one parsed log file: its content hash (identity) and the
// offenses extracted from it. LogPath is re-resolved on every scan and is
// not part of identity (spec §3).
type Record struct {
	ContentMD5 string
	LogPath    string
	offenses   map[string]*offense
}

// OffenseCount returns the sum of counts across every address in the record.
func (r *Record) OffenseCount() uint32 {
	var sum uint32
	for _, o := range r.offenses {
		sum += o.count
	}
	return sum
}

// MapInto folds every (address, count, country) tuple in the record into
// dst. The country recorded for an address already present in dst is left
// untouched (spec §4.1: "the country stored on the aggregate is the first
// seen for that address").
func (r *Record) MapInto(dst Folder) {
	for addr, o := range r.offenses {
		dst.Fold(addr, o.count, o.country)
	}
}

// BuildFromLog parses logPath fresh: it streams the file line by line
// (transparently gunzipping a ".gz" suffix), tries each pattern in order on
// every line, and attributes the line's first matching pattern's first
// capture group to an address. The content MD5 is computed over the raw
// bytes read from disk, ahead of any gunzipping, so that identical
// compressed bytes always hash identically (spec §4.1, §9).
func BuildFromLog(logger zerolog.Logger, logPath string, patterns []*regexp.Regexp, oracle *geoip.Oracle) (*Record, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("cache: open %q: %w", logPath, err)
	}
	defer f.Close()

	hasher := md5.New()
	raw := io.TeeReader(f, hasher)

	var lineSrc io.Reader = raw
	if strings.HasSuffix(logPath, ".gz") {
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return nil, fmt.Errorf("cache: gunzip %q: %w", logPath, err)
		}
		defer gz.Close()
		lineSrc = gz
	}

	offenses := make(map[string]*offense)

	scanner := bufio.NewScanner(lineSrc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		for _, pat := range patterns {
			m := pat.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if len(m) < 2 || m[1] == "" {
				// Regex extraction anomaly (spec §7): matched but the
				// capture group is empty. Skip the line entirely.
				break
			}

			addr := m[1]
			o, ok := offenses[addr]
			if !ok {
				o = &offense{country: oracle.Lookup(addr)}
				offenses[addr] = o
			}
			o.count++
			break // at most one pattern contributes per line (spec §4.2)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cache: scan %q: %w", logPath, err)
	}

	// Drain whatever the line reader left unread (e.g. bytes after the
	// gzip stream) so the hasher sees every raw byte of the file.
	if _, err := io.Copy(io.Discard, raw); err != nil {
		return nil, fmt.Errorf("cache: hash %q: %w", logPath, err)
	}

	return &Record{
		ContentMD5: hex.EncodeToString(hasher.Sum(nil)),
		LogPath:    logPath,
		offenses:   offenses,
	}, nil
}

// LoadFromCache parses a binary cache file written by WriteCache. A
// structurally invalid file is reported as an error; callers must treat
// that as "absent" and fall back to BuildFromLog (spec §4.1 failure
// semantics).
func LoadFromCache(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	r := bufreader{data: data}

	magic, err := r.uint16()
	if err != nil || magic != cacheMagic {
		return nil, fmt.Errorf("cache: %q: bad magic", path)
	}
	version, err := r.uint8()
	if err != nil || version != cacheVersion {
		return nil, fmt.Errorf("cache: %q: unsupported version %d", path, version)
	}
	sum, err := r.bytes(16)
	if err != nil {
		return nil, fmt.Errorf("cache: %q: truncated content_md5", path)
	}
	count, err := r.uint32()
	if err != nil {
		return nil, fmt.Errorf("cache: %q: truncated entry count", path)
	}

	offenses := make(map[string]*offense, count)
	for i := uint32(0); i < count; i++ {
		alen, err := r.uint8()
		if err != nil {
			return nil, fmt.Errorf("cache: %q: truncated entry %d", path, i)
		}
		addrBytes, err := r.bytes(int(alen))
		if err != nil {
			return nil, fmt.Errorf("cache: %q: truncated address %d", path, i)
		}
		cnt, err := r.uint32()
		if err != nil {
			return nil, fmt.Errorf("cache: %q: truncated count %d", path, i)
		}
		countryBytes, err := r.bytes(2)
		if err != nil {
			return nil, fmt.Errorf("cache: %q: truncated country %d", path, i)
		}

		offenses[string(addrBytes)] = &offense{
			count:   cnt,
			country: strings.TrimRight(string(countryBytes), "\x00"),
		}
	}

	return &Record{
		ContentMD5: hex.EncodeToString(sum),
		offenses:   offenses,
	}, nil
}

// WriteCache atomically persists the record: it writes to a temporary
// sibling file and renames it into place, so a crash mid-write never leaves
// a partially-written cache file visible (spec §5, §9, Testable Property 8).
func (r *Record) WriteCache(path string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("cache: create %q: %w", tmp, err)
	}

	if err := r.encode(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: close %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cache: rename %q -> %q: %w", tmp, path, err)
	}

	return nil
}

func (r *Record) encode(w io.Writer) error {
	sum, err := hex.DecodeString(r.ContentMD5)
	if err != nil || len(sum) != 16 {
		return fmt.Errorf("cache: invalid content_md5 %q", r.ContentMD5)
	}

	var hdr [2 + 1 + 16 + 4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], cacheMagic)
	hdr[2] = cacheVersion
	copy(hdr[3:19], sum)
	binary.LittleEndian.PutUint32(hdr[19:23], uint32(len(r.offenses)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	for addr, o := range r.offenses {
		if len(addr) > 255 {
			return fmt.Errorf("cache: address %q exceeds 255 bytes", addr)
		}
		var country [2]byte
		copy(country[:], o.country)

		if err := binary.Write(w, binary.LittleEndian, uint8(len(addr))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, addr); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, o.count); err != nil {
			return err
		}
		if _, err := w.Write(country[:]); err != nil {
			return err
		}
	}

	return nil
}

// bufreader is a minimal cursor over an in-memory byte slice used while
// decoding a cache file.
type bufreader struct {
	data []byte
	pos  int
}

func (r *bufreader) need(n int) error {
	if r.pos+n > len(r.data) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (r *bufreader) uint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *bufreader) uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *bufreader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *bufreader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}
