// Package aggregate folds every LogType's every LogFile record into one
// address-keyed map of composite offense counts (spec §4.3).
package aggregate

import "sort"

// Entry is one address's combined offense count and country across every
// log file of every LogType that mentions it.
type Entry struct {
	Address string
	Count   uint32
	Country string
}

// Aggregator implements cache.Folder: it is the destination every LogType
// folds its LogFile records into.
type Aggregator struct {
	entries map[string]*Entry
}

// New returns an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{entries: make(map[string]*Entry)}
}

// Fold adds count to address's running total, creating the entry on demand.
// The country recorded is the first one seen for that address; a later,
// differing country for the same address is silently kept as first-seen
// (spec §4.1, §9 open question).
func (a *Aggregator) Fold(address string, count uint32, country string) {
	e, ok := a.entries[address]
	if !ok {
		a.entries[address] = &Entry{Address: address, Count: count, Country: country}
		return
	}
	e.Count += count
}

// Entries returns every accumulated entry, sorted descending by count with
// ties broken deterministically by address (spec §4.6 step 7).
func (a *Aggregator) Entries() []*Entry {
	out := make([]*Entry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// CountryStat is one country's summed offense count for the -c rollup.
type CountryStat struct {
	Country string
	Count   uint32
}

// ByCountry groups entries by country code, summing counts, for the -c
// rollup (spec §4.6 step 10).
func ByCountry(entries []*Entry) []CountryStat {
	byCountry := make(map[string]uint32)
	for _, e := range entries {
		byCountry[e.Country] += e.Count
	}

	out := make([]CountryStat, 0, len(byCountry))
	for country, count := range byCountry {
		out = append(out, CountryStat{Country: country, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Country < out[j].Country
	})
	return out
}
