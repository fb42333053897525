// Package policy implements the threshold policy that maps an address to
// its per-offense allowance via longest-prefix CIDR match (spec §4.4).
package policy

import (
	"fmt"
	"net/netip"

	"github.com/phemmer/go-iptrie"
)

// rule is the value stored in a trie for one configured CIDR. A whitelist
// rule is reported by Allowed's second value: never block, and unblock if
// currently blocked.
type rule struct {
	allowance int
	whitelist bool
	seq       int // configuration order in which the rule was inserted
}

// ThresholdPolicy resolves an address to its configured allowance using
// separate IPv4/IPv6 CIDR tries, longest-prefix-match, first-configured-wins
// on ties (spec §4.4, §9).
type ThresholdPolicy struct {
	v4, v6     *iptrie.Trie
	defaultMax int
	nextSeq    int
	seen       map[string]bool // exact CIDR strings already inserted
}

// New creates a ThresholdPolicy whose process-wide default allowance (used
// when no CIDR rule matches) is defaultMax (MAX_OFFENSES, spec §6).
func New(defaultMax int) *ThresholdPolicy {
	return &ThresholdPolicy{
		v4:         iptrie.NewTrie(),
		v6:         iptrie.NewTrie(),
		defaultMax: defaultMax,
		seen:       make(map[string]bool),
	}
}

// InsertRule adds one CIDR rule. whitelist, when true, makes allowance
// meaningless: the address is never blocked and is unblocked if currently
// blocked. Rules inserted earlier win ties against an identical CIDR
// configured again later (spec §3, §9).
func (p *ThresholdPolicy) InsertRule(cidr string, allowance int, whitelist bool) error {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("policy: invalid CIDR %q: %w", cidr, err)
	}

	key := prefix.Masked().String()
	if p.seen[key] {
		return nil // first-configured wins; later duplicate is ignored
	}
	p.seen[key] = true

	r := &rule{allowance: allowance, whitelist: whitelist, seq: p.nextSeq}
	p.nextSeq++

	trie := p.v4
	if prefix.Addr().Is6() {
		trie = p.v6
	}
	trie.Insert(prefix.Masked(), r)
	return nil
}

// Allowed returns the configured allowance for address. whitelisted is true
// iff the resolved rule is a whitelist entry, in which case allowance is
// meaningless. When no CIDR rule matches, the process-wide default applies.
func (p *ThresholdPolicy) Allowed(address string) (allowance int, whitelisted bool) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return p.defaultMax, false
	}

	trie := p.v4
	if addr.Is6() {
		trie = p.v6
	}

	v, ok := trie.Search(addr)
	if !ok || v == nil {
		return p.defaultMax, false
	}

	r := v.(*rule)
	return r.allowance, r.whitelist
}
