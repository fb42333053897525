package firewall

import (
	"strings"

	"github.com/rs/zerolog"
)

// Table represents an iptables/ip6tables table.
type Table string

// TableFilter is the only table the gatekeeper manipulates.
const TableFilter Table = "filter"

// Chain represents an iptables/ip6tables chain.
type Chain string

// ChainInput is the only chain the gatekeeper manipulates (spec §4.5).
const ChainInput Chain = "INPUT"

// Target represents an iptables/ip6tables jump target.
type Target string

// TargetDrop is the only target the gatekeeper ever applies.
const TargetDrop Target = "DROP"

// Family distinguishes the IPv4 and IPv6 tool binaries (spec §4.5).
type Family string

const (
	FamilyV4 Family = "ipv4"
	FamilyV6 Family = "ipv6"
)

// CommandRunner is the subset of service.CommandService the firewall
// package depends on; it is an interface so the Adapter can be exercised
// against a fake in tests without invoking real iptables/ip6tables binaries.
type CommandRunner interface {
	Run(name string, args ...string) error
	RunOutput(name string, args ...string) (string, error)
}

// commands wraps the generic subprocess executor with iptables/ip6tables-
// specific rule construction, mirroring the teacher's
// IptablesCommandService/RuleBuilder (internal/service/iptables_commands.go)
// trimmed to exactly what the INPUT-chain DROP-rule reconciler needs.
type commands struct {
	logger zerolog.Logger
	cmdSvc CommandRunner
}

func newCommands(logger zerolog.Logger, cmdSvc CommandRunner) *commands {
	return &commands{logger: logger, cmdSvc: cmdSvc}
}

func (c *commands) binary(family Family) string {
	if family == FamilyV6 {
		return "ip6tables"
	}
	return "iptables"
}

// ruleBuilder assembles a rule specification the way the teacher's
// RuleBuilder does: a flat, ordered slice of flag/value tokens.
type ruleBuilder struct {
	spec []string
}

func newRuleBuilder() *ruleBuilder {
	return &ruleBuilder{spec: make([]string, 0, 4)}
}

func (rb *ruleBuilder) source(csv string) *ruleBuilder {
	rb.spec = append(rb.spec, "-s", csv)
	return rb
}

func (rb *ruleBuilder) jump(target Target) *ruleBuilder {
	rb.spec = append(rb.spec, "-j", string(target))
	return rb
}

func (rb *ruleBuilder) build() []string {
	return rb.spec
}

// appendRule issues "-A <chain> <ruleSpec...>".
func (c *commands) appendRule(family Family, table Table, chain Chain, ruleSpec []string) error {
	args := append([]string{"-t", string(table), "-A", string(chain)}, ruleSpec...)
	return c.cmdSvc.Run(c.binary(family), args...)
}

// deleteRule issues "-D <chain> <ruleSpec...>".
func (c *commands) deleteRule(family Family, table Table, chain Chain, ruleSpec []string) error {
	args := append([]string{"-t", string(table), "-D", string(chain)}, ruleSpec...)
	return c.cmdSvc.Run(c.binary(family), args...)
}

// listChain issues "-nL <chain>" (numeric, list) for reading the live
// blocklist (spec §4.5, §6).
func (c *commands) listChain(family Family, chain Chain) (string, error) {
	return c.cmdSvc.RunOutput(c.binary(family), "-nL", string(chain))
}

// splitLines is a small helper kept local to this package; strings.Split is
// not reused elsewhere so there's no case for a shared util package here.
func splitLines(s string) []string {
	return strings.Split(s, "\n")
}
