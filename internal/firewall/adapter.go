// Package firewall reconciles the host firewall's INPUT-chain DROP rules:
// it knows which addresses are presently blocked and emits batched,
// address-family-aware add/delete commands (spec §4.5).
package firewall

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dotX12/antiscan-gatekeeper/internal/domain"
)

// DefaultBatchSize is the operational default batch size (spec §4.5).
const DefaultBatchSize = 10

// Adapter is the firewall collaborator: it lazily builds the live blocklist
// on first query and issues batched block/unblock commands.
type Adapter struct {
	logger   zerolog.Logger
	commands *commands

	initialized bool
	blocked     map[string]struct{}
}

// NewAdapter wires an Adapter to the host's iptables/ip6tables binaries via
// cmdSvc (the teacher's CommandService, internal/service/command.go,
// satisfies CommandRunner).
func NewAdapter(logger zerolog.Logger, cmdSvc CommandRunner) *Adapter {
	return &Adapter{
		logger:   logger,
		commands: newCommands(logger, cmdSvc),
	}
}

// ensureInit lazily populates the live blocklist by reading the INPUT chain
// of both iptables and ip6tables (spec §4.5).
func (a *Adapter) ensureInit() error {
	if a.initialized {
		return nil
	}

	blocked := make(map[string]struct{})

	if err := a.loadFamily(FamilyV4, "0.0.0.0/0", blocked); err != nil {
		return fmt.Errorf("firewall: read live IPv4 blocklist: %w", err)
	}
	if err := a.loadFamily(FamilyV6, "::/0", blocked); err != nil {
		return fmt.Errorf("firewall: read live IPv6 blocklist: %w", err)
	}

	a.blocked = blocked
	a.initialized = true
	return nil
}

// loadFamily parses "<tool> -nL INPUT" output, skipping the two header
// lines, matching "DROP all -- <src> 0.0.0.0/0" (v4) / "DROP all <src> ::/0"
// (v6) (spec §4.5, §6; grounded on original_source/iptables.c's
// initialize()). A line that fails to parse logs a warning and is skipped.
func (a *Adapter) loadFamily(family Family, wildcard string, dst map[string]struct{}) error {
	out, err := a.commands.listChain(family, ChainInput)
	if err != nil {
		return err
	}

	lines := splitLines(out)
	for i, line := range lines {
		if i < 2 {
			continue // header lines
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		addr, ok := parseDropLine(line, wildcard)
		if !ok {
			a.logger.Warn().Str("line", line).Msg("firewall: could not parse INPUT chain line")
			continue
		}
		dst[addr] = struct{}{}
	}

	return nil
}

// parseDropLine extracts the source address from one "-nL INPUT" line that
// drops all traffic from a single source to the family wildcard.
func parseDropLine(line, wildcard string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return "", false
	}
	if fields[0] != "DROP" || fields[1] != "all" {
		return "", false
	}

	// iptables -nL INPUT: DROP  all  --  <src>  <dst>
	// ip6tables -nL INPUT: DROP  all  <src>  <dst>
	src := fields[len(fields)-2]
	dst := fields[len(fields)-1]
	if fields[2] == "--" && len(fields) >= 5 {
		src = fields[3]
		dst = fields[4]
	}

	if dst != wildcard {
		return "", false
	}
	return src, true
}

// IsCurrentlyBlocked reports whether addr is presently dropped by the
// INPUT chain of its address family (spec §4.5).
func (a *Adapter) IsCurrentlyBlocked(addr string) bool {
	if err := a.ensureInit(); err != nil {
		a.logger.Warn().Err(err).Msg("firewall: live blocklist unavailable, assuming not blocked")
		return false
	}
	_, ok := a.blocked[addr]
	return ok
}

// Block appends family-homogeneous DROP rules for addrs, batched at
// batchSize addresses per invocation, IPv4 batches first (spec §4.5).
func (a *Adapter) Block(addrs []string, batchSize int) error {
	return a.controlAddresses('A', addrs, batchSize)
}

// Unblock deletes family-homogeneous DROP rules for addrs, batched at
// batchSize addresses per invocation, IPv4 batches first (spec §4.5).
func (a *Adapter) Unblock(addrs []string, batchSize int) error {
	return a.controlAddresses('D', addrs, batchSize)
}

func (a *Adapter) controlAddresses(op byte, addrs []string, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if err := a.ensureInit(); err != nil {
		return fmt.Errorf("firewall: %w", err)
	}

	list := domain.NewAddressList()
	for _, addr := range addrs {
		list.Add(addr)
	}

	var firstErr error
	note := func(err error) {
		if err != nil {
			a.logger.Warn().Err(err).Msg("firewall: batch failed, continuing with remaining batches")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, batch := range chunk(list.V4, batchSize) {
		note(a.applyBatch(op, FamilyV4, batch))
	}
	for _, batch := range chunk(list.V6, batchSize) {
		note(a.applyBatch(op, FamilyV6, batch))
	}

	return firstErr
}

func (a *Adapter) applyBatch(op byte, family Family, addrs []string) error {
	csv := strings.Join(addrs, ",")
	spec := newRuleBuilder().source(csv).jump(TargetDrop).build()

	var err error
	switch op {
	case 'A':
		err = a.commands.appendRule(family, TableFilter, ChainInput, spec)
	case 'D':
		err = a.commands.deleteRule(family, TableFilter, ChainInput, spec)
	}

	if err == nil {
		for _, addr := range addrs {
			if op == 'A' {
				a.blocked[addr] = struct{}{}
			} else {
				delete(a.blocked, addr)
			}
		}
	}
	return err
}

func chunk(addrs []string, size int) [][]string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(addrs)+size-1)/size)
	for i := 0; i < len(addrs); i += size {
		end := i + size
		if end > len(addrs) {
			end = len(addrs)
		}
		out = append(out, addrs[i:end])
	}
	return out
}
