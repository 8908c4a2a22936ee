// Package toolpolicy classifies a tool invocation into one of three
// approval tiers before the Agent Supervisor is allowed to execute it.
// Classify is a pure function: same (tool name, arguments) in, same tier
// out, with no side effects and no hidden configuration lookups.
package toolpolicy

import (
	"strings"
)

// Tier is the approval tier a tool invocation is classified into.
type Tier string

const (
	TierAutoAllow       Tier = "auto-allow"
	TierNotify          Tier = "notify"
	TierRequireApproval Tier = "require-approval"
)

const mcpPrefix = "mcp__"

// shellTools are tool names whose "command" argument is shell text and so
// must be parsed rather than matched against a fixed name.
var shellTools = map[string]bool{
	"bash":    true,
	"shell":   true,
	"execute": true,
}

// ruleKind distinguishes how a ruleEntry's names are interpreted, so the
// table stays data (inspectable in tests) instead of branching code.
type ruleKind string

const (
	kindShell           ruleKind = "shell"
	kindNameExactTier   ruleKind = "name-exact"
)

// rule is one row of the declarative classification table: a set of tool
// names and the tier they map to, checked in order.
type rule struct {
	kind  ruleKind
	names map[string]bool
	tier  Tier
}

// rules is the ordered, first-match-wins policy table. It is the single
// source of truth for which bare tool names require approval: Classify
// consults nothing else, so adding a tool here is enough to change its tier.
var rules = []rule{
	{kind: kindShell, names: shellTools, tier: TierRequireApproval},
	{
		kind: kindNameExactTier,
		tier: TierRequireApproval,
		names: map[string]bool{
			"write":           true,
			"edit":            true,
			"patch":           true,
			"message.send":    true,
			"email.send":      true,
			"sms.send":        true,
			"browser.click":   true,
			"browser.type":    true,
			"browser.navigate": true,
			"schedule.create":  true,
			"schedule.cancel":  true,
			"cron.create":      true,
		},
	},
}

// Classify normalizes the tool name and applies the rule table, parsing
// shell commands into an AST before checking them against the destructive
// command table.
func Classify(toolName string, args map[string]any) Tier {
	name := strings.ToLower(stripMCPPrefix(toolName))

	for _, r := range rules {
		if !r.names[name] {
			continue
		}
		switch r.kind {
		case kindShell:
			if classifyShellArgs(args) == TierRequireApproval {
				return TierRequireApproval
			}
			return TierAutoAllow
		case kindNameExactTier:
			return r.tier
		}
	}

	return TierAutoAllow
}

// stripMCPPrefix removes an "mcp__<server>__" prefix so tools reached
// through an MCP server are classified under their own name, the same as
// any native tool.
func stripMCPPrefix(name string) string {
	if !strings.HasPrefix(name, mcpPrefix) {
		return name
	}
	rest := name[len(mcpPrefix):]
	idx := strings.Index(rest, "__")
	if idx < 0 {
		return name
	}
	return rest[idx+2:]
}

func classifyShellArgs(args map[string]any) Tier {
	command, _ := args["command"].(string)
	if command == "" {
		return TierAutoAllow
	}
	if IsDestructive(command) {
		return TierRequireApproval
	}
	return TierAutoAllow
}
