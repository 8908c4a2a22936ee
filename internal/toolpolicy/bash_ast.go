package toolpolicy

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// parsedCommand is one simple command pulled out of a shell script: its
// name and its raw argument words.
type parsedCommand struct {
	Name string
	Args []string
}

// destructiveRule matches a parsedCommand against a fixed, declarative
// pattern. Expressing each check as data (command name + predicate) keeps
// the whole destructive-command table inspectable and testable as a slice,
// rather than scattered across if-statements.
type destructiveRule struct {
	label     string
	names     map[string]bool
	hasAnyArg []string // any arg containing one of these substrings trips the rule
	allOfArgs []string // every one of these substrings must appear somewhere in the args
	noArgsOK  bool     // if true, the bare command name alone (no matching arg) still trips it
}

// destructiveRules is the fixed set of shell patterns that require human
// approval: recursive deletion, filesystem formatting, raw disk writes,
// piped-to-shell installers, permission-weakening chmod, fork bombs,
// power-management, privilege escalation, and destructive package/VCS
// operations.
var destructiveRules = []destructiveRule{
	{label: "recursive-delete", names: map[string]bool{"rm": true}, hasAnyArg: []string{"-r", "-rf", "-fr", "--recursive"}, noArgsOK: false},
	{label: "recursive-delete-rmdir", names: map[string]bool{"rmdir": true}, noArgsOK: true},
	{label: "filesystem-format", names: map[string]bool{"mkfs": true, "mkfs.ext4": true, "mkfs.xfs": true, "mkfs.vfat": true}, noArgsOK: true},
	{label: "raw-disk-write", names: map[string]bool{"dd": true}, hasAnyArg: []string{"of=/dev/"}, noArgsOK: false},
	{label: "permission-weakening-chmod", names: map[string]bool{"chmod": true}, hasAnyArg: []string{"777", "-R"}, noArgsOK: false},
	{label: "fork-bomb", names: map[string]bool{":(){": true}, noArgsOK: true},
	{label: "power-management", names: map[string]bool{"shutdown": true, "reboot": true, "poweroff": true, "halt": true}, noArgsOK: true},
	{label: "privilege-escalation", names: map[string]bool{"sudo": true, "su": true, "doas": true}, noArgsOK: true},
	{label: "package-publish", names: map[string]bool{"npm": true}, hasAnyArg: []string{"publish", "unpublish"}, noArgsOK: false},
	{label: "package-publish-pip", names: map[string]bool{"twine": true}, hasAnyArg: []string{"upload"}, noArgsOK: false},
	{label: "destructive-vcs-push-force", names: map[string]bool{"git": true}, allOfArgs: []string{"push", "--force"}},
	{label: "destructive-vcs-push-force-short", names: map[string]bool{"git": true}, allOfArgs: []string{"push", "-f"}},
	{label: "destructive-vcs-reset-hard", names: map[string]bool{"git": true}, allOfArgs: []string{"reset", "--hard"}},
	{label: "destructive-vcs-clean", names: map[string]bool{"git": true}, allOfArgs: []string{"clean", "-f"}},
}

var downloadCommands = map[string]bool{"curl": true, "wget": true}
var shellInterpreters = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true}

// IsDestructive parses command as a shell script and reports whether any
// simple command inside it matches a destructive-command pattern, or the
// script pipes a downloader directly into a shell interpreter. Parse
// failures are treated as destructive: an unparseable command cannot be
// proven safe, so it falls back to requiring approval.
func IsDestructive(command string) bool {
	file, err := parseBashFile(command)
	if err != nil {
		return true
	}

	destructive := false
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if cmd := extractCommand(n); cmd != nil && matchesDestructiveRule(*cmd) {
				destructive = true
			}
		case *syntax.BinaryCmd:
			if n.Op == syntax.Pipe && isDownloadToShellPipe(n) {
				destructive = true
			}
		}
		return true
	})
	return destructive
}

func isDownloadToShellPipe(n *syntax.BinaryCmd) bool {
	left := firstCallCommand(n.X)
	right := firstCallCommand(n.Y)
	return left != nil && downloadCommands[left.Name] && right != nil && shellInterpreters[right.Name]
}

func firstCallCommand(stmt *syntax.Stmt) *parsedCommand {
	if stmt == nil {
		return nil
	}
	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok {
		return nil
	}
	return extractCommand(call)
}

func parseBashFile(command string) (*syntax.File, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)
	return parser.Parse(strings.NewReader(command), "")
}

func extractCommand(call *syntax.CallExpr) *parsedCommand {
	if len(call.Args) == 0 {
		return nil
	}
	name := wordToString(call.Args[0])
	if name == "" {
		return nil
	}
	cmd := &parsedCommand{Name: name}
	for _, arg := range call.Args[1:] {
		cmd.Args = append(cmd.Args, wordToString(arg))
	}
	return cmd
}

func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

func matchesDestructiveRule(cmd parsedCommand) bool {
	for _, r := range destructiveRules {
		if !r.names[cmd.Name] {
			continue
		}
		if len(r.allOfArgs) > 0 {
			if allArgsPresent(cmd.Args, r.allOfArgs) {
				return true
			}
			continue
		}
		if len(r.hasAnyArg) == 0 {
			if r.noArgsOK {
				return true
			}
			continue
		}
		for _, arg := range cmd.Args {
			for _, needle := range r.hasAnyArg {
				if strings.Contains(arg, needle) {
					return true
				}
			}
		}
	}
	return false
}

func allArgsPresent(args []string, needles []string) bool {
	for _, needle := range needles {
		found := false
		for _, arg := range args {
			if strings.Contains(arg, needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
