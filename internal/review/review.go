// Package review statically classifies script source into risk tiers.
// It never executes code: classification is pattern-based over a fixed
// table of dotted API names, deliberately conservative for dynamically
// constructed calls (the API name alone decides the tier, literal or not).
package review

import (
	"regexp"
	"sort"
	"strings"
)

// Tier is the risk classification of a native API or a whole script.
type Tier int

const (
	TierSafe      Tier = iota // read-only, no side effects
	TierModerate              // reversible visible side effects
	TierDangerous             // shell, fs-write, network-write, secrets, URL dispatch
)

// String returns the tier's wire name.
func (t Tier) String() string {
	switch t {
	case TierModerate:
		return "moderate"
	case TierDangerous:
		return "dangerous"
	}
	return "safe"
}

// NoAutoFixPragma disables autonomous rewriting of a snippet when it
// appears anywhere in the source inside a line comment.
const NoAutoFixPragma = "macotron:no-autofix"

// Manifest is the immutable result of reviewing one script source.
type Manifest struct {
	Tier           Tier     `json:"tier"`
	APIsUsed       []string `json:"apis_used"`
	ShellCommands  []string `json:"shell_commands"`
	NetworkTargets []string `json:"network_targets"`
	FileTargets    []string `json:"file_targets"`
}

// tierTable maps dotted API names to tiers. Fixed taxonomy; extend only by
// adding entries.
var tierTable = map[string]Tier{
	// window
	"window.getAll":   TierSafe,
	"window.focused":  TierSafe,
	"window.move":     TierModerate,
	"window.resize":   TierModerate,
	"window.focus":    TierModerate,
	"window.minimize": TierModerate,
	"window.close":    TierModerate,

	// screen / capture
	"screen.list":    TierSafe,
	"screen.capture": TierModerate,

	// input injection
	"keyboard.type":  TierModerate,
	"keyboard.press": TierModerate,
	"mouse.move":     TierModerate,
	"mouse.click":    TierModerate,

	// hotkeys & events
	"hotkey.bind":   TierModerate,
	"hotkey.unbind": TierSafe,

	// applications
	"app.list":     TierSafe,
	"app.frontmost": TierSafe,
	"app.launch":   TierModerate,
	"app.quit":     TierModerate,

	// clipboard
	"clipboard.read":  TierSafe,
	"clipboard.write": TierModerate,

	// notifications & audio
	"notify.show":  TierModerate,
	"audio.volume": TierSafe,
	"audio.setVolume": TierModerate,

	// persistent storage (shipped module)
	"storage.get":    TierSafe,
	"storage.keys":   TierSafe,
	"storage.set":    TierModerate,
	"storage.delete": TierModerate,

	// filesystem
	"fs.read":   TierSafe,
	"fs.list":   TierSafe,
	"fs.exists": TierSafe,
	"fs.write":  TierDangerous,
	"fs.delete": TierDangerous,
	"fs.move":   TierDangerous,

	// shell
	"shell.run": TierDangerous,

	// network
	"http.get":  TierModerate,
	"http.post": TierDangerous,
	"http.put":  TierDangerous,

	// secrets
	"keychain.get": TierModerate,
	"keychain.set": TierDangerous,

	// URL dispatch
	"url.open": TierDangerous,
}

var (
	apiCallRe = regexp.MustCompile(`\b([a-zA-Z_][a-zA-Z0-9_]*)\.([a-zA-Z_][a-zA-Z0-9_]*)\s*\(`)

	// First-argument string literals only. RE2 has no backreferences, so
	// each quote style gets its own capture group.
	literalAlt = `(?:"([^"]*)"|'([^']*)'|` + "`([^`]*)`" + `)`
	shellArgRe = regexp.MustCompile(`\bshell\.run\s*\(\s*` + literalAlt)
	httpArgRe  = regexp.MustCompile(`\bhttp\.(?:get|post|put)\s*\(\s*` + literalAlt)
	fileArgRe  = regexp.MustCompile(`\bfs\.(?:write|delete|move)\s*\(\s*` + literalAlt)

	pragmaRe = regexp.MustCompile(`//.*` + regexp.QuoteMeta(NoAutoFixPragma))
)

// Review scans source and produces its capability manifest. Repeated calls
// to the same API collapse into one apisUsed entry; the overall tier is the
// maximum tier over the classified APIs, safe when none are present.
func Review(source string) Manifest {
	m := Manifest{Tier: TierSafe}

	seen := make(map[string]bool)
	for _, match := range apiCallRe.FindAllStringSubmatch(source, -1) {
		api := match[1] + "." + match[2]
		tier, classified := tierTable[api]
		if !classified {
			continue
		}
		if !seen[api] {
			seen[api] = true
			m.APIsUsed = append(m.APIsUsed, api)
		}
		if tier > m.Tier {
			m.Tier = tier
		}
	}
	sort.Strings(m.APIsUsed)

	m.ShellCommands = literalArgs(shellArgRe, source)
	m.NetworkTargets = literalArgs(httpArgRe, source)
	m.FileTargets = literalArgs(fileArgRe, source)
	return m
}

// CanAutoFix reports whether a snippet is eligible for autonomous
// rewriting: false iff its tier is dangerous or the no-autofix pragma is
// present anywhere in source. Source with zero classified calls is
// eligible.
func CanAutoFix(source string) bool {
	if pragmaRe.MatchString(source) {
		return false
	}
	return Review(source).Tier != TierDangerous
}

// HasPragma reports whether source carries the no-autofix pragma.
func HasPragma(source string) bool {
	return pragmaRe.MatchString(source)
}

// Uses reports whether the manifest records a use of api.
func (m Manifest) Uses(api string) bool {
	for _, a := range m.APIsUsed {
		if a == api {
			return true
		}
	}
	return false
}

// DangerousAPIs returns the dangerous-tier subset of apisUsed.
func (m Manifest) DangerousAPIs() []string {
	var out []string
	for _, api := range m.APIsUsed {
		if tierTable[api] == TierDangerous {
			out = append(out, api)
		}
	}
	return out
}

// IntroducesDangerous reports whether m uses any dangerous API absent from
// the original manifest. The auto-fix path rejects replacements for which
// this is true.
func (m Manifest) IntroducesDangerous(original Manifest) bool {
	for _, api := range m.DangerousAPIs() {
		if !original.Uses(api) {
			return true
		}
	}
	return false
}

// literalArgs extracts the deduplicated literal first-argument strings for
// every match of re. Non-literal arguments contribute nothing.
func literalArgs(re *regexp.Regexp, source string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, match := range re.FindAllStringSubmatch(source, -1) {
		arg := ""
		for _, group := range match[1:] {
			if group != "" {
				arg = group
				break
			}
		}
		arg = strings.TrimSpace(arg)
		if arg == "" || seen[arg] {
			continue
		}
		seen[arg] = true
		out = append(out, arg)
	}
	return out
}
