package recipe

import (
	"fmt"
	"regexp"
	"strings"
)

// Issue is one finding of the static recipe analysis.
type Issue struct {
	Rule   string
	Line   int // 1-based; 0 when the finding is recipe-wide
	Detail string
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("%s (line %d): %s", i.Rule, i.Line, i.Detail)
	}
	return fmt.Sprintf("%s: %s", i.Rule, i.Detail)
}

// Report is the outcome of validating one build recipe.
type Report struct {
	Issues []Issue
}

// DistinctRules counts how many distinct rules fired.
func (r Report) DistinctRules() int {
	seen := map[string]struct{}{}
	for _, i := range r.Issues {
		seen[i.Rule] = struct{}{}
	}
	return len(seen)
}

// Warnings renders the issues as log-ready warning lines.
func (r Report) Warnings() []string {
	out := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		out[i] = issue.String()
	}
	return out
}

var (
	credentialRx    = regexp.MustCompile(`(?i)(password|passwd|api_key|apikey|secret|token)\s*=\s*\S`)
	pipeToShellRx   = regexp.MustCompile(`(?i)(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba)?sh`)
	rmRootRx        = regexp.MustCompile(`rm\s+(-[a-zA-Z]*\s+)*(-rf|-fr)\s+/(\s|$|\*)`)
	worldWriteRx    = regexp.MustCompile(`chmod\s+(-[a-zA-Z]*\s+)*(777|a\+w|o\+w)`)
	rootUserRx      = regexp.MustCompile(`(?i)^user\s+(root|0)\s*$`)
	userDirectiveRx = regexp.MustCompile(`(?i)^user\s+\S`)
)

// Rule names, stable for log grepping.
const (
	RuleRootUser      = "runs-as-root"
	RuleCredential    = "embedded-credential"
	RulePipeToShell   = "download-piped-to-shell"
	RuleDeleteRoot    = "recursive-root-delete"
	RuleWorldWritable = "world-writable-chmod"
)

// Validate statically analyzes raw build-recipe text for unsafe patterns.
// It never rejects by itself; the caller applies the issue-count policy.
func Validate(text string) Report {
	var rep Report

	sawUser := false
	lastUserRoot := false
	for n, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lineNo := n + 1

		if userDirectiveRx.MatchString(line) {
			sawUser = true
			lastUserRoot = rootUserRx.MatchString(line)
		}
		if credentialRx.MatchString(line) {
			rep.Issues = append(rep.Issues, Issue{Rule: RuleCredential, Line: lineNo,
				Detail: "credential-like assignment embedded in the recipe"})
		}
		if pipeToShellRx.MatchString(line) {
			rep.Issues = append(rep.Issues, Issue{Rule: RulePipeToShell, Line: lineNo,
				Detail: "remote download piped directly into a shell"})
		}
		if rmRootRx.MatchString(line) {
			rep.Issues = append(rep.Issues, Issue{Rule: RuleDeleteRoot, Line: lineNo,
				Detail: "recursive delete of the filesystem root"})
		}
		if worldWriteRx.MatchString(line) {
			rep.Issues = append(rep.Issues, Issue{Rule: RuleWorldWritable, Line: lineNo,
				Detail: "world-writable permissions granted"})
		}
	}

	if !sawUser || lastUserRoot {
		rep.Issues = append(rep.Issues, Issue{Rule: RuleRootUser,
			Detail: "recipe never switches to a non-root user"})
	}
	return rep
}
