package analyzer

import (
	"regexp"
	"strings"
)

// textRule is a family of patterns that contributes at most one finding.
type textRule struct {
	message  string
	patterns []*regexp.Regexp
}

func (r textRule) matches(code string) bool {
	for _, p := range r.patterns {
		if p.MatchString(code) {
			return true
		}
	}
	return false
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// textRules run over the raw source in this order. Every match is an issue.
var textRules = []textRule{
	{
		message: "Obfuscated code pattern detected",
		patterns: compile(
			`\\x[0-9a-fA-F]{2}`,
			`\\u[0-9a-fA-F]{4}`,
			`\\[0-7]{1,3}`,
			`['"][^'"]*\\[xuU][^'"]*['"]`,
			`[_$][a-zA-Z0-9_$]{20,}`,
			`[^a-zA-Z0-9\s]{20,}`,
			`\\x65\\x76\\x61\\x6c`,
			`\\u0065\\u0076\\u0061\\u006c`,
			`String\s*\.\s*fromCharCode`,
			`\[\s*\d+\s*\]\s*\[\s*\d+\s*\]`,
		),
	},
	{
		message:  "Base64 encoded payload detected",
		patterns: compile(`[A-Za-z0-9+/]{20,}={0,2}`),
	},
	{
		message: "Prototype pollution attempt detected",
		patterns: compile(
			`prototype\s*\[\s*['"]constructor['"]\s*\]`,
			`prototype\s*\[\s*['"]__proto__['"]\s*\]`,
			`\.\s*__proto__\b`,
			`\[\s*['"]__proto__['"]\s*\]`,
			`prototype\s*\.\s*constructor`,
			`\bObject\s*\.\s*prototype\b`,
		),
	},
	{
		message: "Path traversal attempt detected",
		patterns: compile(
			`\.\./`,
			`\.\.\\`,
			`\.\.%2[fF]`,
			`\.\.%5[cC]`,
			`(?i)%2e%2e(?:/|\\|%2f|%5c)`,
		),
	},
	{
		message: "Network access is not allowed",
		patterns: compile(
			`\bhttps?\s*\.\s*createServer`,
			`\bnet\s*\.\s*(?:createServer|createConnection|connect)\b`,
			`\bnew\s+net\s*\.\s*Socket\b`,
			`require\s*\(\s*['"](?:node:)?(?:https?|net)['"]\s*\)`,
			`\bfs\s*\.\s*(?:readFile|writeFile|unlink|mkdir|rmdir)`,
			`require\s*\(\s*['"](?:node:)?fs['"]\s*\)`,
			`from\s*['"](?:node:)?fs(?:/promises)?['"]`,
		),
	},
	{
		message: "Network fetch is not allowed",
		patterns: compile(
			`\bfetch\s*\(`,
			`\bXMLHttpRequest\s*\(`,
			`\bWebSocket\s*\(`,
		),
	},
}

var branchToken = regexp.MustCompile(`\b(?:if|else|for|while|switch|case|catch)\b|&&|\|\|`)

const (
	maxLinesOfCode   = 1000
	maxBranchTokens  = 50
	complexityWarned = "Code complexity is very high"
)

// sweep applies the textual heuristics to the raw source.
func sweep(code string, rep *report) {
	for _, rule := range textRules {
		if rule.matches(code) {
			rep.issue("%s", rule.message)
		}
	}
	if excessivelyComplex(code) {
		rep.warn("%s", complexityWarned)
	}
}

func excessivelyComplex(code string) bool {
	lines := 0
	for _, line := range strings.Split(code, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
			if lines > maxLinesOfCode {
				return true
			}
		}
	}
	return len(branchToken.FindAllStringIndex(code, maxBranchTokens+1)) > maxBranchTokens
}
