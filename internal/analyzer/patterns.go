package analyzer

import "strings"

// dangerousModules can never be loaded by submitted code.
var dangerousModules = map[string]struct{}{
	"child_process":  {},
	"cluster":        {},
	"worker_threads": {},
	"dgram":          {},
	"dns":            {},
	"tls":            {},
	"readline":       {},
	"repl":           {},
	"vm":             {},
	"inspector":      {},
	"v8":             {},
	"perf_hooks":     {},
	"async_hooks":    {},
	"domain":         {},
	"module":         {},
}

// restrictedModules are allowed but reported as warnings.
var restrictedModules = map[string]struct{}{
	"fs":             {},
	"net":            {},
	"http":           {},
	"https":          {},
	"os":             {},
	"crypto":         {},
	"stream":         {},
	"util":           {},
	"zlib":           {},
	"buffer":         {},
	"path":           {},
	"querystring":    {},
	"string_decoder": {},
	"timers":         {},
	"tty":            {},
	"events":         {},
	"punycode":       {},
	"assert":         {},
	"url":            {},
}

// sensitiveGlobals are host objects whose properties expose the runtime.
var sensitiveGlobals = map[string]struct{}{
	"process":    {},
	"global":     {},
	"globalThis": {},
	"__dirname":  {},
	"__filename": {},
	"Buffer":     {},
	"require":    {},
	"module":     {},
	"exports":    {},
}

// criticalGlobals escalate property access from a warning to an issue.
var criticalGlobals = map[string]struct{}{
	"process":    {},
	"global":     {},
	"globalThis": {},
}

// timerFunctions evaluate their first argument as code when it is a string.
var timerFunctions = map[string]struct{}{
	"setTimeout":   {},
	"setInterval":  {},
	"setImmediate": {},
}

// ModuleClass is the classification of a module specifier.
type ModuleClass int

const (
	ModuleAllowed ModuleClass = iota
	ModuleRestricted
	ModuleDangerous
)

// NormalizeModule strips a "node:" scheme and any sub-path so that
// "node:fs/promises" is classified as "fs".
func NormalizeModule(name string) string {
	name = strings.TrimPrefix(name, "node:")
	if strings.HasPrefix(name, "@") {
		return name
	}
	if i := strings.IndexByte(name, '/'); i > 0 {
		name = name[:i]
	}
	return name
}

// ClassifyModule reports whether a module specifier is dangerous, restricted, or allowed.
func ClassifyModule(name string) ModuleClass {
	m := NormalizeModule(name)
	if _, ok := dangerousModules[m]; ok {
		return ModuleDangerous
	}
	if _, ok := restrictedModules[m]; ok {
		return ModuleRestricted
	}
	return ModuleAllowed
}

// IsSensitiveGlobal reports whether name is one of the host globals the analyzer tracks.
func IsSensitiveGlobal(name string) bool {
	_, ok := sensitiveGlobals[name]
	return ok
}
