package procenum

import (
	"regexp"
	"strings"
)

// Class is the result of command-line classification.
type Class string

// Classification outcomes. Unknown means the command line was unavailable.
const (
	ClassMonitor Class = "monitor"
	ClassOther   Class = "other"
	ClassUnknown Class = "unknown"
)

// monitorMarker identifies the orchestrator entry script regardless of
// install location.
const monitorMarker = "bosun/monitor.mjs"

// jsLauncherRe matches a JS runtime token at a word boundary, with or without
// an .exe suffix or a leading path.
var jsLauncherRe = regexp.MustCompile(`(^|[\s/])(node|bun|tsx|deno)(\.exe)?($|\s)`)

// monitorScriptRe matches a monitor script segment, covering both direct
// invocation and the eval form import("./monitor.mjs").
var monitorScriptRe = regexp.MustCompile(`monitor\.mjs|import\(["'][^"']*monitor\.mjs["']\)`)

// Normalize lowercases a command line, converts backslashes to slashes, and
// collapses runs of whitespace, so Windows and POSIX spellings classify alike.
func Normalize(commandLine string) string {
	s := strings.ToLower(commandLine)
	s = strings.ReplaceAll(s, "\\", "/")
	return strings.Join(strings.Fields(s), " ")
}

// Classify determines whether a command line belongs to a bosun monitor
// process. Classification is deterministic and total: every input maps to
// exactly one of monitor, other, unknown.
//
// A process is a monitor iff its normalized command line contains the
// bosun/monitor.mjs marker, or combines a JS launcher (node|bun|tsx|deno)
// with a monitor script segment, including the eval form
// import("./monitor.mjs"). An empty command line is unknown.
func Classify(commandLine string) Class {
	norm := Normalize(commandLine)
	if norm == "" {
		return ClassUnknown
	}
	if strings.Contains(norm, monitorMarker) {
		return ClassMonitor
	}
	if jsLauncherRe.MatchString(norm) && monitorScriptRe.MatchString(norm) {
		return ClassMonitor
	}
	return ClassOther
}

// ClassifyProcess classifies a listed process. A missing command line is
// unknown rather than other.
func ClassifyProcess(p *ProcessInfo) Class {
	if p == nil {
		return ClassUnknown
	}
	return Classify(p.CommandLine)
}
