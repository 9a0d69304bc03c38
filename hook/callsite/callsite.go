// Package callsite turns per-call debug information into the stable string
// keys that call statistics are aggregated by.
package callsite

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// LineUnknown marks a DebugInfo without a line of definition.
	LineUnknown = -1

	UnknownSource = "?"
	AnonymousName = "<anon>"
)

// DebugInfo is what the host knows about a call at the moment it is entered.
type DebugInfo struct {
	Source      string
	LineDefined int
	// Name is empty when the callee has no statically known name.
	Name string
	// Identity is an address-like handle of the callable. Only used for
	// anonymous callees when obscure anonymous mode is on.
	Identity uintptr
}

// Resolve builds the key for a call site: "<source>[:<line>] <name>".
//
// Anonymous callees all share the "<anon>" name unless obscureAnonymous is
// set, in which case the callable's identity distinguishes them. Recursive
// calls of the same closure therefore still share a key.
func Resolve(info DebugInfo, obscureAnonymous bool) string {
	var b strings.Builder

	source := info.Source
	if source == "" {
		source = UnknownSource
	}
	b.WriteString(source)

	if info.LineDefined >= 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(info.LineDefined))
	}

	b.WriteByte(' ')

	switch {
	case info.Name != "":
		b.WriteString(info.Name)
	case obscureAnonymous:
		_, _ = fmt.Fprintf(&b, "@<%#x>", info.Identity)
	default:
		b.WriteString(AnonymousName)
	}

	return b.String()
}

// Site is a key split back into its parts.
type Site struct {
	Source string
	Line   int
	Name   string
}

// Parse is the best-effort inverse of Resolve. A key without the expected
// shape is returned whole as the name with an unknown source and line.
func Parse(key string) Site {
	idx := strings.LastIndexByte(key, ' ')
	if idx < 0 {
		return Site{Source: UnknownSource, Line: LineUnknown, Name: key}
	}

	site := Site{Source: key[:idx], Line: LineUnknown, Name: key[idx+1:]}
	if colon := strings.LastIndexByte(site.Source, ':'); colon >= 0 {
		line, err := strconv.Atoi(site.Source[colon+1:])
		if err == nil && line >= 0 {
			site.Line = line
			site.Source = site.Source[:colon]
		}
	}
	return site
}
