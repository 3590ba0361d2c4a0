// Package identity computes the per-process identity string used to attribute
// ownership of messages and topic affinity, and provides the two deterministic
// name-sanitization functions the rest of the module uses to derive
// storage-safe identifiers from user-supplied queue and topic names.
package identity

import (
	"fmt"
	"os"
	"strings"
	"unicode"
)

// New computes this process's identity as "<safe(hostname)>-<pid>". It is
// meant to be called once per process and cached by the caller (see
// runtimecontext.Context), not recomputed per operation.
func New() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d", Safe(host), os.Getpid())
}

// Safe lowercases ASCII alphanumerics and maps every other code point to '-'.
// It is length-preserving and deterministic. Safe("") == "".
func Safe(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if isASCIIAlnum(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteByte('-')
	}
	return b.String()
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// TableSafe maps name the same way Safe does, except it capitalizes the first
// alphanumeric of each run of alphanumerics and substitutes 'x' for
// non-alphanumeric code points, so the result always starts with a letter (a
// requirement of Azure Table/aztables table names).
func TableSafe(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	startOfRun := true
	for _, r := range name {
		if isASCIIAlnum(r) {
			if startOfRun {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(unicode.ToLower(r))
			}
			startOfRun = false
			continue
		}
		b.WriteByte('x')
		startOfRun = true
	}
	out := b.String()
	if len(out) > 0 && !unicode.IsLetter(rune(out[0])) {
		out = "T" + out
	}
	return out
}
