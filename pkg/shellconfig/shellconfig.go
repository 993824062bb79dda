// Package shellconfig defines the immutable shell configuration that keys
// a persistent session, its shell-family classification, and the sentinel
// and structured errors shared by the session layer and the entry point.
package shellconfig

import (
	"sort"
	"strconv"
	"strings"
)

// Family identifies a shell's scripting dialect for the Command Script
// Builder. Every POSIX-family shell shares one code path; fish is distinct.
type Family string

const (
	FamilyBash  Family = "bash"
	FamilyZsh   Family = "zsh"
	FamilyDash  Family = "dash"
	FamilySh    Family = "sh"
	FamilyFish  Family = "fish"
	FamilyOther Family = "other"
)

// IsPOSIX reports whether f uses the POSIX-family script structure of
// spec.md 4.2, as opposed to fish's distinct structure.
func (f Family) IsPOSIX() bool {
	return f != FamilyFish
}

// FamilyOf classifies an interpreter path by the executable name it ends
// in, the same substring-matching convention the teacher uses to detect
// "bash" in a shell path before choosing its launch args.
func FamilyOf(interpreter string) Family {
	base := interpreter
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	switch {
	case strings.Contains(base, "bash"):
		return FamilyBash
	case strings.Contains(base, "zsh"):
		return FamilyZsh
	case strings.Contains(base, "dash"):
		return FamilyDash
	case base == "sh":
		return FamilySh
	case strings.Contains(base, "fish"):
		return FamilyFish
	default:
		return FamilyOther
	}
}

// SupportsPersistence reports whether this family is one of the
// interpreters the executor entry point will run in persistent mode
// (spec.md 4.7: "bash, zsh, fish, sh-variants").
func (f Family) SupportsPersistence() bool {
	switch f {
	case FamilyBash, FamilyZsh, FamilyDash, FamilySh, FamilyFish:
		return true
	default:
		return false
	}
}

// Config is the immutable descriptor of a shell a session is built from.
// Two Configs with equal Fingerprint values are interchangeable and share
// one persistent Session (spec.md 3, "Shell Config").
type Config struct {
	// Interpreter is the path to the shell binary, e.g. "/bin/bash".
	Interpreter string

	// ExtraArgs are additional launch arguments beyond the family's login
	// flag (which the session decides on its own per spec.md 4.3).
	ExtraArgs []string

	// Env holds environment bindings to apply to the child process. A nil
	// value for a key means "explicitly unset this variable".
	Env map[string]*string

	// Prefix is prepended to every user command (e.g. a wrapper like
	// "timeout 600"), or empty for none.
	Prefix string

	// SnapshotPath, if non-empty, is sourced once at session startup.
	SnapshotPath string
}

// Family classifies this config's interpreter.
func (c *Config) Family() Family {
	return FamilyOf(c.Interpreter)
}

// Sanitized returns a copy of c with BASH_ENV and ENV stripped, so that a
// caller's environment can't trigger shell startup-script side effects
// mid-session (spec.md 4.7).
func (c *Config) Sanitized() *Config {
	out := *c
	if c.Env != nil {
		out.Env = make(map[string]*string, len(c.Env))
		for k, v := range c.Env {
			if k == "BASH_ENV" || k == "ENV" {
				continue
			}
			out.Env[k] = v
		}
	}
	return &out
}

// Fingerprint returns the deterministic serialization of c: interpreter
// path, extra launch arguments, prefix, snapshot path, and the env map
// sorted by key and joined (spec.md 3). Two configs with equal fingerprints
// share a session.
func (c *Config) Fingerprint() string {
	var b strings.Builder
	b.WriteString(c.Interpreter)
	b.WriteByte('\x00')
	b.WriteString(strings.Join(c.ExtraArgs, "\x1f"))
	b.WriteByte('\x00')
	b.WriteString(c.Prefix)
	b.WriteByte('\x00')
	b.WriteString(c.SnapshotPath)
	b.WriteByte('\x00')

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := c.Env[k]
		b.WriteString(k)
		b.WriteByte('=')
		if v == nil {
			b.WriteString("\x01unset")
		} else {
			b.WriteString(strconv.Quote(*v))
		}
		b.WriteByte('\x1e')
	}
	return b.String()
}
