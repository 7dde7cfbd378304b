// Package keyspace maps (prefix, scope, root key) triples onto flat store keys
// and back.
package keyspace

import "strings"

// Separator joins prefix, scope and root key. It is never stripped from a
// scope boundary, so a scope that is a string prefix of another never shares
// keys with it.
const Separator = ":"

// GlobalScope is never collected by Orphaned.
const GlobalScope = "global"

// Namespace is a fixed (prefix, scope) pair.
type Namespace struct {
	Prefix string
	Scope  string
}

// New creates a Namespace for scope under prefix (which may be empty).
func New(prefix, scope string) Namespace {
	return Namespace{Prefix: prefix, Scope: scope}
}

func (n Namespace) base() string {
	if n.Prefix != "" {
		return n.Prefix + Separator + n.Scope + Separator
	}
	return n.Scope + Separator
}

// Key returns the flat store key for root.
func (n Namespace) Key(root string) string {
	return n.base() + root
}

// RootKey strips the namespace off a store key. It returns false when the key
// does not belong to this namespace.
func (n Namespace) RootKey(storeKey string) (string, bool) {
	base := n.base()
	if !strings.HasPrefix(storeKey, base) {
		return "", false
	}
	return storeKey[len(base):], true
}

// Pattern returns the scan pattern matching every key of this namespace.
func (n Namespace) Pattern() string {
	return EscapeGlob(n.base()) + "*"
}

// PrefixPattern returns the scan pattern matching every key under prefix.
func PrefixPattern(prefix string) string {
	if prefix == "" {
		return "*"
	}
	return EscapeGlob(prefix+Separator) + "*"
}

// EscapeGlob escapes the scan pattern metacharacters * ? [ ] and \.
func EscapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Orphaned selects the keys under prefix whose scope is neither the global
// scope nor one of active. An active entry retains every scope equal to it or
// starting with it followed by the separator, so a node id also retains its
// "node:flow" scopes. Keys that carry no scope are left alone.
func Orphaned(prefix string, storeKeys []string, active []string) []string {
	base := ""
	if prefix != "" {
		base = prefix + Separator
	}

	keep := make([]string, 0, len(active)+1)
	keep = append(keep, GlobalScope+Separator)
	for _, scope := range active {
		if scope != "" {
			keep = append(keep, scope+Separator)
		}
	}

	var orphans []string
	for _, key := range storeKeys {
		if !strings.HasPrefix(key, base) {
			continue
		}
		rest := key[len(base):]
		if !strings.Contains(rest, Separator) {
			continue
		}
		retained := false
		for _, k := range keep {
			if strings.HasPrefix(rest, k) {
				retained = true
				break
			}
		}
		if !retained {
			orphans = append(orphans, key)
		}
	}
	return orphans
}
