package querycache

import "strings"

// Key identifies a cached query. A Key with an empty Param is a prefix that
// matches every key of its Kind.
type Key struct {
	Kind  string
	Param string
}

// Prefix returns the prefix key for kind.
func Prefix(kind string) Key {
	return Key{Kind: kind}
}

// IsPrefix reports whether k has no Param.
func (k Key) IsPrefix() bool {
	return k.Param == ""
}

// Matches reports whether other falls under k. A full key only matches
// itself.
func (k Key) Matches(other Key) bool {
	if k.Kind != other.Kind {
		return false
	}
	return k.IsPrefix() || k.Param == other.Param
}

// String renders the key as kind/param.
func (k Key) String() string {
	if k.IsPrefix() {
		return k.Kind
	}
	return k.Kind + "/" + k.Param
}

// ParseKey is the inverse of String.
func ParseKey(s string) Key {
	kind, param, _ := strings.Cut(s, "/")
	return Key{Kind: kind, Param: param}
}
