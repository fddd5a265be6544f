// Package auth validates caller-presented API keys.
package auth

import (
	"crypto/subtle"
	"strings"
)

// Authorizer is a pure predicate over an opaque access key.
type Authorizer interface {
	IsValid(key string) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(key string) bool

func (f AuthorizerFunc) IsValid(key string) bool { return f(key) }

// AllowAll accepts every key, including the empty one. It is used when no
// keys are configured.
var AllowAll Authorizer = AuthorizerFunc(func(string) bool { return true })

// StaticKeys accepts keys from a fixed set.
type StaticKeys struct {
	keys [][]byte
}

// NewStaticKeys builds a StaticKeys authorizer. Blank entries are ignored.
func NewStaticKeys(keys []string) *StaticKeys {
	s := &StaticKeys{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		s.keys = append(s.keys, []byte(k))
	}
	return s
}

// Len returns the number of configured keys.
func (s *StaticKeys) Len() int {
	return len(s.keys)
}

// IsValid compares key against every configured key in constant time.
func (s *StaticKeys) IsValid(key string) bool {
	if key == "" {
		return false
	}
	candidate := []byte(key)
	valid := 0
	for _, k := range s.keys {
		valid |= subtle.ConstantTimeCompare(candidate, k)
	}
	return valid == 1
}

// FromKeys returns AllowAll when keys is empty and a StaticKeys otherwise.
func FromKeys(keys []string) Authorizer {
	s := NewStaticKeys(keys)
	if s.Len() == 0 {
		return AllowAll
	}
	return s
}
