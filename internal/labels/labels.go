// Package labels provides the canonical serialization of metric label
// sets. The canonical form is what makes two samples belong to the same
// series regardless of the key order the agent happened to emit.
package labels

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Canonical serializes a label map with lexicographically sorted keys.
// An empty or nil map canonicalizes to the empty string.
func Canonical(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

// Hash returns the hex SHA-256 of the canonical form, used for the
// series identity index.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Parse decodes a canonical string back into a label map. The empty
// string parses to an empty map.
func Parse(canonical string) (map[string]string, error) {
	if canonical == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(canonical), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Filter is a disjunction of conjunct maps: a label set matches when at
// least one map in the list has all of its pairs present in the set.
// An empty filter matches everything.
type Filter []map[string]string

func (f Filter) Matches(set map[string]string) bool {
	if len(f) == 0 {
		return true
	}
	for _, conj := range f {
		if matchesAll(set, conj) {
			return true
		}
	}
	return false
}

func matchesAll(set, conj map[string]string) bool {
	for k, want := range conj {
		if got, ok := set[k]; !ok || got != want {
			return false
		}
	}
	return true
}
