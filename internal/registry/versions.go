package registry

import (
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Versions is the set of versions the registry lists for one gem.
type Versions struct {
	list []string
}

// NewVersions returns a set holding vs, deduplicated.
func NewVersions(vs ...string) Versions {
	seen := make(map[string]bool, len(vs))
	out := make([]string, 0, len(vs))

	for _, v := range vs {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}

		seen[v] = true
		out = append(out, v)
	}

	return Versions{list: out}
}

// Has reports whether version is listed verbatim. The registry compares
// version strings as they were built, so "1.0" and "1.0.0" are distinct.
func (v Versions) Has(version string) bool {
	for _, have := range v.list {
		if have == version {
			return true
		}
	}

	return false
}

// Len returns the number of listed versions.
func (v Versions) Len() int { return len(v.list) }

// Empty reports whether nothing is listed.
func (v Versions) Empty() bool { return len(v.list) == 0 }

// List returns the versions newest first. Versions that do not parse as
// semantic versions sort after those that do, in lexical order.
func (v Versions) List() []string {
	out := append([]string(nil), v.list...)

	sort.SliceStable(out, func(i, j int) bool {
		a, aErr := semver.NewVersion(out[i])
		b, bErr := semver.NewVersion(out[j])

		switch {
		case aErr == nil && bErr == nil:
			return a.GreaterThan(b)
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		default:
			return out[i] < out[j]
		}
	})

	return out
}

func (v Versions) String() string {
	return strings.Join(v.List(), ", ")
}

// ParseList extracts the versions of name from `gem list -r` output, which
// looks like:
//
//	*** REMOTE GEMS ***
//
//	widget (1.1.0, 1.0.0 ruby java)
//
// A name that is not listed yields an empty set.
func ParseList(output, name string) Versions {
	prefix := name + " ("

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, ")") {
			continue
		}

		inner := strings.TrimSuffix(strings.TrimPrefix(line, prefix), ")")

		var vs []string

		for _, entry := range strings.Split(inner, ",") {
			entry = strings.TrimPrefix(strings.TrimSpace(entry), "default: ")

			// Drop platform suffixes such as "ruby java".
			if fields := strings.Fields(entry); len(fields) > 0 {
				vs = append(vs, fields[0])
			}
		}

		return NewVersions(vs...)
	}

	return Versions{}
}
