// Package tagfilter implements C1: compiling a user tag filter into a pure
// boolean predicate plus a projected-key set (spec.md §4.1). Filter specs are
// modeled as a tagged variant per the design notes ("polymorphic filter
// nodes"): {Present, Absent, Equals, AnyOf, Wildcard}.
package tagfilter

import (
	"sort"
	"strings"

	"github.com/MeKo-Tech/osm2gpq/internal/entity"
	"github.com/MeKo-Tech/osm2gpq/internal/errs"
)

// SpecKind is the tagged-variant discriminator for a value_spec (spec.md §4.1).
type SpecKind uint8

const (
	Present SpecKind = iota // TRUE: key present, any value
	Absent                  // FALSE: key absent
	Equals                  // STRING: exact equal
	AnyOf                   // LIST: any exact equal
	Wildcard                // WILDCARD_STRING: "*" glob on the value
)

// ValueSpec is one polymorphic filter node.
type ValueSpec struct {
	Kind    SpecKind
	Value   string
	Values  []string
	Pattern string
}

func IsPresent() ValueSpec          { return ValueSpec{Kind: Present} }
func IsAbsent() ValueSpec           { return ValueSpec{Kind: Absent} }
func Eq(v string) ValueSpec         { return ValueSpec{Kind: Equals, Value: v} }
func In(vs ...string) ValueSpec     { return ValueSpec{Kind: AnyOf, Values: vs} }
func Glob(pattern string) ValueSpec { return ValueSpec{Kind: Wildcard, Pattern: pattern} }

func (s ValueSpec) positive() bool { return s.Kind != Absent }

func (s ValueSpec) matchesValue(v string) bool {
	switch s.Kind {
	case Present, Absent:
		return true
	case Equals:
		return v == s.Value
	case AnyOf:
		for _, want := range s.Values {
			if v == want {
				return true
			}
		}
		return false
	case Wildcard:
		return globMatch(s.Pattern, v)
	default:
		return false
	}
}

// Filter is an unordered key-pattern -> value-spec mapping; a flat (ungrouped)
// tag filter as described in spec.md §4.1.
type Filter map[string]ValueSpec

// Grouped labels each matching feature with the group whose inner filter
// matched first (by sorted group name, for determinism).
type Grouped map[string]Filter

// Universe is the read-only snapshot of observed keys/values scanned once
// before wildcard compilation starts (§5, "Shared resources": "the tag
// universe ... is a read-only snapshot captured in C1 before any worker
// starts").
type Universe struct {
	Keys   map[string]struct{}
	Values map[string]map[string]struct{}
}

// NewUniverse builds an empty universe to be populated by Observe.
func NewUniverse() *Universe {
	return &Universe{Keys: map[string]struct{}{}, Values: map[string]map[string]struct{}{}}
}

// Observe records one tag map's keys/values into the universe. Safe to call
// repeatedly during a single-pass scan; not safe for concurrent writers
// without external synchronization (the scan itself is single-threaded by
// design, §5).
func (u *Universe) Observe(tags entity.Tags) {
	for k, v := range tags {
		u.Keys[k] = struct{}{}
		vs, ok := u.Values[k]
		if !ok {
			vs = map[string]struct{}{}
			u.Values[k] = vs
		}
		vs[v] = struct{}{}
	}
}

// concreteEntry is one expanded (concrete key, spec) pair.
type concreteEntry struct {
	key  string
	spec ValueSpec
}

// Predicate is the compiled, read-only output of Compile: a pure function
// plus its projection-key set.
type Predicate struct {
	positive map[string][]ValueSpec // concrete key -> specs (OR'd)
	negative map[string]struct{}    // concrete key -> present (FALSE)
	grouped  bool
	groups   []groupPredicate // sorted by name, only set when grouped
}

type groupPredicate struct {
	name     string
	positive map[string][]ValueSpec
	negative map[string]struct{}
}

// Compile expands wildcard key patterns against universe, detects
// FilterConflict (a concrete key matched by both a positive and a negative
// spec), and returns a pure Predicate.
func Compile(f Filter, universe *Universe) (*Predicate, error) {
	pos, neg, err := compileFlat(f, universe)
	if err != nil {
		return nil, err
	}
	return &Predicate{positive: pos, negative: neg}, nil
}

// CompileGrouped compiles a grouped filter, checking conflicts across groups
// as well as within each group (spec.md §4.1: "including cross-group in
// grouped filters").
func CompileGrouped(g Grouped, universe *Universe) (*Predicate, error) {
	names := make([]string, 0, len(g))
	for name := range g {
		names = append(names, name)
	}
	sort.Strings(names)

	globalPolarity := map[string]bool{} // concrete key -> positive?
	groups := make([]groupPredicate, 0, len(names))

	for _, name := range names {
		pos, neg, err := compileFlat(g[name], universe)
		if err != nil {
			return nil, err
		}
		for k := range pos {
			if existing, ok := globalPolarity[k]; ok && existing != true {
				return nil, conflictErr(k)
			}
			globalPolarity[k] = true
		}
		for k := range neg {
			if existing, ok := globalPolarity[k]; ok && existing != false {
				return nil, conflictErr(k)
			}
			globalPolarity[k] = false
		}
		groups = append(groups, groupPredicate{name: name, positive: pos, negative: neg})
	}

	return &Predicate{grouped: true, groups: groups}, nil
}

func compileFlat(f Filter, universe *Universe) (map[string][]ValueSpec, map[string]struct{}, error) {
	var entries []concreteEntry
	for keyPattern, spec := range f {
		for _, key := range expandKey(keyPattern, universe) {
			entries = append(entries, concreteEntry{key: key, spec: spec})
		}
	}

	pos := map[string][]ValueSpec{}
	neg := map[string]struct{}{}
	polarity := map[string]bool{}

	for _, e := range entries {
		isPos := e.spec.positive()
		if existing, ok := polarity[e.key]; ok && existing != isPos {
			return nil, nil, conflictErr(e.key)
		}
		polarity[e.key] = isPos
		if isPos {
			pos[e.key] = append(pos[e.key], e.spec)
		} else {
			neg[e.key] = struct{}{}
		}
	}
	return pos, neg, nil
}

func conflictErr(key string) error {
	return errs.New(errs.FilterConflict, "tagfilter",
		"concrete key '"+key+"' matched by both a positive and a negative tag spec")
}

// expandKey returns the concrete key(s) a (possibly wildcarded) key pattern
// resolves to. A non-wildcard pattern resolves to itself even if absent from
// the universe (it simply never matches any observed feature).
func expandKey(pattern string, universe *Universe) []string {
	if !strings.Contains(pattern, "*") {
		return []string{pattern}
	}
	var out []string
	for k := range universe.Keys {
		if globMatch(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// globMatch implements "*" wildcard matching (may appear at either end or
// middle, possibly more than once), per spec.md §4.1.
func globMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}

	idx := 0
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	idx = len(parts[0])

	for i := 1; i < len(parts)-1; i++ {
		p := parts[i]
		if p == "" {
			continue
		}
		j := strings.Index(s[idx:], p)
		if j < 0 {
			return false
		}
		idx += j + len(p)
	}

	last := parts[len(parts)-1]
	if last == "" {
		return true
	}
	return strings.HasSuffix(s, last) && len(s)-len(last) >= idx
}

// Matches implements spec.md §4.1's pass rule:
//
//	(P empty OR positive disjunction) AND (N empty OR negative conjunction)
//
// For grouped predicates, a feature passes iff at least one group's inner
// filter passes; the matched group (sorted-first on ties) is returned.
func (p *Predicate) Matches(tags entity.Tags) (pass bool, group string) {
	if p.grouped {
		for _, g := range p.groups {
			if matchesFlat(g.positive, g.negative, tags) {
				return true, g.name
			}
		}
		return false, ""
	}
	return matchesFlat(p.positive, p.negative, tags), ""
}

func matchesFlat(positive map[string][]ValueSpec, negative map[string]struct{}, tags entity.Tags) bool {
	if len(positive) > 0 {
		matched := false
		for k, specs := range positive {
			v, ok := tags[k]
			if !ok {
				continue
			}
			for _, spec := range specs {
				if spec.matchesValue(v) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			return false
		}
	}
	for k := range negative {
		if _, ok := tags[k]; ok {
			return false
		}
	}
	return true
}

// ProjectionKeys returns the exploded-mode output columns: for a flat
// predicate, the sorted union of concrete keys after wildcard expansion; for
// a grouped predicate, the sorted group names (spec.md §4.1).
func (p *Predicate) ProjectionKeys() []string {
	if p.grouped {
		names := make([]string, len(p.groups))
		for i, g := range p.groups {
			names[i] = g.name
		}
		return names
	}
	seen := map[string]struct{}{}
	for k := range p.positive {
		seen[k] = struct{}{}
	}
	for k := range p.negative {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CellValue returns the projected value for one output column (a concrete
// key in flat mode, a group name in grouped mode): the tag's own value in
// flat mode, or the first matching tag value within that group in grouped
// mode (spec.md §4.1, "each cell is the first matching tag value per group").
func (p *Predicate) CellValue(column string, tags entity.Tags) (string, bool) {
	if !p.grouped {
		v, ok := tags[column]
		return v, ok
	}
	for _, g := range p.groups {
		if g.name != column {
			continue
		}
		keys := make([]string, 0, len(g.positive))
		for k := range g.positive {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v, ok := tags[k]; ok {
				for _, spec := range g.positive[k] {
					if spec.matchesValue(v) {
						return v, true
					}
				}
			}
		}
		return "", false
	}
	return "", false
}
