package tagfilter

import (
	"testing"

	"github.com/MeKo-Tech/osm2gpq/internal/entity"
	"github.com/MeKo-Tech/osm2gpq/internal/errs"
)

func universeFrom(tagsets ...entity.Tags) *Universe {
	u := NewUniverse()
	for _, t := range tagsets {
		u.Observe(t)
	}
	return u
}

func TestCompile_PositiveDisjunction(t *testing.T) {
	u := universeFrom(entity.Tags{"natural": "water"}, entity.Tags{"waterway": "river"})
	f := Filter{"natural": Eq("water"), "waterway": Eq("river")}

	p, err := Compile(f, u)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	pass, _ := p.Matches(entity.Tags{"waterway": "river"})
	if !pass {
		t.Fatal("expected waterway=river to pass positive disjunction")
	}

	pass, _ = p.Matches(entity.Tags{"highway": "residential"})
	if pass {
		t.Fatal("expected unrelated tags to fail")
	}
}

func TestCompile_NegativeConjunction(t *testing.T) {
	u := universeFrom(entity.Tags{"building": "yes", "demolished": "yes"})
	f := Filter{"demolished": IsAbsent()}

	p, err := Compile(f, u)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	pass, _ := p.Matches(entity.Tags{"building": "yes"})
	if !pass {
		t.Fatal("expected feature without 'demolished' to pass")
	}

	pass, _ = p.Matches(entity.Tags{"building": "yes", "demolished": "yes"})
	if pass {
		t.Fatal("expected feature with 'demolished' present to fail")
	}
}

func TestCompile_WildcardKeyExpansion(t *testing.T) {
	u := universeFrom(entity.Tags{"addr:city": "x"}, entity.Tags{"addr:street": "y"}, entity.Tags{"name": "z"})
	f := Filter{"addr:*": IsPresent()}

	p, err := Compile(f, u)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	pass, _ := p.Matches(entity.Tags{"addr:city": "Berlin"})
	if !pass {
		t.Fatal("expected addr:city to satisfy addr:* present filter")
	}

	pass, _ = p.Matches(entity.Tags{"name": "Berlin"})
	if pass {
		t.Fatal("expected name-only tags to fail addr:* filter")
	}
}

func TestCompile_WildcardValue(t *testing.T) {
	u := universeFrom(entity.Tags{"name": "Cafe Berlin"})
	f := Filter{"name": Glob("Cafe*")}

	p, err := Compile(f, u)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	pass, _ := p.Matches(entity.Tags{"name": "Cafe Berlin"})
	if !pass {
		t.Fatal("expected glob match")
	}
	pass, _ = p.Matches(entity.Tags{"name": "Berlin Cafe"})
	if pass {
		t.Fatal("expected glob mismatch to fail (pattern anchored at prefix)")
	}
}

func TestCompile_FilterConflict(t *testing.T) {
	u := universeFrom(entity.Tags{"highway": "residential"})

	single := Filter{"highway": IsPresent()}
	if _, err := Compile(single, u); err != nil {
		t.Fatalf("unexpected conflict on single-entry filter: %v", err)
	}

	g := Grouped{
		"a": {"highway": IsPresent()},
		"b": {"highway": IsAbsent()},
	}
	_, err := CompileGrouped(g, u)
	if err == nil {
		t.Fatal("expected FilterConflict across groups")
	}
	if !errs.Is(err, errs.FilterConflict) {
		t.Fatalf("expected FilterConflict kind, got %v", err)
	}
}

func TestCompileGrouped_FirstMatchAndProjection(t *testing.T) {
	u := universeFrom(entity.Tags{"natural": "water"}, entity.Tags{"waterway": "river"})
	g := Grouped{
		"lake":  {"natural": Eq("water")},
		"river": {"waterway": Eq("river")},
	}

	p, err := CompileGrouped(g, u)
	if err != nil {
		t.Fatalf("CompileGrouped: %v", err)
	}

	pass, group := p.Matches(entity.Tags{"waterway": "river"})
	if !pass || group != "river" {
		t.Fatalf("expected group=river, got pass=%v group=%q", pass, group)
	}

	cols := p.ProjectionKeys()
	if len(cols) != 2 || cols[0] != "lake" || cols[1] != "river" {
		t.Fatalf("unexpected projection columns: %v", cols)
	}

	v, ok := p.CellValue("river", entity.Tags{"waterway": "river"})
	if !ok || v != "river" {
		t.Fatalf("expected CellValue river=river, got %q %v", v, ok)
	}
}

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"addr:*", "addr:city", true},
		{"addr:*", "name", false},
		{"*:name", "addr:name", true},
		{"*water*", "waterway", true},
		{"*water*", "highway", false},
		{"exact", "exact", true},
		{"exact", "exactish", false},
	}
	for _, c := range cases {
		if got := globMatch(c.pattern, c.s); got != c.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", c.pattern, c.s, got, c.want)
		}
	}
}
