package waystage

import "github.com/MeKo-Tech/osm2gpq/internal/entity"

// KeyRule is one area-yes whitelist entry: Include/Exclude are optional
// per-key value lists (spec.md §4.4). An empty Include means "any value
// qualifies except those in Exclude".
type KeyRule struct {
	Include []string
	Exclude []string
}

func (r KeyRule) allows(v string) bool {
	for _, excluded := range r.Exclude {
		if v == excluded {
			return false
		}
	}
	if len(r.Include) == 0 {
		return true
	}
	for _, included := range r.Include {
		if v == included {
			return true
		}
	}
	return false
}

// PolygonPolicy is the way polygon-classification policy (spec.md §4.4): a
// baseline whitelist of area-yes keys, plus the explicit area=yes/area=no
// override. The policy is the sole arbiter of polygon-vs-linestring; no
// inference is drawn from the ring geometry itself.
type PolygonPolicy struct {
	Whitelist map[string]KeyRule
}

// DefaultPolygonPolicy is a representative area-yes whitelist covering the
// common OSM polygon-tagging conventions named in spec.md §4.4.
func DefaultPolygonPolicy() PolygonPolicy {
	return PolygonPolicy{Whitelist: map[string]KeyRule{
		"building": {},
		"landuse":  {},
		"leisure":  {},
		"amenity":  {},
		"natural":  {Exclude: []string{"coastline", "tree_row", "ridge", "arete"}},
		"water":    {},
		"place":    {Include: []string{"square"}},
		"man_made": {Include: []string{"bridge", "pier"}},
		"aeroway":  {Include: []string{"aerodrome", "apron", "helipad"}},
		"power":    {Include: []string{"plant", "substation"}},
		"waterway": {Include: []string{"riverbank", "dock"}},
		"shop":     {},
		"tourism":  {Exclude: []string{"artwork", "information", "viewpoint"}},
		"historic": {},
		"military": {},
		"boundary": {Include: []string{"administrative", "protected_area", "national_park"}},
	}}
}

// Accepts reports whether a closed way's tags classify it as a polygon
// (spec.md §4.4): the explicit area=yes/no override wins over the
// whitelist; deterministic and case-sensitive on keys.
func (p PolygonPolicy) Accepts(tags entity.Tags) bool {
	if area, ok := tags["area"]; ok {
		switch area {
		case "yes":
			return true
		case "no":
			return false
		}
	}
	for key, rule := range p.Whitelist {
		if v, ok := tags[key]; ok && rule.allows(v) {
			return true
		}
	}
	return false
}
