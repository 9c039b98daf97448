// Package entity defines the node/way/relation record shapes the core
// operates on (spec.md §3, Data Model) and the reconstructed feature row
// shape written to the final GeoParquet output. These are intentionally
// decoupled from github.com/paulmach/osm's types: the core never imports the
// PBF decoder's package directly, only the entitysource adapter does, so the
// join/assembly stages stay decoder-agnostic (design notes, "cyclic
// references" / "lazy sequences").
package entity

import (
	"encoding/json"

	"github.com/paulmach/orb"
)

// MemberKind enumerates the three OSM entity kinds a relation member may
// reference.
type MemberKind uint8

const (
	MemberNode MemberKind = iota
	MemberWay
	MemberRelation
)

// Tags is a mapping string->string with unique keys, serialized with keys in
// lexicographic order (design notes, "dynamically-typed tag maps").
type Tags map[string]string

// Clone returns an independent copy; OSM tag maps are small so a full copy is
// cheap and avoids accidental aliasing across groups.
func (t Tags) Clone() Tags {
	if t == nil {
		return nil
	}
	c := make(Tags, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}

// Marshal serializes tags deterministically for shard storage; encoding/json
// sorts map keys alphabetically, which is sufficient here since the only
// requirement is a stable byte representation for a given tag set, not a
// human-oriented format (design notes, "dynamically-typed tag maps").
func (t Tags) Marshal() ([]byte, error) {
	if len(t) == 0 {
		return nil, nil
	}
	return json.Marshal(t)
}

// UnmarshalTags is the inverse of Marshal; a nil/empty blob decodes to nil tags.
func UnmarshalTags(blob []byte) (Tags, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var t Tags
	if err := json.Unmarshal(blob, &t); err != nil {
		return nil, err
	}
	return t, nil
}

// Node is an OSM node record (spec.md §3).
type Node struct {
	ID   uint64
	Lon  float64
	Lat  float64
	Tags Tags
}

// Way is an OSM way record (spec.md §3). Refs is the ordered node-ref list.
type Way struct {
	ID   uint64
	Refs []uint64
	Tags Tags
}

// Closed reports whether the way's ref sequence is a closed ring candidate:
// first == last and at least 4 refs (spec.md §3).
func (w Way) Closed() bool {
	return len(w.Refs) >= 4 && w.Refs[0] == w.Refs[len(w.Refs)-1]
}

// Member is one element of a relation's ordered member list.
type Member struct {
	Kind MemberKind
	Ref  uint64
	Role string
}

// Relation is an OSM relation record (spec.md §3).
type Relation struct {
	ID      uint64
	Members []Member
	Tags    Tags
}

// IsMultipolygonLike reports whether the relation's type tag makes it
// eligible for geometric assembly in this core (spec.md §4.5): only
// type=multipolygon or type=boundary relations are assembled.
func (r Relation) IsMultipolygonLike() bool {
	t := r.Tags["type"]
	return t == "multipolygon" || t == "boundary"
}

// Kind enumerates the feature_id prefix / constituent OSM entity kind.
type Kind uint8

const (
	KindNode Kind = iota
	KindWay
	KindRelation
)

func (k Kind) prefix() string {
	switch k {
	case KindNode:
		return "node"
	case KindWay:
		return "way"
	case KindRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// FeatureID formats the globally-unique output identifier, e.g. "way/10".
func FeatureID(kind Kind, id uint64) string {
	return kind.prefix() + "/" + uitoa(id)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Feature is a reconstructed output row (spec.md §3, "Feature row (output)").
type Feature struct {
	FeatureID string
	Kind      Kind
	SourceID  uint64
	Geometry  orb.Geometry
	Tags      Tags
	// Group is set only for grouped tag filters (spec.md §4.1); empty otherwise.
	Group string
}
