// Package profile discovers database profiles below a set of search
// directories and resolves them into a per-scope, read-only set.
//
// A Scope is configured first (search directories, include and exclude
// filters, an optional parent scope) and resolved exactly once. Profiles
// inherited from the parent scope are imported before the local search so
// that locally discovered definitions override or merge with them.
package profile

import (
	"slices"

	"gopkg.in/yaml.v3"
)

// Origins recorded on a Profile.
const (
	OriginScript  = "script"
	OriginDrivers = "drivers"
	OriginMerged  = "merged"
)

// Profile describes one database test environment.
type Profile struct {
	Name       string      `yaml:"name"`
	Directory  string      `yaml:"directory"`
	Properties Properties  `yaml:"properties"`
	Dependency *Dependency `yaml:"dependency,omitempty"`
	Origin     string      `yaml:"origin"`
}

// Dependency is the set of runtime artifacts a profile contributes to a
// matrix node. The resolution engine never looks inside it.
type Dependency struct {
	Files       []string `yaml:"files,omitempty"`
	Coordinates []string `yaml:"coordinates,omitempty"`
}

// Entries returns the files followed by the coordinates.
func (d *Dependency) Entries() []string {
	if d == nil {
		return nil
	}
	entries := make([]string, 0, len(d.Files)+len(d.Coordinates))
	entries = append(entries, d.Files...)
	return append(entries, d.Coordinates...)
}

// Merge combines two definitions of the same profile. precedence wins the
// identity and, when it has one, the dependency; properties are the union
// with precedence overriding fallback key by key.
func Merge(precedence, fallback Profile) Profile {
	dependency := precedence.Dependency
	if dependency == nil {
		dependency = fallback.Dependency
	}
	return Profile{
		Name:       precedence.Name,
		Directory:  precedence.Directory,
		Properties: fallback.Properties.Merge(precedence.Properties),
		Dependency: dependency,
		Origin:     OriginMerged,
	}
}

// Properties is an ordered string mapping. The zero value is empty and
// every method returning Properties returns a copy.
type Properties struct {
	keys   []string
	values map[string]string
}

// NewProperties builds Properties from alternating key/value arguments.
// A trailing key without value is stored with an empty value.
func NewProperties(pairs ...string) Properties {
	var p Properties
	for i := 0; i < len(pairs); i += 2 {
		value := ""
		if i+1 < len(pairs) {
			value = pairs[i+1]
		}
		p.set(pairs[i], value)
	}
	return p
}

// PropertiesFromMap builds Properties from a map, ordering keys lexically.
func PropertiesFromMap(m map[string]string) Properties {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	var p Properties
	for _, key := range keys {
		p.set(key, m[key])
	}
	return p
}

func (p *Properties) set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

func (p Properties) clone() Properties {
	out := Properties{keys: slices.Clone(p.keys)}
	if p.values != nil {
		out.values = make(map[string]string, len(p.values))
		for key, value := range p.values {
			out.values[key] = value
		}
	}
	return out
}

// Get returns the value stored for key.
func (p Properties) Get(key string) (string, bool) {
	value, ok := p.values[key]
	return value, ok
}

// Len returns the number of keys.
func (p Properties) Len() int {
	return len(p.keys)
}

// Keys returns the keys in insertion order.
func (p Properties) Keys() []string {
	return slices.Clone(p.keys)
}

// Map returns an unordered copy.
func (p Properties) Map() map[string]string {
	out := make(map[string]string, len(p.keys))
	for key, value := range p.values {
		out[key] = value
	}
	return out
}

// Each calls fn for every entry in insertion order.
func (p Properties) Each(fn func(key, value string)) {
	for _, key := range p.keys {
		fn(key, p.values[key])
	}
}

// With returns a copy with key set to value.
func (p Properties) With(key, value string) Properties {
	out := p.clone()
	out.set(key, value)
	return out
}

// Merge returns p overlaid with overlay. Keys already present keep their
// position; new keys are appended in overlay order.
func (p Properties) Merge(overlay Properties) Properties {
	out := p.clone()
	overlay.Each(func(key, value string) {
		out.set(key, value)
	})
	return out
}

// Equal reports whether both mappings hold the same entries, ignoring order.
func (p Properties) Equal(other Properties) bool {
	if p.Len() != other.Len() {
		return false
	}
	for key, value := range p.values {
		if otherValue, ok := other.values[key]; !ok || otherValue != value {
			return false
		}
	}
	return true
}

// MarshalYAML renders the mapping with its keys in insertion order.
func (p Properties) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, key := range p.keys {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p.values[key]},
		)
	}
	return node, nil
}

// UnmarshalYAML reads a mapping preserving document order.
func (p *Properties) UnmarshalYAML(node *yaml.Node) error {
	*p = Properties{}
	if node.Kind != yaml.MappingNode {
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		*p = PropertiesFromMap(m)
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		p.set(node.Content[i].Value, node.Content[i+1].Value)
	}
	return nil
}

// ProfileSet is the resolved, read-only result of a scope.
type ProfileSet struct {
	order  []string
	byName map[string]Profile
}

// NewProfileSet builds a set in the given order. A repeated name replaces
// the earlier profile in place.
func NewProfileSet(profiles ...Profile) ProfileSet {
	s := ProfileSet{byName: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if _, ok := s.byName[p.Name]; !ok {
			s.order = append(s.order, p.Name)
		}
		s.byName[p.Name] = p
	}
	return s
}

func (s ProfileSet) Len() int {
	return len(s.order)
}

// Names returns the profile names in resolution order.
func (s ProfileSet) Names() []string {
	return slices.Clone(s.order)
}

func (s ProfileSet) Get(name string) (Profile, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// List returns the profiles in resolution order.
func (s ProfileSet) List() []Profile {
	out := make([]Profile, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

// ByName returns a copy of the name index.
func (s ProfileSet) ByName() map[string]Profile {
	out := make(map[string]Profile, len(s.byName))
	for name, p := range s.byName {
		out[name] = p
	}
	return out
}
