package document

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// GroupKey is a namespaced identifier such as "group/owner". The namespace
// and name are kept as separate fields so the key survives serialization
// round-trips without string re-parsing at every comparison site.
type GroupKey struct {
	Namespace string
	Name      string
}

// Well-known keys the validator requires in every document.
var (
	OwnerGroup = GroupKey{Namespace: "group", Name: "owner"}
	BotGroup   = GroupKey{Namespace: "group", Name: "bot"}
)

// ParseGroupKey parses the canonical "namespace/name" form.
func ParseGroupKey(s string) (GroupKey, error) {
	ns, name, ok := strings.Cut(s, "/")
	if !ok || ns == "" || name == "" {
		return GroupKey{}, fmt.Errorf("group key %q is not of the form namespace/name", s)
	}
	return GroupKey{Namespace: ns, Name: name}, nil
}

// String returns the canonical "namespace/name" form.
func (k GroupKey) String() string {
	return k.Namespace + "/" + k.Name
}

// IsZero reports whether the key is the zero value.
func (k GroupKey) IsZero() bool {
	return k.Namespace == "" && k.Name == ""
}

// MarshalYAML serializes the key as a plain scalar ("group/owner").
func (k GroupKey) MarshalYAML() (any, error) {
	return k.String(), nil
}

// UnmarshalYAML parses the scalar form.
func (k *GroupKey) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseGroupKey(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// KeySet is a set of group keys. It serializes as a sorted sequence so the
// canonical document form is stable regardless of insertion order.
type KeySet map[GroupKey]struct{}

// NewKeySet builds a set from the given keys.
func NewKeySet(keys ...GroupKey) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Contains reports whether k is in the set.
func (s KeySet) Contains(k GroupKey) bool {
	_, ok := s[k]
	return ok
}

// Intersects reports whether the two sets share at least one key.
func (s KeySet) Intersects(other KeySet) bool {
	for k := range s {
		if other.Contains(k) {
			return true
		}
	}
	return false
}

// With returns a copy of the set with k added.
func (s KeySet) With(k GroupKey) KeySet {
	out := make(KeySet, len(s)+1)
	for key := range s {
		out[key] = struct{}{}
	}
	out[k] = struct{}{}
	return out
}

// Sorted returns the keys in canonical-string order.
func (s KeySet) Sorted() []GroupKey {
	keys := make([]GroupKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Clone returns an independent copy of the set.
func (s KeySet) Clone() KeySet {
	out := make(KeySet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// MarshalYAML emits the set as a sorted flow sequence.
func (s KeySet) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, k := range s.Sorted() {
		node.Content = append(node.Content, &yaml.Node{
			Kind:  yaml.ScalarNode,
			Value: k.String(),
		})
	}
	return node, nil
}

// UnmarshalYAML reads a sequence of scalar keys, dropping duplicates.
func (s *KeySet) UnmarshalYAML(node *yaml.Node) error {
	var raw []GroupKey
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*s = NewKeySet(raw...)
	return nil
}

// GroupMap maps group keys to their human-readable labels. It marshals as a
// mapping sorted by canonical key so the serialized form is deterministic.
type GroupMap map[GroupKey]string

// MarshalYAML emits the mapping with keys in canonical-string order.
func (m GroupMap) MarshalYAML() (any, error) {
	keys := make([]GroupKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k.String()},
			&yaml.Node{Kind: yaml.ScalarNode, Value: m[k]},
		)
	}
	return node, nil
}

// UnmarshalYAML reads the mapping, parsing each key's namespaced form.
func (m *GroupMap) UnmarshalYAML(node *yaml.Node) error {
	raw := make(map[string]string)
	if err := node.Decode(&raw); err != nil {
		return err
	}
	out := make(GroupMap, len(raw))
	for k, label := range raw {
		key, err := ParseGroupKey(k)
		if err != nil {
			return err
		}
		out[key] = label
	}
	*m = out
	return nil
}

// StringSet is a set of plain identifiers (user-ids, room-ids) with the same
// sorted-sequence serialization as KeySet.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given values.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Contains reports whether v is in the set.
func (s StringSet) Contains(v string) bool {
	_, ok := s[v]
	return ok
}

// Sorted returns the values in lexical order.
func (s StringSet) Sorted() []string {
	values := make([]string, 0, len(s))
	for v := range s {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// Clone returns an independent copy of the set.
func (s StringSet) Clone() StringSet {
	out := make(StringSet, len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}

// MarshalYAML emits the set as a sorted flow sequence.
func (s StringSet) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, v := range s.Sorted() {
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: v})
	}
	return node, nil
}

// UnmarshalYAML reads a sequence of scalars, dropping duplicates.
func (s *StringSet) UnmarshalYAML(node *yaml.Node) error {
	var raw []string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*s = NewStringSet(raw...)
	return nil
}
