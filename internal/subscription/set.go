package subscription

import (
	"encoding/json"
	"sort"
)

// Set is a user's opted-in categories. The zero value is the empty set, which
// means "notify for nothing".
type Set struct {
	items map[string]struct{}
}

func NewSet(labels ...string) Set {
	s := Set{items: make(map[string]struct{}, len(labels))}
	for _, l := range labels {
		s.items[l] = struct{}{}
	}
	return s
}

func (s Set) Has(label string) bool {
	_, ok := s.items[label]
	return ok
}

func (s Set) Len() int { return len(s.items) }

func (s Set) IsEmpty() bool { return len(s.items) == 0 }

// Labels returns the members sorted.
func (s Set) Labels() []string {
	out := make([]string, 0, len(s.items))
	for l := range s.items {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Toggle returns a copy with label flipped.
func (s Set) Toggle(label string) Set {
	next := s.Clone()
	if next.Has(label) {
		delete(next.items, label)
	} else {
		next.items[label] = struct{}{}
	}
	return next
}

func (s Set) Clone() Set {
	return NewSet(s.Labels()...)
}

func (s Set) Equal(other Set) bool {
	if s.Len() != other.Len() {
		return false
	}
	for l := range s.items {
		if !other.Has(l) {
			return false
		}
	}
	return true
}

func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Labels())
}

func (s *Set) UnmarshalJSON(data []byte) error {
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return err
	}
	*s = NewSet(labels...)
	return nil
}
