package telemetry

import "sort"

// TargetSet is a set of delivery-target labels (one label per configured
// broker role, e.g. "primary").
//
// A nil TargetSet used as a filter means "every target".
type TargetSet map[string]struct{}

// NewTargetSet builds a set from the given labels, ignoring empty strings.
func NewTargetSet(labels ...string) TargetSet {
	s := make(TargetSet, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		s[l] = struct{}{}
	}
	return s
}

// Contains reports whether label is in the set.
func (s TargetSet) Contains(label string) bool {
	_, ok := s[label]
	return ok
}

// Len returns the number of labels in the set.
func (s TargetSet) Len() int {
	return len(s)
}

// Labels returns the labels in ascending order.
func (s TargetSet) Labels() []string {
	out := make([]string, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Pending returns the labels of s whose result is not true.
// A label missing from results counts as failed.
func (s TargetSet) Pending(results map[string]bool) TargetSet {
	out := make(TargetSet)
	for l := range s {
		if !results[l] {
			out[l] = struct{}{}
		}
	}
	return out
}
