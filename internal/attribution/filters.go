package attribution

import "fmt"

// FilterDataSourceTypeKey is reserved: its value is always derived from
// the source's type during matching and may not appear in registered
// filter data.
const FilterDataSourceTypeKey = "source_type"

// FilterData is the source-side tag set: named, multi-valued strings a
// trigger can predicate on.
type FilterData map[string][]string

// Validate rejects filter data that tries to set the reserved
// source_type key. Registration-time check; stored filter data is
// assumed valid.
func (f FilterData) Validate() error {
	if _, ok := f[FilterDataSourceTypeKey]; ok {
		return fmt.Errorf("filter data must not contain reserved key %q", FilterDataSourceTypeKey)
	}
	return nil
}

// withSourceType returns a copy of f with the derived source_type entry
// added. The copy keeps the original map untouched; stored filter data
// never contains the reserved key.
func (f FilterData) withSourceType(st SourceType) FilterData {
	out := make(FilterData, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[FilterDataSourceTypeKey] = []string{string(st)}
	return out
}

// FilterPair is a trigger-side predicate over source filter data:
// positive filters require a non-empty value intersection, negative
// filters require an empty one. Keys absent from the source's filter
// data are ignored on both sides.
type FilterPair struct {
	Positive FilterData
	Negative FilterData
}

// IsEmpty reports whether the pair constrains nothing.
func (p FilterPair) IsEmpty() bool {
	return len(p.Positive) == 0 && len(p.Negative) == 0
}

// Matches evaluates the pair against a source's filter data, with the
// reserved source_type value derived from st.
func (p FilterPair) Matches(source FilterData, st SourceType) bool {
	data := source.withSourceType(st)
	for key, want := range p.Positive {
		have, ok := data[key]
		if !ok {
			continue
		}
		if !valuesIntersect(want, have) {
			return false
		}
	}
	for key, want := range p.Negative {
		have, ok := data[key]
		if !ok {
			continue
		}
		if valuesIntersect(want, have) {
			return false
		}
	}
	return true
}

// valuesIntersect implements the filter value rule: two empty lists
// intersect, one empty list and one non-empty list do not, and two
// non-empty lists intersect when they share at least one value.
func valuesIntersect(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}
