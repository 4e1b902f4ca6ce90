package attribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterData_Validate(t *testing.T) {
	assert.NoError(t, FilterData{"product": {"shoes"}}.Validate())
	assert.NoError(t, FilterData(nil).Validate())
	assert.Error(t, FilterData{FilterDataSourceTypeKey: {"navigation"}}.Validate())
}

func TestFilterPair_Matches(t *testing.T) {
	source := FilterData{
		"product": {"shoes", "hats"},
		"geo":     {"us"},
		"empty":   {},
	}

	tests := []struct {
		name string
		pair FilterPair
		want bool
	}{
		{"empty pair", FilterPair{}, true},
		{"positive intersects", FilterPair{Positive: FilterData{"product": {"shoes"}}}, true},
		{"positive disjoint", FilterPair{Positive: FilterData{"product": {"bags"}}}, false},
		{"positive key absent ignored", FilterPair{Positive: FilterData{"color": {"red"}}}, true},
		{"negative intersects", FilterPair{Negative: FilterData{"geo": {"us"}}}, false},
		{"negative disjoint", FilterPair{Negative: FilterData{"geo": {"de"}}}, true},
		{"negative key absent ignored", FilterPair{Negative: FilterData{"color": {"red"}}}, true},
		{"both empty lists intersect", FilterPair{Positive: FilterData{"empty": {}}}, true},
		{"one empty list does not", FilterPair{Positive: FilterData{"geo": {}}}, false},
		{
			"positive and negative together",
			FilterPair{
				Positive: FilterData{"product": {"hats"}},
				Negative: FilterData{"geo": {"us"}},
			},
			false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.pair.Matches(source, SourceTypeNavigation))
		})
	}
}

func TestFilterPair_SourceTypeDerived(t *testing.T) {
	pair := FilterPair{Positive: FilterData{FilterDataSourceTypeKey: {"navigation"}}}
	assert.True(t, pair.Matches(nil, SourceTypeNavigation))
	assert.False(t, pair.Matches(nil, SourceTypeEvent))

	neg := FilterPair{Negative: FilterData{FilterDataSourceTypeKey: {"event"}}}
	assert.True(t, neg.Matches(nil, SourceTypeNavigation))
	assert.False(t, neg.Matches(nil, SourceTypeEvent))
}

func TestFilterPair_IsEmpty(t *testing.T) {
	assert.True(t, FilterPair{}.IsEmpty())
	assert.False(t, FilterPair{Positive: FilterData{"a": {"b"}}}.IsEmpty())
	assert.False(t, FilterPair{Negative: FilterData{"a": {"b"}}}.IsEmpty())
}
