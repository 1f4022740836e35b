package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuse_TwoLists(t *testing.T) {
	lists := []List{
		{Label: "semantic", Items: []Ranked{{"n1", 1.0}, {"n2", 0.8}, {"n3", 0.6}}},
		{Label: "lexical", Items: []Ranked{{"n3", 1.1}, {"n2", 1.0}}},
	}

	results := Fuse(lists, WithK(60))
	require.Len(t, results, 3)

	// n3: 1/63 + 1/61, n2: 1/62 + 1/62, n1: 1/61.
	assert.Equal(t, "n3", results[0].ID)
	assert.Equal(t, "n2", results[1].ID)
	assert.Equal(t, "n1", results[2].ID)

	assert.InDelta(t, 1.0/63+1.0/61, results[0].Score, 1e-12)
}

func TestFuse_ContributionsRetained(t *testing.T) {
	lists := []List{
		{Label: "a", Items: []Ranked{{"x", 1}, {"y", 0.5}}},
		{Label: "b", Items: []Ranked{{"y", 2}}},
	}

	results := Fuse(lists)

	var y Result
	for _, r := range results {
		if r.ID == "y" {
			y = r
		}
	}
	require.Len(t, y.Contributions, 2)
	assert.Equal(t, Contribution{Label: "a", Rank: 2}, y.Contributions[0])
	assert.Equal(t, Contribution{Label: "b", Rank: 1}, y.Contributions[1])
}

func TestFuse_DeduplicatesWithinList(t *testing.T) {
	lists := []List{
		{Label: "a", Items: []Ranked{{"x", 1}, {"x", 0.9}, {"y", 0.5}}},
	}

	results := Fuse(lists, WithK(60))
	require.Len(t, results, 2)

	// x keeps rank 1 only; y gets rank 2, not 3.
	assert.InDelta(t, 1.0/61, results[0].Score, 1e-12)
	assert.InDelta(t, 1.0/62, results[1].Score, 1e-12)
}

func TestFuse_StableTieBreak(t *testing.T) {
	lists := []List{
		{Label: "a", Items: []Ranked{{"first", 1}}},
		{Label: "b", Items: []Ranked{{"second", 1}}},
	}

	results := Fuse(lists)
	require.Len(t, results, 2)
	assert.Equal(t, results[0].Score, results[1].Score)
	assert.Equal(t, "first", results[0].ID)
	assert.Equal(t, "second", results[1].ID)
}

func TestFuse_MaxResults(t *testing.T) {
	lists := []List{
		{Label: "a", Items: []Ranked{{"1", 3}, {"2", 2}, {"3", 1}}},
	}

	results := Fuse(lists, WithMaxResults(2))
	assert.Len(t, results, 2)
}

func TestFuse_Empty(t *testing.T) {
	assert.Empty(t, Fuse(nil))
}
