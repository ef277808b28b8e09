package diff_test

import (
	"testing"

	"github.com/rpggio/accord/internal/domain/diff"
	"github.com/rpggio/accord/internal/domain/ot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHunks_RebuildTarget(t *testing.T) {
	cases := [][2]string{
		{"", "hello"},
		{"hello", ""},
		{"the quick brown fox", "the slow brown dog"},
		{"naïve café", "naïve cafés are nice"},
		{"same", "same"},
	}
	for _, c := range cases {
		base, target := c[0], c[1]
		var ops []ot.Operation
		hunks := diff.Hunks(base, target)
		// Apply back to front so earlier positions stay valid.
		for i := len(hunks) - 1; i >= 0; i-- {
			ops = append(ops, hunks[i].Operation("u"))
		}
		got, err := ot.ApplyAll(base, ops)
		require.NoError(t, err)
		assert.Equal(t, target, got, "base=%q", base)
	}
}

func TestRegions_RenderEachSide(t *testing.T) {
	cases := []struct{ base, a, b string }{
		{"alpha beta gamma", "alpha BETA gamma", "alpha beta GAMMA"},
		{"alpha beta gamma", "alpha one gamma", "alpha two gamma"},
		{"line one\nline two\n", "line one\nline two\nline three\n", "first\nline one\nline two\n"},
		{"abc", "", "abcd"},
	}
	for _, c := range cases {
		regions := diff.Regions(c.base, c.a, c.b)
		assert.Equal(t, c.a, diff.Render(c.base, regions, diff.PreferA))
		assert.Equal(t, c.b, diff.Render(c.base, regions, diff.PreferB))
	}
}

func TestRegions_DisjointChangesDoNotConflict(t *testing.T) {
	base := "alpha beta gamma delta"
	a := "ALPHA beta gamma delta"
	b := "alpha beta gamma DELTA"

	regions := diff.Regions(base, a, b)
	for _, r := range regions {
		assert.False(t, r.Conflicting)
	}
	merged := diff.Render(base, regions, diff.Combine(diff.PreferA))
	assert.Equal(t, "ALPHA beta gamma DELTA", merged)
}

func TestRegions_OverlappingChangesConflict(t *testing.T) {
	base := "status: draft"
	regions := diff.Regions(base, "status: 12345", "status: 67890")

	conflicting := 0
	for _, r := range regions {
		if r.Conflicting {
			conflicting++
			assert.NotEqual(t, r.TextA, r.TextB)
			assert.NotEmpty(t, r.HunksA)
			assert.NotEmpty(t, r.HunksB)
		}
	}
	assert.Equal(t, 1, conflicting)
}

func TestRegions_IdenticalChangesAreClean(t *testing.T) {
	regions := diff.Regions("abc", "aXc", "aXc")
	require.Len(t, regions, 1)
	assert.False(t, regions[0].Conflicting)
	assert.Equal(t, "aXc", diff.Render("abc", regions, diff.Combine(diff.PreferB)))
}

func TestRegions_BoundaryInsertIsIndependent(t *testing.T) {
	base := "0123456789"
	a := "0123XX6789" // replaces 45
	b := "012345Y6789"

	regions := diff.Regions(base, a, b)
	for _, r := range regions {
		assert.False(t, r.Conflicting, "%+v", r)
	}
	assert.Equal(t, "0123XXY6789", diff.Render(base, regions, diff.Combine(diff.PreferA)))
}
