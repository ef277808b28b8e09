// Package diff computes structural differences between content versions and
// groups the changes of two divergent versions into regions.
package diff

import (
	"slices"
	"unicode/utf8"

	"github.com/rpggio/accord/internal/domain/ot"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Hunk replaces base runes [Start, End) with Text.
type Hunk struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// Empty reports whether the hunk is a pure insertion.
func (h Hunk) Empty() bool { return h.Start == h.End }

// Operation expresses the hunk as an edit in base coordinates.
func (h Hunk) Operation(userID string) ot.Operation {
	switch {
	case h.Empty():
		return ot.NewInsert(userID, h.Start, h.Text)
	case h.Text == "":
		return ot.NewDelete(userID, h.Start, h.End-h.Start)
	default:
		return ot.NewReplace(userID, h.Start, h.End-h.Start, h.Text)
	}
}

// Hunks returns the ordered, non-overlapping changes turning base into target.
func Hunks(base, target string) []Hunk {
	if base == target {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(base, target, false))

	var (
		hunks   []Hunk
		pos     int
		current *Hunk
	)
	flush := func() {
		if current != nil {
			hunks = append(hunks, *current)
			current = nil
		}
	}
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			pos += n
		case diffmatchpatch.DiffDelete:
			if current == nil {
				current = &Hunk{Start: pos, End: pos}
			}
			pos += n
			current.End = pos
		case diffmatchpatch.DiffInsert:
			if current == nil {
				current = &Hunk{Start: pos, End: pos}
			}
			current.Text += d.Text
		}
	}
	flush()
	return hunks
}

// Region is a span of base touched by changes from either side. Changes in
// one region interact; changes in different regions are independent.
type Region struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	BaseText    string `json:"base_text"`
	TextA       string `json:"text_a"`
	TextB       string `json:"text_b"`
	HunksA      []Hunk `json:"hunks_a,omitempty"`
	HunksB      []Hunk `json:"hunks_b,omitempty"`
	Conflicting bool   `json:"conflicting"`
}

// Size is the number of base runes the region covers, at least one.
func (r Region) Size() int {
	return max(1, r.End-r.Start)
}

type sided struct {
	Hunk
	fromA bool
}

// Regions clusters the changes of a and b against base. A region is
// conflicting when both sides changed it differently.
func Regions(base, a, b string) []Region {
	var changes []sided
	for _, h := range Hunks(base, a) {
		changes = append(changes, sided{Hunk: h, fromA: true})
	}
	for _, h := range Hunks(base, b) {
		changes = append(changes, sided{Hunk: h})
	}
	slices.SortStableFunc(changes, func(x, y sided) int {
		if x.Start != y.Start {
			return x.Start - y.Start
		}
		return x.End - y.End
	})

	baseRunes := []rune(base)
	var regions []Region
	for _, c := range changes {
		if n := len(regions); n > 0 && overlaps(regions[n-1].Start, regions[n-1].End, c.Start, c.End) {
			r := &regions[n-1]
			r.End = max(r.End, c.End)
			addHunk(r, c)
			continue
		}
		r := Region{Start: c.Start, End: c.End}
		addHunk(&r, c)
		regions = append(regions, r)
	}

	for i := range regions {
		r := &regions[i]
		r.BaseText = string(baseRunes[r.Start:r.End])
		r.TextA = render(baseRunes, r.Start, r.End, r.HunksA)
		r.TextB = render(baseRunes, r.Start, r.End, r.HunksB)
		r.Conflicting = len(r.HunksA) > 0 && len(r.HunksB) > 0 && r.TextA != r.TextB
	}
	return regions
}

func addHunk(r *Region, c sided) {
	if c.fromA {
		r.HunksA = append(r.HunksA, c.Hunk)
	} else {
		r.HunksB = append(r.HunksB, c.Hunk)
	}
}

// overlaps reports whether two base spans interact. Insertions interact with
// a range only strictly inside it, and with each other only at one point.
func overlaps(s1, e1, s2, e2 int) bool {
	switch {
	case s1 == e1 && s2 == e2:
		return s1 == s2
	case s1 == e1:
		return s2 < s1 && s1 < e2
	case s2 == e2:
		return s1 < s2 && s2 < e1
	default:
		return s1 < e2 && s2 < e1
	}
}

func render(base []rune, start, end int, hunks []Hunk) string {
	var out []rune
	pos := start
	for _, h := range hunks {
		out = append(out, base[pos:h.Start]...)
		out = append(out, []rune(h.Text)...)
		pos = h.End
	}
	out = append(out, base[pos:end]...)
	return string(out)
}

// Resolve picks the text for one region.
type Resolve func(Region) string

// PreferA keeps a's text for every region.
func PreferA(r Region) string { return r.TextA }

// PreferB keeps b's text for every region.
func PreferB(r Region) string { return r.TextB }

// Combine takes whichever side changed a region; conflicting regions fall
// back to onConflict.
func Combine(onConflict Resolve) Resolve {
	return func(r Region) string {
		switch {
		case r.Conflicting:
			return onConflict(r)
		case len(r.HunksA) > 0:
			return r.TextA
		default:
			return r.TextB
		}
	}
}

// Render rebuilds content from base with each region replaced by resolve.
func Render(base string, regions []Region, resolve Resolve) string {
	runes := []rune(base)
	var out []rune
	pos := 0
	for _, r := range regions {
		out = append(out, runes[pos:r.Start]...)
		out = append(out, []rune(resolve(r))...)
		pos = r.End
	}
	out = append(out, runes[pos:]...)
	return string(out)
}
