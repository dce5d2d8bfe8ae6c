// Package region coalesces a set of possibly-overlapping dirty rectangles
// into a disjoint cover of their union, via an exact scanline
// decomposition over the rectangles' coordinates rather than a fixed grid,
// so the result is pixel-exact rather than an approximation. The cover is
// not guaranteed to use the fewest possible rectangles.
package region

import (
	"image"
	"sort"
)

// interval is a half-open [lo, hi) span of Y coordinates shared by the
// scanline sweep below.
type interval = struct{ lo, hi int }

// Coalesce returns a deterministic, pairwise-disjoint set of rectangles
// whose union equals the union of rects. Degenerate (zero-area) inputs are
// dropped. The caller (session) is responsible for short-circuiting to a
// single full-framebuffer rectangle once the input count reaches its own
// dirty-rectangle limit — Coalesce itself has no notion of that threshold.
func Coalesce(rects []image.Rectangle) []image.Rectangle {
	input := make([]image.Rectangle, 0, len(rects))
	for _, r := range rects {
		r = r.Canon()
		if r.Dx() > 0 && r.Dy() > 0 {
			input = append(input, r)
		}
	}
	if len(input) == 0 {
		return nil
	}
	if len(input) == 1 {
		return input
	}

	xs := uniqueSortedInts(func(yield func(int)) {
		for _, r := range input {
			yield(r.Min.X)
			yield(r.Max.X)
		}
	})

	var out []image.Rectangle

	// openRects/openIntervals accumulate vertically-merged intervals per x-strip so
	// that horizontally adjacent strips with identical interval sets merge
	// into a single wider rectangle instead of emitting one rectangle per
	// strip column.
	var openRects []image.Rectangle
	var openIntervals []interval

	flush := func(xHi int) {
		for i, iv := range openIntervals {
			out = append(out, image.Rect(openRects[i].Min.X, iv.lo, xHi, iv.hi))
		}
		openRects = nil
		openIntervals = nil
	}

	for i := 0; i+1 < len(xs); i++ {
		xLo, xHi := xs[i], xs[i+1]
		if xLo >= xHi {
			continue
		}

		intervals := coveringIntervals(input, xLo, xHi)

		if sameIntervals(openIntervals, intervals) && len(openRects) > 0 {
			continue
		}

		flush(xLo)
		for _, iv := range intervals {
			openRects = append(openRects, image.Rect(xLo, iv.lo, xLo, iv.hi))
			openIntervals = append(openIntervals, iv)
		}
	}
	flush(xs[len(xs)-1])

	sort.Slice(out, func(i, j int) bool {
		if out[i].Min.Y != out[j].Min.Y {
			return out[i].Min.Y < out[j].Min.Y
		}
		return out[i].Min.X < out[j].Min.X
	})
	return out
}

// coveringIntervals returns the merged, sorted, disjoint Y-intervals of
// every input rectangle that fully spans [xLo,xHi).
func coveringIntervals(input []image.Rectangle, xLo, xHi int) []interval {
	var ivs []interval
	for _, r := range input {
		if r.Min.X <= xLo && r.Max.X >= xHi {
			ivs = append(ivs, interval{r.Min.Y, r.Max.Y})
		}
	}
	if len(ivs) == 0 {
		return nil
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].lo < ivs[j].lo })

	merged := ivs[:1]
	for _, iv := range ivs[1:] {
		last := &merged[len(merged)-1]
		if iv.lo <= last.hi {
			if iv.hi > last.hi {
				last.hi = iv.hi
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

func sameIntervals(a, b []interval) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// uniqueSortedInts collects the ints produced by the given generator,
// dedupes and sorts them.
func uniqueSortedInts(generate func(yield func(int))) []int {
	seen := make(map[int]struct{})
	var out []int
	generate(func(v int) {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	})
	sort.Ints(out)
	return out
}

// Union reports the total area covered by rects, counting overlaps once.
// Exposed for tests verifying Coalesce's output area matches the input
// union's area exactly.
func Union(rects []image.Rectangle) int {
	coalesced := Coalesce(rects)
	area := 0
	for _, r := range coalesced {
		area += r.Dx() * r.Dy()
	}
	return area
}
