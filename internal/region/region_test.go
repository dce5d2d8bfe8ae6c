package region

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

func area(rects []image.Rectangle) int {
	n := 0
	for _, r := range rects {
		n += r.Dx() * r.Dy()
	}
	return n
}

func overlaps(a, b image.Rectangle) bool {
	return a.Overlaps(b)
}

func requireDisjoint(t *testing.T, rects []image.Rectangle) {
	t.Helper()
	for i := range rects {
		for j := i + 1; j < len(rects); j++ {
			require.False(t, overlaps(rects[i], rects[j]), "rects %v and %v overlap", rects[i], rects[j])
		}
	}
}

func requireSameUnion(t *testing.T, input, output []image.Rectangle) {
	t.Helper()
	w, h := 0, 0
	for _, r := range input {
		if r.Max.X > w {
			w = r.Max.X
		}
		if r.Max.Y > h {
			h = r.Max.Y
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := image.Point{X: x, Y: y}
			in := false
			for _, r := range input {
				if p.In(r) {
					in = true
					break
				}
			}
			out := false
			for _, r := range output {
				if p.In(r) {
					out = true
					break
				}
			}
			require.Equal(t, in, out, "mismatch at (%d,%d)", x, y)
		}
	}
}

func TestCoalesceDisjointAndUnionPreserving(t *testing.T) {
	cases := [][]image.Rectangle{
		{image.Rect(0, 0, 10, 10)},
		{image.Rect(0, 0, 10, 10), image.Rect(5, 5, 15, 15)},
		{image.Rect(0, 0, 10, 10), image.Rect(0, 0, 10, 10)},
		{image.Rect(0, 0, 5, 5), image.Rect(10, 10, 15, 15), image.Rect(20, 0, 25, 20)},
		{image.Rect(0, 0, 100, 100), image.Rect(10, 10, 20, 20)},
		{image.Rect(0, 0, 3, 20), image.Rect(1, 5, 2, 6), image.Rect(2, 0, 30, 3)},
	}
	for _, in := range cases {
		out := Coalesce(in)
		requireDisjoint(t, out)
		requireSameUnion(t, in, out)
	}
}

func TestCoalesceAreaNeverExceedsFramebuffer(t *testing.T) {
	in := []image.Rectangle{
		image.Rect(0, 0, 10, 10),
		image.Rect(0, 0, 10, 10),
		image.Rect(0, 0, 10, 10),
	}
	out := Coalesce(in)
	require.Equal(t, 100, area(out))
}

func TestCoalesceDropsDegenerateRects(t *testing.T) {
	in := []image.Rectangle{
		image.Rect(5, 5, 5, 20),  // zero width
		image.Rect(5, 5, 20, 5),  // zero height
		image.Rect(0, 0, 10, 10), // real
	}
	out := Coalesce(in)
	require.Equal(t, 100, area(out))
}

func TestCoalesceDeterministic(t *testing.T) {
	in := []image.Rectangle{
		image.Rect(0, 0, 10, 10),
		image.Rect(5, 5, 10, 10),
		image.Rect(20, 20, 30, 40),
	}
	first := Coalesce(in)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, Coalesce(in))
	}
}

func TestUnionAreaExample(t *testing.T) {
	// Two 10x10 rectangles overlapping in a 5x5 corner: union is 175 pixels.
	in := []image.Rectangle{
		image.Rect(0, 0, 10, 10),
		image.Rect(5, 5, 15, 15),
	}
	require.Equal(t, 175, Union(in))
}

func TestCoalesceEmpty(t *testing.T) {
	require.Nil(t, Coalesce(nil))
}
