/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package imaging

import (
	"image"
	"image/draw"
	"math/rand/v2"
)

// SampleReveal copies a random square out of img whose side is fraction of
// the image's shorter side, rounded down. The square always lies fully
// inside img and the returned image has its origin at (0,0).
func SampleReveal(img image.Image, fraction float64, r *rand.Rand) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	size := int(fraction * float64(min(w, h)))
	size = max(0, min(size, w, h))

	x := r.IntN(w - size + 1)
	y := r.IntN(h - size + 1)

	out := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(out, out.Bounds(), img, b.Min.Add(image.Pt(x, y)), draw.Src)

	return out
}
