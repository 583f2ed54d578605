/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
)

var ErrDegenerateBox = errors.New("placement produces an empty target box")

// Layout is the geometry of a composition, in canvas pixels.
type Layout struct {
	Canvas image.Point
	// Scaled is the size the whole foreground would be resampled to. It is
	// never allocated.
	Scaled image.Point
	// Crop is the part of the scaled foreground that is kept.
	Crop image.Rectangle
	// Source is Crop mapped back onto the foreground, relative to its
	// top-left corner.
	Source image.Rectangle
	// Target is where the kept part lands on the canvas.
	Target image.Rectangle
}

// PlanBackground lays out a base asset of size base as the canvas with a
// foreground of size fg cover-fitted into the placement's box.
func PlanBackground(base, fg image.Point, p Placement) (Layout, error) {
	w, h := base.X, base.Y

	tw := int(float64(w) * p.Size.X)
	th := int(float64(h) * p.Size.Y)
	if tw <= 0 || th <= 0 {
		return Layout{}, fmt.Errorf("%w: %dx%d from size %.4g x %.4g of %dx%d",
			ErrDegenerateBox, tw, th, p.Size.X, p.Size.Y, w, h)
	}
	if fg.X <= 0 || fg.Y <= 0 {
		return Layout{}, fmt.Errorf("%w: foreground is %dx%d", ErrNoImage, fg.X, fg.Y)
	}

	scale := math.Max(float64(tw)/float64(fg.X), float64(th)/float64(fg.Y))
	sw := max(tw, int(math.Round(float64(fg.X)*scale)))
	sh := max(th, int(math.Round(float64(fg.Y)*scale)))

	cx, cy := (sw-tw)/2, (sh-th)/2
	ox := int(float64(w) * p.Position.X)
	oy := int(float64(h) * p.Position.Y)

	crop := image.Rect(cx, cy, cx+tw, cy+th)

	return Layout{
		Canvas: image.Pt(w, h),
		Scaled: image.Pt(sw, sh),
		Crop:   crop,
		Source: unscale(crop, image.Pt(sw, sh), fg),
		Target: image.Rect(ox, oy, ox+tw, oy+th),
	}, nil
}

// unscale maps r, given in a space of size scaled, onto a space of size
// orig. The result stays inside orig and is never empty.
func unscale(r image.Rectangle, scaled, orig image.Point) image.Rectangle {
	fx := float64(orig.X) / float64(scaled.X)
	fy := float64(orig.Y) / float64(scaled.Y)

	x0 := min(orig.X-1, int(math.Round(float64(r.Min.X)*fx)))
	y0 := min(orig.Y-1, int(math.Round(float64(r.Min.Y)*fy)))
	x1 := max(x0+1, min(orig.X, int(math.Round(float64(r.Max.X)*fx))))
	y1 := max(y0+1, min(orig.Y, int(math.Round(float64(r.Max.Y)*fy))))

	return image.Rect(max(0, x0), max(0, y0), x1, y1)
}

// PlanOverlay lays out a user image of size bg as the canvas with an
// overlay of size fg scaled to the canvas width and anchored top-left.
func PlanOverlay(bg, fg image.Point) (Layout, error) {
	if bg.X <= 0 || bg.Y <= 0 || fg.X <= 0 || fg.Y <= 0 {
		return Layout{}, fmt.Errorf("%w: %dx%d over %dx%d", ErrNoImage, fg.X, fg.Y, bg.X, bg.Y)
	}

	sh := max(1, int(float64(bg.X)/float64(fg.X)*float64(fg.Y)))

	return Layout{
		Canvas: bg,
		Scaled: image.Pt(bg.X, sh),
		Crop:   image.Rect(0, 0, bg.X, sh),
		Source: image.Rectangle{Max: fg},
		Target: image.Rect(0, 0, bg.X, sh),
	}, nil
}

// Compose combines a base asset with a user-supplied image. In background
// mode the base is the canvas and the user image fills the placement box;
// otherwise the user image is the canvas and the base is laid over its top.
func Compose(base image.Image, p Placement, user image.Image) (*image.RGBA, error) {
	bg, fg := base, user
	var (
		l   Layout
		err error
	)

	if p.Background {
		l, err = PlanBackground(base.Bounds().Size(), user.Bounds().Size(), p)
	} else {
		bg, fg = user, base
		l, err = PlanOverlay(user.Bounds().Size(), base.Bounds().Size())
	}
	if err != nil {
		return nil, err
	}

	canvas := image.NewRGBA(image.Rectangle{Max: l.Canvas})
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), bg, bg.Bounds().Min, draw.Over)

	// Only the kept part of the foreground is resampled, straight onto the
	// canvas, so the work is bounded by the target box.
	xdraw.CatmullRom.Scale(canvas, l.Target, fg, l.Source.Add(fg.Bounds().Min), draw.Over, nil)

	return canvas, nil
}
