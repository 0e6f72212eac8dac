// Package imageutil holds the raster operations used by the repair stages:
// blackout masks, region crops and the 2x2 repair grids.
package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"

	"github.com/chrofis/magicalstory/internal/types"
)

// Decode reads a PNG or JPEG image.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// EncodePNG writes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// Solid returns a PNG of the given size filled with c.
func Solid(w, h int, c color.Color) []byte {
	data, _ := EncodePNG(imaging.New(w, h, c))
	return data
}

// Size returns the pixel dimensions of an encoded image.
func Size(data []byte) (int, int, error) {
	img, err := Decode(data)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

// rect converts a fractional region into pixel bounds clamped to the image.
func rect(r types.Region, bounds image.Rectangle) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	x0 := int(math.Floor(r.X * w))
	y0 := int(math.Floor(r.Y * h))
	x1 := int(math.Ceil((r.X + r.Width) * w))
	y1 := int(math.Ceil((r.Y + r.Height) * h))
	return image.Rect(x0, y0, x1, y1).Add(bounds.Min).Intersect(bounds)
}

// Blackout paints every region black and returns the painted image plus an
// edit mask. The mask is opaque everywhere except the regions, which are
// fully transparent so an image-edit model repaints only those areas.
func Blackout(data []byte, regions []types.Region) (blackout, mask []byte, err error) {
	src, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	bounds := src.Bounds()
	painted := imaging.Clone(src)
	m := imaging.New(bounds.Dx(), bounds.Dy(), color.NRGBA{A: 255})

	var n int
	for _, r := range regions {
		if !r.Valid() {
			continue
		}
		pr := rect(r, bounds).Sub(bounds.Min)
		if pr.Empty() {
			continue
		}
		draw.Draw(painted, pr, image.NewUniform(color.Black), image.Point{}, draw.Src)
		draw.Draw(m, pr, image.Transparent, image.Point{}, draw.Src)
		n++
	}
	if n == 0 {
		return nil, nil, fmt.Errorf("no valid regions to black out")
	}

	if blackout, err = EncodePNG(painted); err != nil {
		return nil, nil, err
	}
	if mask, err = EncodePNG(m); err != nil {
		return nil, nil, err
	}
	return blackout, mask, nil
}

// Crop cuts a region out of the image, grown by pad (a fraction of the region size).
func Crop(data []byte, r types.Region, pad float64) ([]byte, error) {
	src, err := Decode(data)
	if err != nil {
		return nil, err
	}
	grown := types.Region{
		X:      r.X - r.Width*pad,
		Y:      r.Y - r.Height*pad,
		Width:  r.Width * (1 + 2*pad),
		Height: r.Height * (1 + 2*pad),
	}
	grown.X, grown.Y = math.Max(grown.X, 0), math.Max(grown.Y, 0)
	pr := rect(grown, src.Bounds())
	if pr.Empty() {
		return nil, fmt.Errorf("crop region is empty")
	}
	return EncodePNG(imaging.Crop(src, pr))
}

// CenterRegion is the fallback crop when no character box is known.
var CenterRegion = types.Region{X: 0.25, Y: 0.1, Width: 0.5, Height: 0.6}

// Grid places the images into a cols-wide grid of square cells of cell pixels.
// Empty trailing cells stay white.
func Grid(images [][]byte, cols, cell int) ([]byte, error) {
	if len(images) == 0 || cols <= 0 || cell <= 0 {
		return nil, fmt.Errorf("invalid grid: %d images, %d columns, cell %d", len(images), cols, cell)
	}
	rows := (len(images) + cols - 1) / cols
	canvas := imaging.New(cols*cell, rows*cell, color.White)
	for i, data := range images {
		img, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("grid image %d: %w", i, err)
		}
		fitted := imaging.Fit(img, cell, cell, imaging.Lanczos)
		x := (i%cols)*cell + (cell-fitted.Bounds().Dx())/2
		y := (i/cols)*cell + (cell-fitted.Bounds().Dy())/2
		canvas = imaging.Paste(canvas, fitted, image.Pt(x, y))
	}
	return EncodePNG(canvas)
}

// SplitGrid cuts the first n cells out of a cols x rows grid image.
func SplitGrid(data []byte, cols, rows, n int) ([][]byte, error) {
	if cols <= 0 || rows <= 0 || n <= 0 || n > cols*rows {
		return nil, fmt.Errorf("invalid split: %d cells of %dx%d", n, cols, rows)
	}
	src, err := Decode(data)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	cw, ch := b.Dx()/cols, b.Dy()/rows
	if cw == 0 || ch == 0 {
		return nil, fmt.Errorf("grid image too small: %dx%d", b.Dx(), b.Dy())
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		r := image.Rect((i%cols)*cw, (i/cols)*ch, (i%cols+1)*cw, (i/cols+1)*ch).Add(b.Min)
		cell, err := EncodePNG(imaging.Crop(src, r))
		if err != nil {
			return nil, err
		}
		out = append(out, cell)
	}
	return out, nil
}

// Resize scales an image to exactly w x h.
func Resize(data []byte, w, h int) ([]byte, error) {
	src, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if b := src.Bounds(); b.Dx() == w && b.Dy() == h {
		return EncodePNG(src)
	}
	return EncodePNG(imaging.Resize(src, w, h, imaging.Lanczos))
}
