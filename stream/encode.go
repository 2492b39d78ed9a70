package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Fit returns the size of a w×h image scaled so its longest edge is at most
// maxEdge. Images already within bounds keep their size.
func Fit(w, h, maxEdge int) (int, int) {
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return w, h
	}

	if w >= h {
		return maxEdge, max(1, h*maxEdge/w)
	}

	return max(1, w*maxEdge/h), maxEdge
}

// Downscale shrinks img so its longest edge is at most maxEdge.
func Downscale(img image.Image, maxEdge int) image.Image {
	bounds := img.Bounds()
	w, h := Fit(bounds.Dx(), bounds.Dy(), maxEdge)
	if w == bounds.Dx() && h == bounds.Dy() {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)

	return dst
}

// Encode downscales img and encodes it as JPEG at quality.
func Encode(img image.Image, maxEdge, quality int) ([]byte, int, int, error) {
	scaled := Downscale(img, maxEdge)

	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}

	bounds := scaled.Bounds()

	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}
