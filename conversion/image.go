package conversion

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"math"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultQuality = 75

	// DefaultMaxPixels bounds width*height of a decoded input.
	DefaultMaxPixels = 50_000_000
)

var ErrImageTooLarge = errors.New("image dimensions exceed limit")

// Page is one normalized, JPEG-encoded page ready to merge.
type Page struct {
	Name   string
	Data   []byte
	Width  int
	Height int
}

// normalize decodes r, flattens transparency, fits it into the policy's
// bounding box and re-encodes it as JPEG. The header is checked against the
// pixel limit before any pixel data is decoded.
func normalize(r io.ReadSeeker, policy Policy) (image.Image, []byte, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}
	if limit := policy.maxPixels(); int64(cfg.Width)*int64(cfg.Height) > limit {
		return nil, nil, fmt.Errorf("%w: %dx%d > %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, limit)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("rewind: %w", err)
	}

	img, _, err := image.Decode(r)
	if err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}

	img = flatten(img)
	img = downscale(img, policy.MaxWidth, policy.MaxHeight)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: policy.quality()}); err != nil {
		return nil, nil, fmt.Errorf("encode: %w", err)
	}
	return img, buf.Bytes(), nil
}

// hasAlphaOrPalette reports whether the image's color model can carry
// transparency or is palette based, regardless of the actual pixels.
func hasAlphaOrPalette(img image.Image) bool {
	switch img.(type) {
	case *image.Paletted, *image.NRGBA, *image.NRGBA64, *image.RGBA, *image.RGBA64,
		*image.Alpha, *image.Alpha16, *image.NYCbCrA:
		return true
	}
	switch img.ColorModel() {
	case color.RGBAModel, color.RGBA64Model, color.NRGBAModel, color.NRGBA64Model,
		color.AlphaModel, color.Alpha16Model, color.NYCbCrAModel:
		return true
	}
	_, paletted := img.ColorModel().(color.Palette)
	return paletted
}

// flatten composites img onto opaque white when it carries alpha or a
// palette.
func flatten(img image.Image) image.Image {
	if !hasAlphaOrPalette(img) {
		return img
	}

	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return dst
}

// fitWithin returns the size of a w×h image scaled down to fit maxW×maxH,
// keeping the aspect ratio. A non-positive bound is unlimited. It never
// scales up.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = math.Min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 && h > maxH {
		scale = math.Min(scale, float64(maxH)/float64(h))
	}
	if scale >= 1 {
		return w, h
	}

	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if maxW > 0 && nw > maxW {
		nw = maxW
	}
	if maxH > 0 && nh > maxH {
		nh = maxH
	}
	return max(nw, 1), max(nh, 1)
}

func downscale(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	nw, nh := fitWithin(b.Dx(), b.Dy(), maxW, maxH)
	if nw == b.Dx() && nh == b.Dy() {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
