package testsrc

import (
	"errors"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
)

var errFrameTooLarge = errors.New("encoded frame does not fit the buffer")

// 75% color bars.
var bars = [...]color.RGBA{
	{191, 191, 191, 255},
	{191, 191, 0, 255},
	{0, 191, 191, 255},
	{0, 191, 0, 255},
	{191, 0, 191, 255},
	{191, 0, 0, 255},
	{0, 0, 191, 255},
	{0, 0, 0, 255},
}

// drawBars fills img with vertical color bars shifted left by offset pixels.
func drawBars(img *image.RGBA, offset int) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return
	}
	row := img.Pix[:w*4]
	for x := 0; x < w; x++ {
		c := bars[((x+offset)%w)*len(bars)/w]
		row[x*4+0] = c.R
		row[x*4+1] = c.G
		row[x*4+2] = c.B
		row[x*4+3] = c.A
	}
	for y := 1; y < h; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+w*4], row)
	}
}

// scale resizes src to w x h.
func scale(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// toYUYV converts img to packed YUYV in dst and returns the number of bytes
// written. Chroma is taken from the average of each pixel pair.
func toYUYV(dst []byte, img *image.RGBA) int {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	n := 0
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x+1 < w; x += 2 {
			p0, p1 := row[x*4:x*4+4], row[x*4+4:x*4+8]
			y0, cb0, cr0 := color.RGBToYCbCr(p0[0], p0[1], p0[2])
			y1, cb1, cr1 := color.RGBToYCbCr(p1[0], p1[1], p1[2])
			dst[n+0] = y0
			dst[n+1] = uint8((uint16(cb0) + uint16(cb1)) / 2)
			dst[n+2] = y1
			dst[n+3] = uint8((uint16(cr0) + uint16(cr1)) / 2)
			n += 4
		}
	}
	return n
}

type sliceWriter struct {
	buf []byte
	n   int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > len(w.buf) {
		return 0, errFrameTooLarge
	}
	copy(w.buf[w.n:], p)
	w.n += len(p)
	return len(p), nil
}

// encodeJPEG encodes img into dst and returns the encoded size.
func encodeJPEG(dst []byte, img image.Image, quality int) (int, error) {
	w := &sliceWriter{buf: dst}
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		return 0, err
	}
	return w.n, nil
}
