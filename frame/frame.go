// Package frame holds captured screen images and the pixel-level
// primitives the capture and assertion engines are built on: scaling to
// the canonical store resolution, a log-scaled similarity score, a fast
// identity hash, and PNG persistence.
package frame

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"math"
	"os"

	xdraw "golang.org/x/image/draw"

	"github.com/zeebo/xxh3"
)

// StoreWidth and StoreHeight are the canonical dimensions every frame is
// scaled to before comparison or persistence, so all stored frames are
// uniform size.
const (
	StoreWidth  = 1024
	StoreHeight = 768
)

// simIdentical is returned for byte-identical pixel data, where the
// log-scaled score would be unbounded.
const simIdentical = 1000000

// Frame is an immutable-once-written screen image plus its on-disk
// filename and sequence number. Filename and Seq are zero until the
// screenshot store assigns them.
type Frame struct {
	Img      *image.RGBA
	Filename string
	Seq      int
}

// New wraps an image as a Frame, converting to RGBA when needed.
func New(img image.Image) *Frame {
	if img == nil {
		return nil
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return &Frame{Img: rgba}
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return &Frame{Img: rgba}
}

// NewUniform returns a w x h frame filled with a single gray value.
// Handy for tests and for consoles that render no pixels.
func NewUniform(w, h int, v uint8) *Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	// keep alpha opaque
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return &Frame{Img: img}
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Img.Bounds().Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Img.Bounds().Dy() }

// Scale returns a copy resized to w x h, or the frame itself when it
// already has the requested dimensions.
func (f *Frame) Scale(w, h int) *Frame {
	if f == nil || f.Img == nil {
		return f
	}
	if f.Width() == w && f.Height() == h {
		return f
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), f.Img, f.Img.Bounds(), xdraw.Src, nil)
	return &Frame{Img: dst}
}

// Hash returns an xxh3 digest of the raw pixel data. Used for the
// identity (not similarity) unchanged-frame checks; frames of different
// dimensions never compare equal because the pixel buffers differ in
// length.
func (f *Frame) Hash() uint64 {
	if f == nil || f.Img == nil {
		return 0
	}
	return xxh3.Hash(f.Img.Pix)
}

// Similarity scores how alike two frames are; higher means more
// similar. The score is 1 - 10*log10 of the normalized mean squared
// pixel error, so byte-identical frames score simIdentical, a
// one-pixel difference on a full store-size frame scores around 60,
// and unrelated frames score near 0. Mismatched dimensions score 0.
func (f *Frame) Similarity(o *Frame) int {
	if f == nil || o == nil || f.Img == nil || o.Img == nil {
		return 0
	}
	if f.Width() != o.Width() || f.Height() != o.Height() {
		return 0
	}
	var sum uint64
	fp, op := f.Img.Pix, o.Img.Pix
	for i := 0; i+3 < len(fp); i += 4 {
		// RGB only; alpha carries no screen content.
		for c := 0; c < 3; c++ {
			d := int(fp[i+c]) - int(op[i+c])
			sum += uint64(d * d)
		}
	}
	if sum == 0 {
		return simIdentical
	}
	n := float64(f.Width()*f.Height()) * 3 * 255 * 255
	err := float64(sum) / n
	return 1 + int(-10*math.Log10(err))
}

// WritePNG persists the frame to path.
func (f *Frame) WritePNG(path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := png.Encode(out, f.Img); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

// ReadPNG loads a frame from a PNG file.
func ReadPNG(path string) (*Frame, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer in.Close()
	img, err := png.Decode(in)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return New(img), nil
}
