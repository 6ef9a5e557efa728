package session

import (
	"image"
	"math/bits"
)

// Frame is one complete RGBA frame at the machine's native size.
type Frame struct {
	Pixels []uint32
	Width  int
	Height int
	Seq    uint64

	owner *instance
}

// ToRGBA converts ARGB words (alpha in the top byte) into RGBA words (alpha
// in the bottom byte).
func ToRGBA(argb []uint32) []uint32 {
	out := make([]uint32, len(argb))
	for i, p := range argb {
		out[i] = bits.RotateLeft32(p, 8)
	}
	return out
}

// Image copies the frame into an image.RGBA.
func (f *Frame) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for i, p := range f.Pixels {
		if i >= f.Width*f.Height {
			break
		}
		o := i * 4
		img.Pix[o] = uint8(p >> 24)
		img.Pix[o+1] = uint8(p >> 16)
		img.Pix[o+2] = uint8(p >> 8)
		img.Pix[o+3] = uint8(p)
	}
	return img
}

// display is the Display handed to one machine instance. Callbacks from an
// instance that is no longer current are dropped.
type display struct {
	m      *Manager
	inst   *instance
	source []uint32
	width  int
	height int
	seq    uint64
}

func (d *display) OnInit(frame []uint32, width, height int) {
	d.source = frame
	d.width, d.height = width, height
	if d.inst.closed.Load() {
		return
	}
	d.m.facade.SetDisplaySize(width, height)
	d.inst.width.Store(int32(width))
	d.inst.height.Store(int32(height))
}

func (d *display) OnRedraw() {
	if d.source == nil || d.inst.closed.Load() {
		return
	}
	d.seq++
	d.m.frame.Store(&Frame{
		Pixels: ToRGBA(d.source),
		Width:  d.width,
		Height: d.height,
		Seq:    d.seq,
		owner:  d.inst,
	})
}
