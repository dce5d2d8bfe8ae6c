// Package upstream defines the contract the fan-out server consumes for
// its single screen source, and a synthetic implementation of it.
//
// A real screen-capture client is an external collaborator referenced
// only by interface; connecting to one is out of scope here. What this
// package owns is that interface, plus a self-contained synthetic source
// usable for local demos and tests — an animated framebuffer with its own
// change-event stream.
package upstream

import (
	"context"
	"image"
)

// PixelFormat mirrors the server-init record's format fields: the server
// always advertises bpp=32, RGB max=255, shifts R=16 G=8 B=0, but an
// adapter's ServerInitTemplate still reports its own upstream format. The
// session does not read these fields; it writes the normalized format.
type PixelFormat struct {
	BPP         uint8
	Depth       uint8
	BigEndian   bool
	TrueColour  bool
	RedMax      uint16
	GreenMax    uint16
	BlueMax     uint16
	RedShift    uint8
	GreenShift  uint8
	BlueShift   uint8
}

// ServerInit is the upstream's own description of its framebuffer, before
// the fan-out server normalizes it into the wire server-init record.
type ServerInit struct {
	Width, Height int
	Format        PixelFormat
	DesktopName   string
}

// RectChanged is a change event announcing that the pixels within Rect
// have been updated in the shared framebuffer image.
type RectChanged struct {
	Rect image.Rectangle
}

// CursorChanged is a change event carrying a new cursor shape. It is
// plumbed end to end but never actually produced by the synthetic source:
// cursor tracking from the windowing system is out of scope for this
// adapter.
type CursorChanged struct {
	Image       image.Image
	HotX, HotY  int
}

// Event is either a RectChanged or a CursorChanged.
type Event interface{ isUpstreamEvent() }

func (RectChanged) isUpstreamEvent()   {}
func (CursorChanged) isUpstreamEvent() {}

// Adapter is the contract the fan-out server consumes for its single
// upstream screen source. A concrete adapter owns exactly one framebuffer
// image for its lifetime; no resize handling exists anywhere on this path.
type Adapter interface {
	// Connect authenticates to the upstream source. It returns only once
	// the adapter is ready to serve FramebufferSize/Image/ServerInitTemplate
	// and has begun emitting Events.
	Connect(ctx context.Context, host string, port int, authToken string) error

	// FramebufferSize reports the fixed width and height of the shared
	// framebuffer image.
	FramebufferSize() (w, h int)

	// Image returns a read-only view of the current framebuffer. Pixel
	// memory for any rectangle currently announced via Events is
	// guaranteed stable until read by every live session — see the
	// concurrency note on Synthetic for how that adapter provides it.
	Image() image.Image

	// ServerInitTemplate returns the upstream's own framebuffer
	// description, which the fan-out server normalizes before handing
	// it to a viewer during ClientInit.
	ServerInitTemplate() ServerInit

	// Events returns the channel of change notifications. It is closed
	// when the upstream connection is lost, which is fatal to the server
	// instance: there is no reconnect policy in the core fan-out loop.
	Events() <-chan Event
}

// PixelAt adapts an image.Image to codec.Source by packing its color at
// (x, y) into 0x00RRGGBB host-order form, the framebuffer's pixel layout.
func PixelAt(img image.Image, x, y int) uint32 {
	r, g, b, _ := img.At(x, y).RGBA()
	return (uint32(r>>8) << 16) | (uint32(g>>8) << 8) | uint32(b>>8)
}

// imageSource adapts a locked image.Image snapshot to codec.Source.
type imageSource struct {
	img image.Image
}

func (s imageSource) PixelAt(x, y int) uint32 { return PixelAt(s.img, x, y) }

// NewCodecSource wraps img so it can be passed directly to codec.EncodeRect.
func NewCodecSource(img image.Image) interface{ PixelAt(x, y int) uint32 } {
	return imageSource{img: img}
}
