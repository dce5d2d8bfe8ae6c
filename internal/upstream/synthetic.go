package upstream

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"
)

// Synthetic is a self-contained Adapter with no real upstream connection:
// it paints a moving rectangle across an otherwise solid framebuffer and
// emits a RectChanged event each tick.
//
// Each tick renders into a brand-new *image.RGBA and swaps the published
// pointer under a short lock; a rectangle handed out via Image() is never
// mutated afterwards, so a session can read it without holding any lock
// itself — only the pointer swap needs one.
type Synthetic struct {
	width, height int
	authToken     string
	tick          time.Duration

	mu  sync.Mutex
	img *image.RGBA

	events chan Event

	boxX, boxY   int
	boxW, boxH   int
	boxDX, boxDY int
}

// maxQualityHint is the highest (fastest-ticking) quality level; 0 or
// below is treated as this default.
const maxQualityHint = 10

// NewSynthetic builds a Synthetic adapter for a width x height framebuffer,
// authenticating any Connect call against authToken. tick is the base
// update-interval hint; qualityHint (1-10, higher is better) scales it:
// a lower quality stretches the interval out to cut bandwidth, while
// maxQualityHint ticks at exactly tick's rate. qualityHint <= 0 is treated
// as maxQualityHint.
func NewSynthetic(width, height int, authToken string, tick time.Duration, qualityHint int) *Synthetic {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	tick = scaleTickForQuality(tick, qualityHint)
	s := &Synthetic{
		width:     width,
		height:    height,
		authToken: authToken,
		tick:      tick,
		events:    make(chan Event, 64),
		boxX:      0,
		boxY:      0,
		boxW:      40,
		boxH:      40,
		boxDX:     3,
		boxDY:     2,
	}
	s.img = s.render()
	return s
}

// scaleTickForQuality stretches the base tick interval for quality levels
// below maxQualityHint: each step down multiplies the interval, so a
// quality of 1 ticks maxQualityHint times slower than a quality of
// maxQualityHint.
func scaleTickForQuality(tick time.Duration, qualityHint int) time.Duration {
	if qualityHint <= 0 || qualityHint > maxQualityHint {
		qualityHint = maxQualityHint
	}
	return tick * time.Duration(maxQualityHint-qualityHint+1)
}

func (s *Synthetic) Connect(ctx context.Context, host string, port int, authToken string) error {
	if authToken != s.authToken {
		return fmt.Errorf("upstream: authentication failed for %s:%d", host, port)
	}
	go s.run(ctx)
	return nil
}

func (s *Synthetic) FramebufferSize() (int, int) { return s.width, s.height }

func (s *Synthetic) Image() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img
}

func (s *Synthetic) ServerInitTemplate() ServerInit {
	return ServerInit{
		Width:  s.width,
		Height: s.height,
		Format: PixelFormat{
			BPP:        32,
			Depth:      24,
			TrueColour: true,
			RedMax:     255,
			GreenMax:   255,
			BlueMax:    255,
			RedShift:   16,
			GreenShift: 8,
			BlueShift:  0,
		},
		DesktopName: "DEMO",
	}
}

func (s *Synthetic) Events() <-chan Event { return s.events }

func (s *Synthetic) run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer close(s.events)

	var pending image.Rectangle
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dirty := s.advance()
			s.mu.Lock()
			s.img = s.render()
			s.mu.Unlock()

			pending = pending.Union(dirty)
			select {
			case s.events <- RectChanged{Rect: pending}:
				pending = image.Rectangle{}
			default:
				// The event channel is full: keep this tick's rectangle and
				// send it merged into the next tick's event rather than
				// blocking this adapter.
			}
		}
	}
}

// advance moves the animated box one step, bouncing off the framebuffer
// edges, and returns the bounding rectangle covering both its old and new
// position — the minimal dirty region for this tick.
func (s *Synthetic) advance() image.Rectangle {
	old := image.Rect(s.boxX, s.boxY, s.boxX+s.boxW, s.boxY+s.boxH)

	s.boxX += s.boxDX
	s.boxY += s.boxDY
	if s.boxX < 0 {
		s.boxX = 0
		s.boxDX = -s.boxDX
	} else if s.boxX+s.boxW > s.width {
		s.boxX = s.width - s.boxW
		s.boxDX = -s.boxDX
	}
	if s.boxY < 0 {
		s.boxY = 0
		s.boxDY = -s.boxDY
	} else if s.boxY+s.boxH > s.height {
		s.boxY = s.height - s.boxH
		s.boxDY = -s.boxDY
	}

	now := image.Rect(s.boxX, s.boxY, s.boxX+s.boxW, s.boxY+s.boxH)
	return old.Union(now)
}

// render draws the full framebuffer fresh: a solid background plus the
// animated box at its current position. Renders are cheap enough (demo
// framebuffer sizes only) that a full redraw per tick is simpler than
// tracking a persistent buffer to mutate in place.
func (s *Synthetic) render() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	bg := color.RGBA{R: 0x20, G: 0x30, B: 0x40, A: 0xFF}
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.SetRGBA(x, y, bg)
		}
	}

	box := color.RGBA{R: 0xE0, G: 0x90, B: 0x20, A: 0xFF}
	for y := s.boxY; y < s.boxY+s.boxH && y < s.height; y++ {
		for x := s.boxX; x < s.boxX+s.boxW && x < s.width; x++ {
			if x >= 0 && y >= 0 {
				img.SetRGBA(x, y, box)
			}
		}
	}
	return img
}
