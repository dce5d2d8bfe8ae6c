// Package session implements the per-viewer protocol state machine: the
// remote-framebuffer-compatible handshake, token authentication, and the
// framebuffer-update request/response loop. Command dispatch, padding
// reads, and failure handling all follow a fail-fast pattern: any
// malformed message panics with a *wire.Fail that unwinds straight to
// the session's own recover, never touching another session.
package session

import (
	"fmt"
	"image"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/patdhlk/rfbcast/internal/codec"
	"github.com/patdhlk/rfbcast/internal/metrics"
	"github.com/patdhlk/rfbcast/internal/region"
	"github.com/patdhlk/rfbcast/internal/upstream"
	"github.com/patdhlk/rfbcast/internal/wire"
)

// DefaultMaxRects bounds the per-viewer dirty-rectangle list when a
// session isn't given an explicit override: once reached (or exceeded),
// the list collapses to a single full-framebuffer update rather than
// growing without bound.
const DefaultMaxRects = 100

const (
	deferredRecheckDelay = 50 * time.Millisecond
	keepaliveDelay       = 1000 * time.Millisecond

	// cursorUpdateInterval is the cadence a polling-based cursor-shape
	// source would be sampled at. Nothing in this codebase polls for
	// cursor changes today — MarkCursorChanged is driven directly by
	// upstream events — so this constant is currently unused, kept here
	// for whichever upstream adapter eventually needs to poll rather than
	// push.
	cursorUpdateInterval = 35 * time.Millisecond
)

// Wire protocol constants. The exact numeric values only need to be
// self-consistent between this server and its own decoder path — nothing
// in the retrieved reference material pins down the real upstream's
// private constant values, so these are this implementation's own.
const (
	securityTypeVeyon   byte  = 19
	authTypeToken       int32 = 1
	encodingRLELZ       int32 = -313 // mirrors the sign convention of real rfbEncoding* custom IDs
	encodingVeyonCursor int32 = -314
)

// State is the viewer session's protocol state: each handshake step
// advances it by exactly one, and the Running-state message loop only
// starts once it reaches StateRunning.
type State int

const (
	StateInvalid State = iota
	StateVersion
	StateSecurityType
	StateAuthTypes
	StateToken
	StateClientInit
	StateRunning
)

// Registrar lets a session join and leave the fan-out server's live set at
// the point the handshake reaches ClientInit, without the session package
// depending on the fanout package (which depends on session to spawn one).
type Registrar interface {
	Register(s *Session)
	Unregister(s *Session)
}

// Session owns one viewer's socket, protocol state, dirty-rectangle
// bookkeeping, and codec buffers. No state here is shared with any other
// session; the only cross-session resource is the read-only upstream
// framebuffer image.
type Session struct {
	id          string
	conn        *wire.Conn
	remoteAddr  string
	viewerToken string
	upstream    upstream.Adapter
	registrar   Registrar
	metrics     *metrics.Registry

	state           State
	otherEndianness bool
	username        string

	// mu guards every field below. Deferred timers (the 50ms re-check and
	// the 1000ms keepalive) never hold the lock while re-entering
	// sendUpdate — each is a fresh goroutine call that takes the lock
	// itself — so a send is never blocked waiting on its own timer.
	mu                sync.Mutex
	dirty             []image.Rectangle
	maxRects          int
	fullUpdatePending bool
	cursorChanged     bool
	cursorImage       image.Image
	cursorHotX        int
	cursorHotY        int
	updateRequested   bool
	closed            bool
	registered        bool
}

// New builds a Session around an accepted viewer socket. registrar is
// notified once the handshake reaches ClientInit and again when the
// session terminates. m may be nil, in which case metrics are skipped.
// maxRects <= 0 falls back to DefaultMaxRects.
func New(conn net.Conn, viewerToken string, up upstream.Adapter, registrar Registrar, m *metrics.Registry, maxRects int) *Session {
	if maxRects <= 0 {
		maxRects = DefaultMaxRects
	}
	return &Session{
		id:          uuid.NewString(),
		conn:        wire.NewConn(conn),
		remoteAddr:  conn.RemoteAddr().String(),
		viewerToken: viewerToken,
		upstream:    up,
		registrar:   registrar,
		metrics:     m,
		maxRects:    maxRects,
		state:       StateVersion,
	}
}

// Serve runs the handshake and then the Running-state message loop until
// the socket disconnects or a protocol violation occurs. It never returns
// an error: every failure path closes this session's own socket and logs,
// without touching any other session.
func (s *Session) Serve() {
	defer s.teardown()
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(*wire.Fail); ok {
				glog.Warningf("session %s (%s): %v", s.id, s.remoteAddr, f)
				return
			}
			panic(r)
		}
	}()

	s.handshakeVersion()
	s.handshakeSecurityType()
	s.handshakeAuthTypes()
	s.handshakeToken()
	s.handshakeClientInit()
	s.runMessageLoop()
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.closed = true
	wasRegistered := s.registered
	s.mu.Unlock()

	if s.registrar != nil {
		s.registrar.Unregister(s)
	}
	if wasRegistered && s.metrics != nil {
		s.metrics.ViewersConnected.Dec()
	}
	s.conn.NetConn.Close()
}

// --- Handshake ---

func (s *Session) handshakeVersion() {
	var buf [12]byte
	s.conn.MustReadExact(buf[:], "protocol-version")

	s.conn.WriteUint8(1) // one supported security type
	s.conn.WriteUint8(securityTypeVeyon)
	s.conn.Flush()

	s.state = StateSecurityType
}

func (s *Session) handshakeSecurityType() {
	chosen := s.conn.ReadByte("security-type")
	if chosen != securityTypeVeyon {
		wire.Failf("viewer chose security type %d, want %d", chosen, securityTypeVeyon)
	}

	msg := wire.NewVariant(s.conn)
	msg.WriteInt(authTypeToken)
	msg.Send()

	s.state = StateAuthTypes
}

func (s *Session) handshakeAuthTypes() {
	msg := wire.NewVariant(s.conn)
	msg.Receive()
	chosen := msg.ReadInt()
	if chosen != authTypeToken {
		wire.Failf("viewer chose auth type %d, want %d", chosen, authTypeToken)
	}
	s.username = msg.ReadString()

	wire.NewVariant(s.conn).Send() // empty acknowledgement

	s.state = StateToken
}

func (s *Session) handshakeToken() {
	msg := wire.NewVariant(s.conn)
	msg.Receive()
	token := msg.ReadString()
	if token == "" || token != s.viewerToken {
		wire.Failf("viewer %s (%s) presented an invalid token", s.remoteAddr, s.username)
	}

	s.conn.WriteUint32(0) // auth-OK
	s.conn.Flush()

	s.state = StateClientInit
}

func (s *Session) handshakeClientInit() {
	s.conn.ReadByte("client-init.shared-flag") // ignored

	init := s.upstream.ServerInitTemplate()
	w, h := s.upstream.FramebufferSize()

	s.conn.WriteUint16(uint16(w))
	s.conn.WriteUint16(uint16(h))
	s.conn.WriteUint8(32)  // bpp, normalized
	s.conn.WriteUint8(24)  // depth, normalized
	s.conn.WriteUint8(0)   // big-endian flag: this server's host order
	s.conn.WriteUint8(1)   // true-colour
	s.conn.WriteUint16(255)
	s.conn.WriteUint16(255)
	s.conn.WriteUint16(255)
	s.conn.WriteUint8(16) // red shift
	s.conn.WriteUint8(8)  // green shift
	s.conn.WriteUint8(0)  // blue shift
	s.conn.WriteUint8(0)  // pad
	s.conn.WriteUint8(0)  // pad
	s.conn.WriteUint8(0)  // pad

	const name = "DEMO"
	s.conn.WriteUint32(uint32(len(name)))
	s.conn.WriteString(name)
	s.conn.Flush()

	glog.Infof("session %s (%s): viewer %q authenticated, desktop %dx%d (%s)",
		s.id, s.remoteAddr, s.username, w, h, init.DesktopName)

	if s.registrar != nil {
		s.registrar.Register(s)
	}
	if s.metrics != nil {
		s.metrics.ViewersConnected.Inc()
	}

	s.mu.Lock()
	s.fullUpdatePending = true
	s.registered = true
	s.mu.Unlock()

	s.state = StateRunning
}

// --- Running-state message loop ---

const (
	cmdSetPixelFormat           byte = 0
	cmdSetEncodings             byte = 2
	cmdFramebufferUpdateRequest byte = 3
	cmdSetServerInput           byte = 100
	cmdClientCutText            byte = 6
)

func (s *Session) runMessageLoop() {
	for {
		cmd, ok := s.conn.ReadCommandByte()
		if !ok {
			return
		}

		switch cmd {
		case cmdSetPixelFormat:
			s.handleSetPixelFormat()
		case cmdSetEncodings:
			s.handleSetEncodings()
		case cmdSetServerInput:
			s.handleSetServerInput()
		case cmdClientCutText:
			s.handleClientCutText()
		case cmdFramebufferUpdateRequest:
			s.handleUpdateRequest()
		default:
			wire.Failf("unknown running-state message type %d", cmd)
		}

		s.maybeSend()
	}
}

func (s *Session) handleSetPixelFormat() {
	s.conn.ReadPadding("set-pixel-format.padding", 3)
	var format struct {
		bpp, depth, bigEndian, trueColour byte
		redMax, greenMax, blueMax         uint16
		redShift, greenShift, blueShift   byte
	}
	format.bpp = s.conn.ReadByte("pixel-format.bpp")
	format.depth = s.conn.ReadByte("pixel-format.depth")
	format.bigEndian = s.conn.ReadByte("pixel-format.big-endian")
	format.trueColour = s.conn.ReadByte("pixel-format.true-colour")
	format.redMax = s.conn.ReadUint16("pixel-format.red-max")
	format.greenMax = s.conn.ReadUint16("pixel-format.green-max")
	format.blueMax = s.conn.ReadUint16("pixel-format.blue-max")
	format.redShift = s.conn.ReadByte("pixel-format.red-shift")
	format.greenShift = s.conn.ReadByte("pixel-format.green-shift")
	format.blueShift = s.conn.ReadByte("pixel-format.blue-shift")
	s.conn.ReadPadding("set-pixel-format.trailing-padding", 3)

	// This server's own wire order for raw pixels is host order (little
	// endian); a mismatch against the viewer's declared order is the only
	// field of SetPixelFormat this server honors. Everything else the
	// viewer requests (custom channel depths, palette mode) is accepted
	// and silently ignored, since every rectangle is still encoded in this
	// server's own fixed true-colour format.
	s.mu.Lock()
	s.otherEndianness = format.bigEndian != 0
	s.mu.Unlock()
}

func (s *Session) handleSetEncodings() {
	s.conn.ReadPadding("set-encodings.padding", 1)
	count := s.conn.ReadUint16("set-encodings.count")
	for i := uint16(0); i < count; i++ {
		s.conn.ReadUint32("set-encodings.entry")
	}
}

func (s *Session) handleSetServerInput() {
	s.conn.ReadPadding("set-server-input.body", 1)
	s.conn.ReadUint32("set-server-input.discard")
}

func (s *Session) handleClientCutText() {
	s.conn.ReadPadding("client-cut-text.padding", 3)
	n := s.conn.ReadUint32("client-cut-text.length")
	const maxCutText = 1 << 20
	if n > maxCutText {
		wire.Failf("client-cut-text claims %d bytes, limit %d", n, maxCutText)
	}
	buf := make([]byte, n)
	s.conn.MustReadExact(buf, "client-cut-text.body")
}

func (s *Session) handleUpdateRequest() {
	s.conn.ReadByte("update-request.incremental")
	s.conn.ReadUint16("update-request.x")
	s.conn.ReadUint16("update-request.y")
	s.conn.ReadUint16("update-request.width")
	s.conn.ReadUint16("update-request.height")

	s.mu.Lock()
	s.updateRequested = true
	s.mu.Unlock()
}

func (s *Session) maybeSend() {
	s.mu.Lock()
	requested := s.updateRequested
	s.mu.Unlock()
	if requested {
		s.sendUpdate()
	}
}

// --- Dirty-state bookkeeping, called from the fan-out server's event
// forwarding path under its own lock on s.mu. ---

// MarkDirty records rect as changed. Once the dirty list reaches
// this session's maxRects, it collapses to a pending full-framebuffer
// update instead, since encoding and sending hundreds of tiny rectangles
// individually costs more than just resending the whole frame.
func (s *Session) MarkDirty(rect image.Rectangle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fullUpdatePending {
		return
	}
	s.dirty = append(s.dirty, rect)
	if len(s.dirty) >= s.maxRects {
		s.dirty = nil
		s.fullUpdatePending = true
		if s.metrics != nil {
			s.metrics.DirtyOverflows.Inc()
		}
	}
}

// MarkCursorChanged records a new cursor shape to be sent with the next
// update. Never invoked by the synthetic upstream adapter today: cursor
// tracking from the windowing system is out of scope for that adapter.
// The plumbing is kept so a future upstream adapter can drive it without
// protocol changes.
func (s *Session) MarkCursorChanged(img image.Image, hotX, hotY int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursorChanged = true
	s.cursorImage = img
	s.cursorHotX = hotX
	s.cursorHotY = hotY
}

// --- Update send path ---

func (s *Session) sendUpdate() {
	start := time.Now()
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}

	if !s.fullUpdatePending && len(s.dirty) == 0 {
		requested := s.updateRequested
		s.mu.Unlock()
		if requested {
			time.AfterFunc(deferredRecheckDelay, s.sendUpdate)
		}
		return
	}

	w, h := s.upstream.FramebufferSize()
	var rects []image.Rectangle
	if s.fullUpdatePending {
		rects = []image.Rectangle{image.Rect(0, 0, w, h)}
	} else {
		rects = region.Coalesce(s.dirty)
	}

	cursorChanged := s.cursorChanged
	cursorImage := s.cursorImage
	cursorHotX, cursorHotY := s.cursorHotX, s.cursorHotY
	otherEndianness := s.otherEndianness
	wasRequested := s.updateRequested

	s.mu.Unlock()

	img := s.upstream.Image()
	src := upstream.NewCodecSource(img)

	count := len(rects)
	if cursorChanged {
		count++
	}

	bytesSent := 4 // message type + padding + count

	s.conn.WriteUint8(0) // framebuffer-update message type
	s.conn.WriteUint8(0) // padding
	s.conn.WriteUint16(uint16(count))

	for _, r := range rects {
		s.writeRectHeader(r.Min.X, r.Min.Y, r.Dx(), r.Dy(), encodingRLELZ)
		payload := codec.EncodeRect(src, r, otherEndianness)
		s.conn.WriteBytes(payload)
		bytesSent += rectHeaderSize + len(payload)
	}

	if cursorChanged && cursorImage != nil {
		b := cursorImage.Bounds()
		s.writeRectHeader(cursorHotX, cursorHotY, b.Dx(), b.Dy(), encodingVeyonCursor)
		s.writeCursorImage(cursorImage)
	}

	s.conn.Flush()

	if s.metrics != nil {
		s.metrics.BytesSent.Add(float64(bytesSent))
		s.metrics.UpdatesSent.Inc()
		s.metrics.UpdateLatency.Observe(time.Since(start).Seconds())
	}

	s.mu.Lock()
	s.dirty = nil
	s.cursorChanged = false
	s.fullUpdatePending = false
	if wasRequested {
		s.updateRequested = false
		time.AfterFunc(keepaliveDelay, s.sendUpdate)
	}
	s.mu.Unlock()
}

// rectHeaderSize is x, y, w, h (2 bytes each) plus a 4-byte encoding id.
const rectHeaderSize = 4*2 + 4

func (s *Session) writeRectHeader(x, y, w, h int, encoding int32) {
	s.conn.WriteUint16(uint16(x))
	s.conn.WriteUint16(uint16(y))
	s.conn.WriteUint16(uint16(w))
	s.conn.WriteUint16(uint16(h))
	s.conn.WriteUint32(uint32(encoding))
}

// writeCursorImage sends the cursor shape as a length-prefixed variant
// message carrying the raw RGBA bytes.
func (s *Session) writeCursorImage(img image.Image) {
	b := img.Bounds()
	var raw []byte
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			raw = append(raw, byte(r>>8), byte(g>>8), byte(bl>>8), byte(a>>8))
		}
	}
	v := wire.NewVariant(s.conn)
	v.WriteString(string(raw))
	v.Send()
}

// Close terminates the session from outside its own goroutine (server
// shutdown). It is safe to call more than once and safe to call
// concurrently with the session's own teardown.
func (s *Session) Close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.conn.NetConn.Close()
	}
}

// String implements fmt.Stringer for logging.
func (s *Session) String() string {
	return fmt.Sprintf("session(%s, %s, state=%d)", s.id, s.remoteAddr, s.state)
}
