package session

import (
	"context"
	"image"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patdhlk/rfbcast/internal/codec"
	"github.com/patdhlk/rfbcast/internal/upstream"
	"github.com/patdhlk/rfbcast/internal/wire"
)

type fakeRegistrar struct {
	registered   []*Session
	unregistered []*Session
}

func (f *fakeRegistrar) Register(s *Session)   { f.registered = append(f.registered, s) }
func (f *fakeRegistrar) Unregister(s *Session) { f.unregistered = append(f.unregistered, s) }

func newTestUpstream(t *testing.T) upstream.Adapter {
	t.Helper()
	u := upstream.NewSynthetic(64, 48, "upstream-token", time.Millisecond, 10)
	require.NoError(t, u.Connect(context.Background(), "localhost", 11100, "upstream-token"))
	return u
}

// newSmallTestUpstream sizes the framebuffer small enough that a full
// update always takes the raw codec path, making its payload length
// exactly predictable for tests that need to read past it on the wire.
func newSmallTestUpstream(t *testing.T) upstream.Adapter {
	t.Helper()
	u := upstream.NewSynthetic(16, 12, "upstream-token", time.Millisecond, 10)
	require.NoError(t, u.Connect(context.Background(), "localhost", 11100, "upstream-token"))
	return u
}

// clientHandshake drives the client side of a successful handshake over c
// and returns the reported framebuffer width/height from server-init.
func clientHandshake(t *testing.T, c net.Conn, token string) (w, h int) {
	t.Helper()
	wc := wire.NewConn(c)

	var ver [12]byte
	wc.MustReadExact(ver[:], "version")

	count := wc.ReadByte("sectype-count")
	require.EqualValues(t, 1, count)
	secType := wc.ReadByte("sectype")
	wc.WriteUint8(secType)
	wc.Flush()

	authMsg := wire.NewVariant(wc)
	authMsg.Receive()
	chosen := authMsg.ReadInt()

	reply := wire.NewVariant(wc)
	reply.WriteInt(chosen)
	reply.WriteString("alice")
	reply.Send()

	ack := wire.NewVariant(wc)
	ack.Receive()

	tokMsg := wire.NewVariant(wc)
	tokMsg.WriteString(token)
	tokMsg.Send()

	authResult := wc.ReadUint32("auth-result")
	require.EqualValues(t, 0, authResult)

	wc.WriteUint8(0) // shared flag
	wc.Flush()

	width := wc.ReadUint16("server-init.width")
	height := wc.ReadUint16("server-init.height")
	wc.ReadByte("bpp")
	wc.ReadByte("depth")
	wc.ReadByte("big-endian")
	wc.ReadByte("true-colour")
	wc.ReadUint16("red-max")
	wc.ReadUint16("green-max")
	wc.ReadUint16("blue-max")
	wc.ReadByte("red-shift")
	wc.ReadByte("green-shift")
	wc.ReadByte("blue-shift")
	wc.ReadPadding("server-init.padding", 3)
	nameLen := wc.ReadUint32("name-length")
	nameBuf := make([]byte, nameLen)
	wc.MustReadExact(nameBuf, "name")
	require.Equal(t, "DEMO", string(nameBuf))

	return int(width), int(height)
}

func TestHandshakeSucceedsWithCorrectToken(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	reg := &fakeRegistrar{}
	up := newTestUpstream(t)
	s := New(serverConn, "abc", up, reg, nil, 0)

	done := make(chan struct{})
	go func() { s.Serve(); close(done) }()

	w, h := clientHandshake(t, clientConn, "abc")
	require.Equal(t, 64, w)
	require.Equal(t, 48, h)

	clientConn.Close()
	<-done

	require.Len(t, reg.registered, 1)
	require.Len(t, reg.unregistered, 1)
}

func TestHandshakeRejectsEmptyToken(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	reg := &fakeRegistrar{}
	s := New(serverConn, "abc", newTestUpstream(t), reg, nil, 0)

	done := make(chan struct{})
	go func() { s.Serve(); close(done) }()

	wc := wire.NewConn(clientConn)
	var ver [12]byte
	wc.MustReadExact(ver[:], "version")
	wc.ReadByte("sectype-count")
	secType := wc.ReadByte("sectype")
	wc.WriteUint8(secType)
	wc.Flush()

	authMsg := wire.NewVariant(wc)
	authMsg.Receive()
	chosen := authMsg.ReadInt()

	reply := wire.NewVariant(wc)
	reply.WriteInt(chosen)
	reply.WriteString("bob")
	reply.Send()

	ackMsg := wire.NewVariant(wc)
	ackMsg.Receive()

	tokMsg := wire.NewVariant(wc)
	tokMsg.WriteString("")
	tokMsg.Send()

	// Server must close without writing an auth-OK; the next read should
	// observe EOF rather than 4 bytes of auth-result.
	var buf [4]byte
	_, err := wc.ReadExact(buf[:])
	require.Error(t, err)

	require.Empty(t, reg.registered)
	<-done
}

func TestHandshakeRejectsWrongSecurityType(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, "abc", newTestUpstream(t), &fakeRegistrar{}, nil, 0)
	done := make(chan struct{})
	go func() { s.Serve(); close(done) }()

	wc := wire.NewConn(clientConn)
	var ver [12]byte
	wc.MustReadExact(ver[:], "version")
	wc.ReadByte("sectype-count")
	wc.ReadByte("sectype")

	wc.WriteUint8(2) // wrong security type
	wc.Flush()

	<-done // server must terminate without hanging
}

func TestFirstUpdateAfterHandshakeIsSingleFullFramebufferRect(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, "abc", newTestUpstream(t), &fakeRegistrar{}, nil, 0)
	done := make(chan struct{})
	go func() { s.Serve(); close(done) }()

	w, h := clientHandshake(t, clientConn, "abc")

	wc := wire.NewConn(clientConn)
	wc.WriteUint8(3) // FramebufferUpdateRequest
	wc.WriteUint8(0) // non-incremental
	wc.WriteUint16(0)
	wc.WriteUint16(0)
	wc.WriteUint16(uint16(w))
	wc.WriteUint16(uint16(h))
	wc.Flush()

	wc.ReadByte("update.msg-type")
	wc.ReadByte("update.padding")
	count := wc.ReadUint16("update.count")
	require.EqualValues(t, 1, count)

	x := wc.ReadUint16("rect.x")
	y := wc.ReadUint16("rect.y")
	rw := wc.ReadUint16("rect.w")
	rh := wc.ReadUint16("rect.h")
	encoding := int32(wc.ReadUint32("rect.encoding"))

	require.EqualValues(t, 0, x)
	require.EqualValues(t, 0, y)
	require.EqualValues(t, w, rw)
	require.EqualValues(t, h, rh)
	require.Equal(t, encodingRLELZ, encoding)

	clientConn.Close()
	<-done
}

func TestMarkDirtyCollapsesAtMaxRects(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := New(serverConn, "abc", newTestUpstream(t), &fakeRegistrar{}, nil, 5)

	for i := 0; i < 5; i++ {
		s.MarkDirty(image.Rect(i, 0, i+1, 1))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	require.True(t, s.fullUpdatePending)
	require.Empty(t, s.dirty)
}

func TestMarkDirtyIgnoredOnceFullUpdatePending(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := New(serverConn, "abc", newTestUpstream(t), &fakeRegistrar{}, nil, 0)
	s.mu.Lock()
	s.fullUpdatePending = true
	s.mu.Unlock()

	s.MarkDirty(image.Rect(0, 0, 5, 5))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Empty(t, s.dirty)
}

// TestSendUpdateCarriesCursorRect confirms that once MarkCursorChanged has
// been called, the next update includes a second rectangle carrying the
// cursor encoding id and the cursor's raw pixel bytes.
func TestSendUpdateCarriesCursorRect(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, "abc", newSmallTestUpstream(t), &fakeRegistrar{}, nil, 0)

	done := make(chan struct{})
	go func() { s.Serve(); close(done) }()

	w, h := clientHandshake(t, clientConn, "abc")

	cursorImg := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			cursorImg.Set(x, y, image.White)
		}
	}
	s.MarkCursorChanged(cursorImg, 7, 9)

	wc := wire.NewConn(clientConn)
	wc.WriteUint8(3) // FramebufferUpdateRequest
	wc.WriteUint8(0) // non-incremental
	wc.WriteUint16(0)
	wc.WriteUint16(0)
	wc.WriteUint16(uint16(w))
	wc.WriteUint16(uint16(h))
	wc.Flush()

	wc.ReadByte("update.msg-type")
	wc.ReadByte("update.padding")
	count := wc.ReadUint16("update.count")
	require.EqualValues(t, 2, count)

	// First rectangle: the full-framebuffer update, raw-encoded since this
	// upstream's framebuffer is small enough to stay under RawMaxPixels.
	wc.ReadUint16("rect.x")
	wc.ReadUint16("rect.y")
	rw := wc.ReadUint16("rect.w")
	rh := wc.ReadUint16("rect.h")
	wc.ReadUint32("rect.encoding")
	payload := make([]byte, codec.HeaderSize+int(rw)*int(rh)*4)
	wc.MustReadExact(payload, "rect.payload")

	// Second rectangle: the cursor shape.
	cx := wc.ReadUint16("cursor.x")
	cy := wc.ReadUint16("cursor.y")
	cw := wc.ReadUint16("cursor.w")
	ch := wc.ReadUint16("cursor.h")
	encoding := int32(wc.ReadUint32("cursor.encoding"))

	require.EqualValues(t, 7, cx)
	require.EqualValues(t, 9, cy)
	require.EqualValues(t, 4, cw)
	require.EqualValues(t, 3, ch)
	require.Equal(t, encodingVeyonCursor, encoding)

	v := wire.NewVariant(wc)
	v.Receive()
	raw := v.ReadString()
	require.Len(t, raw, int(cw)*int(ch)*4)

	clientConn.Close()
	<-done
}

// TestDirtyRectsMarkedWithinDeferredWindowCoalesceIntoOneUpdate confirms
// that a request with nothing yet dirty arms the deferred re-check timer,
// and that any rectangles marked dirty before that timer fires go out
// together in the single update it produces, rather than as separate
// messages per MarkDirty call.
func TestDirtyRectsMarkedWithinDeferredWindowCoalesceIntoOneUpdate(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	s := New(serverConn, "abc", newSmallTestUpstream(t), &fakeRegistrar{}, nil, 0)

	done := make(chan struct{})
	go func() { s.Serve(); close(done) }()

	w, h := clientHandshake(t, clientConn, "abc")
	wc := wire.NewConn(clientConn)

	requestUpdate := func() {
		wc.WriteUint8(3) // FramebufferUpdateRequest
		wc.WriteUint8(1) // incremental
		wc.WriteUint16(0)
		wc.WriteUint16(0)
		wc.WriteUint16(uint16(w))
		wc.WriteUint16(uint16(h))
		wc.Flush()
	}

	// First request drains the pending full-framebuffer update.
	requestUpdate()
	wc.ReadByte("update.msg-type")
	wc.ReadByte("update.padding")
	firstCount := wc.ReadUint16("update.count")
	require.EqualValues(t, 1, firstCount)
	wc.ReadUint16("rect.x")
	wc.ReadUint16("rect.y")
	rw := wc.ReadUint16("rect.w")
	rh := wc.ReadUint16("rect.h")
	wc.ReadUint32("rect.encoding")
	payload := make([]byte, codec.HeaderSize+int(rw)*int(rh)*4)
	wc.MustReadExact(payload, "rect.payload")

	// Second request finds nothing dirty: it arms the deferred re-check
	// instead of sending immediately.
	start := time.Now()
	requestUpdate()

	// Both changes land well inside the 50ms re-check window, and must be
	// coalesced into the single deferred update rather than sent apart.
	s.MarkDirty(image.Rect(0, 0, 2, 2))
	s.MarkDirty(image.Rect(10, 8, 12, 10))

	wc.ReadByte("update.msg-type")
	wc.ReadByte("update.padding")
	count := wc.ReadUint16("update.count")
	elapsed := time.Since(start)

	require.EqualValues(t, 2, count)
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond)

	clientConn.Close()
	<-done
}
