// Package codec implements the pixel rectangle encoding used for every
// framebuffer update: small rectangles go out raw, larger ones are
// run-length-encoded and then passed through internal/codec/lz1x. Each
// call returns an owned, independently sized buffer rather than reusing a
// shared scratch buffer, so concurrent sessions never contend over it.
package codec

import (
	"encoding/binary"
	"image"

	"github.com/patdhlk/rfbcast/internal/codec/lz1x"
)

// RawMaxPixels is the largest rectangle, in pixel count, that goes out raw
// rather than RLE+LZ encoded. A rectangle of exactly this many pixels still
// takes the raw path.
const RawMaxPixels = 1024

// headerSize is the fixed 12-byte header preceding every encoded rectangle:
// three big-endian uint32 fields (bytesRLE, bytesLZO, compressed).
const headerSize = 12

// Source supplies the pixel at (x, y) as a 32-bit value in host byte order;
// only the low 24 bits are significant to the wire encoding.
type Source interface {
	PixelAt(x, y int) uint32
}

// Header is the 12-byte preamble written before every encoded rectangle
// payload.
type Header struct {
	BytesRLE   uint32
	BytesLZO   uint32
	Compressed uint32
}

func (h Header) marshal() []byte {
	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint32(buf[0:4], h.BytesRLE)
	binary.BigEndian.PutUint32(buf[4:8], h.BytesLZO)
	binary.BigEndian.PutUint32(buf[8:12], h.Compressed)
	return buf
}

// UnmarshalHeader reads a 12-byte header from the front of buf.
func UnmarshalHeader(buf []byte) Header {
	return Header{
		BytesRLE:   binary.BigEndian.Uint32(buf[0:4]),
		BytesLZO:   binary.BigEndian.Uint32(buf[4:8]),
		Compressed: binary.BigEndian.Uint32(buf[8:12]),
	}
}

// HeaderSize is exported for callers that need to skip past a header they
// already parsed.
const HeaderSize = headerSize

// EncodeRect encodes the pixels of rect from src, choosing raw or RLE+LZ
// mode by pixel count. otherEndianness swaps each raw pixel's byte order
// (used only in small mode, matching the viewer session's negotiated
// byte order flag); it has no effect on large mode, where the RLE record's
// pixel bytes are always written in network order regardless of host
// endianness. Rectangles with zero width or height must never reach this
// function; it panics with a plain string value otherwise.
func EncodeRect(src Source, rect image.Rectangle, otherEndianness bool) []byte {
	w, h := rect.Dx(), rect.Dy()
	if w <= 0 || h <= 0 {
		panic("codec: EncodeRect called with degenerate rectangle")
	}

	if w*h <= RawMaxPixels {
		return encodeRaw(src, rect, otherEndianness)
	}
	return encodeRLELZ(src, rect)
}

func encodeRaw(src Source, rect image.Rectangle, otherEndianness bool) []byte {
	w, h := rect.Dx(), rect.Dy()
	hdr := Header{}
	out := make([]byte, 0, headerSize+w*h*4)
	out = append(out, hdr.marshal()...)

	var pbuf [4]byte
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			p := src.PixelAt(x, y)
			if otherEndianness {
				binary.BigEndian.PutUint32(pbuf[:], p)
			} else {
				binary.LittleEndian.PutUint32(pbuf[:], p)
			}
			out = append(out, pbuf[:]...)
		}
	}
	return out
}

func encodeRLELZ(src Source, rect image.Rectangle) []byte {
	rle := rleEncode(src, rect)
	compressed := lz1x.Compress(rle)

	hdr := Header{
		BytesRLE:   uint32(len(rle)),
		BytesLZO:   uint32(len(compressed)),
		Compressed: 1,
	}
	out := make([]byte, 0, headerSize+len(compressed))
	out = append(out, hdr.marshal()...)
	out = append(out, compressed...)
	return out
}

// rleEncode walks rect in scanline order and emits one 4-byte record per
// run: 3 bytes of pixel value in network order (low 24 bits), then a
// 1-byte run-length-minus-one. A run never exceeds 256 pixels, so the
// length byte always fits.
func rleEncode(src Source, rect image.Rectangle) []byte {
	w, h := rect.Dx(), rect.Dy()
	out := make([]byte, 0, w*h) // usually far fewer than 1 byte/pixel

	first := true
	var last uint32
	runLen := 0

	flush := func() {
		out = append(out, byte(last>>16), byte(last>>8), byte(last), byte(runLen-1))
	}

	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			p := src.PixelAt(x, y)
			switch {
			case first:
				last = p
				runLen = 1
				first = false
			case p == last && runLen < 256:
				runLen++
			default:
				flush()
				last = p
				runLen = 1
			}
		}
	}
	if !first {
		flush()
	}
	return out
}

// DecodeRect reverses EncodeRect given the rectangle's pixel dimensions and
// the session's negotiated endianness flag. It exists primarily for tests
// that verify the encoder round-trips; a real viewer performs the
// equivalent decode itself.
func DecodeRect(buf []byte, w, h int, otherEndianness bool) ([]uint32, error) {
	hdr := UnmarshalHeader(buf)
	payload := buf[headerSize:]

	if hdr.Compressed == 0 {
		pixels := make([]uint32, w*h)
		for i := range pixels {
			off := i * 4
			if otherEndianness {
				pixels[i] = binary.BigEndian.Uint32(payload[off : off+4])
			} else {
				pixels[i] = binary.LittleEndian.Uint32(payload[off : off+4])
			}
		}
		return pixels, nil
	}

	rle, err := lz1x.Decompress(payload[:hdr.BytesLZO], int(hdr.BytesRLE))
	if err != nil {
		return nil, err
	}
	return rleDecode(rle, w*h)
}

func rleDecode(rle []byte, count int) ([]uint32, error) {
	pixels := make([]uint32, 0, count)
	for i := 0; i+4 <= len(rle); i += 4 {
		p := uint32(rle[i])<<16 | uint32(rle[i+1])<<8 | uint32(rle[i+2])
		runLen := int(rle[i+3]) + 1
		for k := 0; k < runLen; k++ {
			pixels = append(pixels, p)
		}
	}
	return pixels, nil
}
