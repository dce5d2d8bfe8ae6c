package wire

import "fmt"

// variantInt and variantString are the only two value kinds the handshake
// ever needs: auth-type identifiers and short human-readable strings
// (username, token, and the raw cursor-image bytes). This is a minimal
// self-describing encoding with exactly four operations — write a value,
// read a value, send the built message, and receive one from the wire —
// and makes no claim of byte compatibility with any particular viewer
// implementation's variant-array format.
const (
	variantInt = iota
	variantString
)

// Variant is a self-describing length-prefixed array message: a 4-byte
// big-endian element count, followed by one tag byte and a tag-specific
// payload per element (int32 big-endian for ints; 4-byte big-endian length
// + UTF-8 bytes for strings).
type Variant struct {
	c      *Conn
	values []variantValue
	pos    int
}

type variantValue struct {
	kind int
	i    int32
	s    string
}

// NewVariant returns an empty outgoing/incoming variant-array message bound
// to c.
func NewVariant(c *Conn) *Variant {
	return &Variant{c: c}
}

// WriteInt appends an integer value to an outgoing message.
func (v *Variant) WriteInt(n int32) {
	v.values = append(v.values, variantValue{kind: variantInt, i: n})
}

// WriteString appends a string value to an outgoing message.
func (v *Variant) WriteString(s string) {
	v.values = append(v.values, variantValue{kind: variantString, s: s})
}

// Send writes the accumulated values to the wire and flushes.
func (v *Variant) Send() {
	v.c.WriteUint32(uint32(len(v.values)))
	for _, val := range v.values {
		switch val.kind {
		case variantInt:
			v.c.WriteUint8(variantInt)
			v.c.WriteUint32(uint32(val.i))
		case variantString:
			v.c.WriteUint8(variantString)
			b := []byte(val.s)
			v.c.WriteUint32(uint32(len(b)))
			v.c.WriteBytes(b)
		}
	}
	v.c.Flush()
}

// Receive reads a variant-array message from the wire, replacing any
// previously accumulated values. Element count and per-element sizes are
// bounded to prevent a hostile peer from forcing unbounded allocation.
func (v *Variant) Receive() {
	const maxElements = 64
	const maxStringLen = 1 << 16

	count := v.c.ReadUint32("variant-message.count")
	if count > maxElements {
		Failf("variant message claims %d elements, limit %d", count, maxElements)
	}
	v.values = make([]variantValue, 0, count)
	for i := uint32(0); i < count; i++ {
		kind := v.c.ReadByte("variant-message.tag")
		switch kind {
		case variantInt:
			n := v.c.ReadUint32("variant-message.int")
			v.values = append(v.values, variantValue{kind: variantInt, i: int32(n)})
		case variantString:
			n := v.c.ReadUint32("variant-message.string-length")
			if n > maxStringLen {
				Failf("variant message string claims %d bytes, limit %d", n, maxStringLen)
			}
			buf := make([]byte, n)
			v.c.MustReadExact(buf, "variant-message.string-bytes")
			v.values = append(v.values, variantValue{kind: variantString, s: string(buf)})
		default:
			Failf("variant message: unknown value tag %d", kind)
		}
	}
	v.pos = 0
}

// ReadInt reads the next value and requires it to be an integer.
func (v *Variant) ReadInt() int32 {
	val := v.next("int")
	if val.kind != variantInt {
		Failf("variant message: expected int, got string")
	}
	return val.i
}

// ReadString reads the next value and requires it to be a string.
func (v *Variant) ReadString() string {
	val := v.next("string")
	if val.kind != variantString {
		Failf("variant message: expected string, got int")
	}
	return val.s
}

func (v *Variant) next(want string) variantValue {
	if v.pos >= len(v.values) {
		Failf("variant message: expected %s, message exhausted", want)
	}
	val := v.values[v.pos]
	v.pos++
	return val
}

func (v *Variant) String() string {
	return fmt.Sprintf("Variant(%d values)", len(v.values))
}
