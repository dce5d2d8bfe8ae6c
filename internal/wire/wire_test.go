package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewConn(a), NewConn(b)
}

func TestReadWriteUint(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		server.WriteUint16(0xBEEF)
		server.WriteUint32(0xCAFEF00D)
		server.Flush()
	}()

	require.EqualValues(t, 0xBEEF, client.ReadUint16("u16"))
	require.EqualValues(t, 0xCAFEF00D, client.ReadUint32("u32"))
}

func TestVariantRoundTrip(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		msg := NewVariant(server)
		msg.WriteInt(1)
		msg.WriteString("alice")
		msg.Send()
	}()

	got := NewVariant(client)
	got.Receive()
	require.EqualValues(t, 1, got.ReadInt())
	require.Equal(t, "alice", got.ReadString())
}

func TestVariantEmptyAck(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		NewVariant(server).Send()
	}()

	got := NewVariant(client)
	got.Receive()
	require.Panics(t, func() { got.ReadInt() })
}

func TestReadExactShortOnClosedConn(t *testing.T) {
	client, server := pipeConns(t)
	server.NetConn.Close()

	buf := make([]byte, 4)
	_, err := client.ReadExact(buf)
	require.Error(t, err)
}

func TestReadCommandByteWaitsWithoutDeadline(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		server.WriteUint8(7)
		server.Flush()
	}()

	b, ok := client.ReadCommandByte()
	require.True(t, ok)
	require.EqualValues(t, 7, b)
}

func TestReadCommandByteReturnsNotOKOnEOF(t *testing.T) {
	client, server := pipeConns(t)
	server.NetConn.Close()

	_, ok := client.ReadCommandByte()
	require.False(t, ok)
}

func TestFailfPanicsWithFail(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r)
		f, ok := r.(*Fail)
		require.True(t, ok)
		require.Contains(t, f.Error(), "boom")
	}()
	Failf("boom: %d", 42)
}
