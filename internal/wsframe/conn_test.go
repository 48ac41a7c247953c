package wsframe

import (
	"bytes"
	"testing"
)

// fakeRaw backs a Conn with in-memory buffers: reads are served from rbuf,
// writes append to wbuf. writeChunk caps how many bytes a single Write
// accepts, to exercise short-write/residual handling.
type fakeRaw struct {
	rbuf       []byte
	wbuf       bytes.Buffer
	writeChunk int
}

func (f *fakeRaw) Read(p []byte) (int, error) {
	if len(f.rbuf) == 0 {
		return 0, ErrWouldBlock
	}
	n := copy(p, f.rbuf)
	f.rbuf = f.rbuf[n:]
	return n, nil
}

func (f *fakeRaw) Write(p []byte) (int, error) {
	n := len(p)
	if f.writeChunk > 0 && n > f.writeChunk {
		n = f.writeChunk
	}
	f.wbuf.Write(p[:n])
	if n < len(p) {
		return n, ErrWouldBlock
	}
	return n, nil
}

func (f *fakeRaw) WriteV(bufs [][]byte) (int, error) {
	var total int
	for _, b := range bufs {
		total += len(b)
	}
	flat := make([]byte, 0, total)
	for _, b := range bufs {
		flat = append(flat, b...)
	}
	return f.Write(flat)
}

func (f *fakeRaw) io() RawIO {
	return RawIO{Read: f.Read, Write: f.Write, WriteV: f.WriteV}
}

func TestConnReadUnmasksBinaryFrame(t *testing.T) {
	raw := &fakeRaw{rbuf: []byte{0x82, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58}}
	c := &Conn{raw: raw.io()}

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "Hello" {
		t.Fatalf("Read = %q, want %q", buf[:n], "Hello")
	}
}

func TestConnReadHandlesCloseFrame(t *testing.T) {
	raw := &fakeRaw{rbuf: []byte{0x88, 0x00}}
	c := &Conn{raw: raw.io()}

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 0 {
		t.Fatalf("Read on close frame returned n=%d, want 0", n)
	}
	if c.ClosePending() {
		t.Fatal("expected ClosePending to be cleared once the close ack is flushed")
	}
	if !c.Closed() {
		t.Fatal("expected the close ack to have been flushed eagerly, marking the connection closed")
	}
	if got := raw.wbuf.Bytes(); !bytes.Equal(got, []byte{0x88, 0x00}) {
		t.Fatalf("close ack bytes = % x, want 88 00", got)
	}
}

func TestConnReadDiscardsPrecedingBytesOnCloseFrame(t *testing.T) {
	// A complete masked BINARY frame ("Hello") immediately followed by a
	// CLOSE frame, read in a single Read call: the CLOSE branch must return
	// 0 unconditionally, discarding the bytes already decoded earlier in
	// this same call rather than reporting them.
	raw := &fakeRaw{rbuf: []byte{
		0x82, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58,
		0x88, 0x00,
	}}
	c := &Conn{raw: raw.io()}

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 0 {
		t.Fatalf("Read = %d, want 0 (close frame must discard bytes decoded earlier in the same call)", n)
	}
	if !c.Closed() {
		t.Fatal("expected the close frame to be acknowledged, marking the connection closed")
	}
}

func TestConnWriteFramesPayload(t *testing.T) {
	raw := &fakeRaw{}
	c := &Conn{raw: raw.io()}

	n, err := c.Write([]byte("Hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Fatalf("Write returned n=%d, want 5", n)
	}

	want := append([]byte{finFlag | opBinary, 5}, "Hello"...)
	if got := raw.wbuf.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("written frame = % x, want % x", got, want)
	}
	if c.writeRemainder != 0 {
		t.Fatalf("writeRemainder = %d, want 0 after a full write", c.writeRemainder)
	}
}

func TestConnWriteHandlesShortHeaderWrite(t *testing.T) {
	// writeChunk=1 forces the 2-byte header itself to be split across two
	// underlying writes, exercising the header-residual bookkeeping.
	raw := &fakeRaw{writeChunk: 1}
	c := &Conn{raw: raw.io()}

	n, err := c.Write([]byte("AB"))
	if err != nil && err != ErrWouldBlock {
		t.Fatalf("Write: %v", err)
	}
	if n != 0 {
		t.Fatalf("first Write with a 1-byte write cap should report n=0 (still draining header), got %d", n)
	}
	if c.writeHeaderPos != 1 || c.writeHeaderLen != 2 {
		t.Fatalf("writeHeaderPos=%d writeHeaderLen=%d, want 1/2 after a 1-byte header write", c.writeHeaderPos, c.writeHeaderLen)
	}

	// Second call drains the rest of the header, then (still capped at 1
	// byte per write) begins draining the body.
	n, err = c.Write([]byte("AB"))
	if err != nil && err != ErrWouldBlock {
		t.Fatalf("Write: %v", err)
	}
	if c.writeHeaderPos != c.writeHeaderLen {
		t.Fatal("expected header to be fully flushed by the second Write")
	}

	for c.writeRemainder > 0 {
		if _, err := c.Write([]byte("AB")[n:]); err != nil && err != ErrWouldBlock {
			t.Fatalf("Write: %v", err)
		}
	}

	want := []byte{finFlag | opBinary, 2, 'A', 'B'}
	if got := raw.wbuf.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("written frame = % x, want % x", got, want)
	}
}

func TestConnWriteVCoalescesHeaderAndBody(t *testing.T) {
	raw := &fakeRaw{}
	c := &Conn{raw: raw.io()}

	n, err := c.WriteV([][]byte{[]byte("Hel"), []byte("lo")})
	if err != nil {
		t.Fatalf("WriteV: %v", err)
	}
	if n != 5 {
		t.Fatalf("WriteV returned n=%d, want 5", n)
	}

	want := append([]byte{finFlag | opBinary, 5}, "Hello"...)
	if got := raw.wbuf.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("written frame = % x, want % x", got, want)
	}
}
