package tcp

import "github.com/smallnest/ringbuffer"

func newRecvBuffer(size int) *ringbuffer.RingBuffer {
	return ringbuffer.New(size)
}

// sendBuffer holds bytes written by the application and not yet
// acknowledged. start indexes the byte at suna; bytes between start and
// start+count wrap at len(buf). Bytes are only dropped by consume, so any
// offset past start can be copied out again.
type sendBuffer struct {
	buf   []byte
	start int
	count int
}

func newSendBuffer(size int) sendBuffer {
	return sendBuffer{buf: make([]byte, size)}
}

func (b *sendBuffer) size() int {
	return len(b.buf)
}

func (b *sendBuffer) free() int {
	return len(b.buf) - b.count
}

// write appends as much of p as fits and returns the number of bytes taken.
func (b *sendBuffer) write(p []byte) int {
	n := min(len(p), b.free())
	if n == 0 {
		return 0
	}
	tail := (b.start + b.count) % len(b.buf)
	k := copy(b.buf[tail:], p[:n])
	if k < n {
		copy(b.buf, p[k:n])
	}
	b.count += n
	return n
}

// copyOut fills dst with the bytes offset positions past start.
func (b *sendBuffer) copyOut(dst []byte, offset int) int {
	n := min(len(dst), b.count-offset)
	if n <= 0 {
		return 0
	}
	i := (b.start + offset) % len(b.buf)
	k := copy(dst[:n], b.buf[i:])
	if k < n {
		copy(dst[k:n], b.buf)
	}
	return n
}

// consume drops n acknowledged bytes from the front.
func (b *sendBuffer) consume(n int) {
	n = min(n, b.count)
	if n == 0 {
		return
	}
	b.start = (b.start + n) % len(b.buf)
	b.count -= n
}
