package rudp

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
)

// Byte offsets within the frame header
const (
	offFlags    = 0
	offFragment = 1
	offWindow   = 5
	offChecksum = 7
)

// Frame is a decoded datagram.
//
// FragmentNumber holds the last fragment index on parameter frames and the
// fragment index on fragment, ack and request frames. WindowSize is only
// meaningful on parameter frames and their acks.
type Frame struct {
	Flag           Flag
	FragmentNumber uint32
	WindowSize     uint16
	Checksum       uint16
	Payload        []byte
}

// Verify recomputes the payload checksum and compares it with the header.
func (f *Frame) Verify() error {
	if got := Checksum(f.Payload); got != f.Checksum {
		return NewFrameError(ErrChecksumMismatch,
			fmt.Sprintf("checksum %04x, header says %04x", got, f.Checksum), f.Flag)
	}
	return nil
}

// Valid reports whether the payload checksum matches the header.
func (f *Frame) Valid() bool {
	return Checksum(f.Payload) == f.Checksum
}

// putHeader writes the header fields into buf[:HeaderSize] in network byte order.
func putHeader(buf []byte, flag Flag, fragment uint32, window uint16, crc uint16) {
	buf[offFlags] = byte(flag)
	binary.BigEndian.PutUint32(buf[offFragment:], fragment)
	binary.BigEndian.PutUint16(buf[offWindow:], window)
	binary.BigEndian.PutUint16(buf[offChecksum:], crc)
}

// Encode builds a datagram without corruption injection.
func Encode(flag Flag, fragment uint32, window uint16, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, flag, fragment, window, Checksum(payload))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode splits a datagram into header fields and payload. The payload
// aliases data. The checksum is not verified here; see Frame.Verify.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, NewError(ErrMalformedFrame,
			fmt.Sprintf("datagram of %d bytes is shorter than the %d byte header", len(data), HeaderSize))
	}
	return &Frame{
		Flag:           Flag(data[offFlags]),
		FragmentNumber: binary.BigEndian.Uint32(data[offFragment:]),
		WindowSize:     binary.BigEndian.Uint16(data[offWindow:]),
		Checksum:       binary.BigEndian.Uint16(data[offChecksum:]),
		Payload:        data[HeaderSize:],
	}, nil
}

// Codec encodes frames and optionally simulates payload corruption.
//
// The zero Codec never corrupts and never touches a random source. With a
// nonzero rate, each non-empty payload is corrupted with probability
// rate/100. The checksum is always computed over the intended payload
// first and exactly one byte is replaced afterwards with a different value,
// so the receiver's recomputed checksum never matches a corrupted frame.
type Codec struct {
	mu   sync.Mutex
	rate float64
	rnd  *rand.Rand
}

// NewCodec returns a codec corrupting payloads at rate percent. A nil rnd
// uses a time seeded source.
func NewCodec(rate float64, rnd *rand.Rand) *Codec {
	c := &Codec{}
	c.SetRate(rate, rnd)
	return c
}

// SetRate changes the corruption rate.
func (c *Codec) SetRate(rate float64, rnd *rand.Rand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = rate
	if rate > 0 && rnd == nil && c.rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	if rnd != nil {
		c.rnd = rnd
	}
}

// Rate returns the configured corruption percentage.
func (c *Codec) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Encode builds a datagram, corrupting its payload at the configured rate.
func (c *Codec) Encode(flag Flag, fragment uint32, window uint16, payload []byte) []byte {
	buf := Encode(flag, fragment, window, payload)
	if len(payload) == 0 {
		return buf
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rate <= 0 || c.rnd == nil {
		return buf
	}
	if c.rnd.Float64()*100 >= c.rate {
		return buf
	}

	data := buf[HeaderSize:]
	i := c.rnd.Intn(len(data))
	b := byte(c.rnd.Intn(256))
	for b == data[i] {
		b = byte(c.rnd.Intn(256))
	}
	data[i] = b
	return buf
}
