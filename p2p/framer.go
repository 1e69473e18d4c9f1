package p2p

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Wire format: a 4-byte big-endian payload length, then the payload. The
// payload envelope is type(1) | flags(1) | id(16) | [reqId(16)] | body.
const (
	frameHeaderSize  = 4
	maxFrameSize     = 32 << 20
	envelopeMinSize  = 2 + 16
	flagHasReqID     = 0x01
	envelopeReqIDLen = 16
)

var (
	ErrFrameTooLarge   = errors.New("p2p: frame exceeds maximum size")
	ErrMalformedPacket = errors.New("p2p: malformed packet")
	ErrUnexpectedEOF   = errors.New("p2p: unexpected end of stream")
)

// EncodePacket serializes a packet into a single frame, length prefix
// included.
func EncodePacket(p *Packet) ([]byte, error) {
	if !p.Type.valid() {
		return nil, ErrMalformedPacket
	}
	size := envelopeMinSize + len(p.Body)
	flags := byte(0)
	if p.ReqID != nil {
		flags |= flagHasReqID
		size += envelopeReqIDLen
	}
	if size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+size)
	binary.BigEndian.PutUint32(buf, uint32(size))
	buf = append(buf, byte(p.Type), flags)
	buf = append(buf, p.ID[:]...)
	if p.ReqID != nil {
		buf = append(buf, p.ReqID[:]...)
	}
	buf = append(buf, p.Body...)
	return buf, nil
}

// DecodePacket parses a frame payload (the bytes after the length prefix).
func DecodePacket(payload []byte) (*Packet, error) {
	if len(payload) < envelopeMinSize {
		return nil, ErrMalformedPacket
	}
	t := PacketType(payload[0])
	if !t.valid() {
		return nil, ErrMalformedPacket
	}
	flags := payload[1]
	if flags&^flagHasReqID != 0 {
		return nil, ErrMalformedPacket
	}
	p := &Packet{Type: t}
	copy(p.ID[:], payload[2:18])
	rest := payload[18:]
	if flags&flagHasReqID != 0 {
		if len(rest) < envelopeReqIDLen {
			return nil, ErrMalformedPacket
		}
		var reqID uuid.UUID
		copy(reqID[:], rest[:envelopeReqIDLen])
		p.ReqID = &reqID
		rest = rest[envelopeReqIDLen:]
	}
	p.Body = append([]byte(nil), rest...)
	return p, nil
}

// Framer reads and writes length-prefixed packets over a single connection.
// Reads are single-consumer; writes are serialized internally.
type Framer struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
}

func NewFramer(conn net.Conn) *Framer {
	return &Framer{conn: conn, r: bufio.NewReader(conn)}
}

// ReadPacket blocks until a full frame arrives or the deadline passes. A zero
// deadline blocks indefinitely.
func (f *Framer) ReadPacket(deadline time.Time) (*Packet, error) {
	if err := f.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return nil, mapReadErr(err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if size < envelopeMinSize {
		return nil, ErrMalformedPacket
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, mapReadErr(err)
	}
	return DecodePacket(payload)
}

// WritePacket frames and flushes a packet before the deadline.
func (f *Framer) WritePacket(p *Packet, deadline time.Time) error {
	frame, err := EncodePacket(p)
	if err != nil {
		return err
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if err := f.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = f.conn.Write(frame)
	return err
}

func mapReadErr(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnexpectedEOF
	}
	return err
}
