// Package transport implements the non-blocking, length-framed TCP fabric
// described by the specification's Poller/TcpServer/TcpConnection/Transport
// components. It is deliberately the one piece of this module that is not
// outsourced to a third-party library: a length-prefixed socket framing
// protocol with peer attribution via a Hello handshake is the module's own
// deliverable, not a concern any dependency in the reference corpus covers
// the way the specification requires.
//
// Framing is grounded on pysyncobj/tcp_server.py (original_source): a
// 4-byte length prefix followed by that many opaque bytes, TCP_NODELAY and
// tuned SO_SNDBUF/SO_RCVBUF on every socket, and idle-timeout disconnection.
package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
)

// NodeAddress is a (host, port) pair in "host:port" form; also the stable
// node identity within a cluster.
type NodeAddress string

// FrameKind distinguishes the transport-level Hello handshake from an
// opaque Raft-level message the transport does not interpret.
type FrameKind uint8

const (
	FrameHello FrameKind = iota
	FrameData
)

// Frame is the gob-encoded body of one length-prefixed wire record. Hello
// is populated only for FrameHello; Body carries the opaque Raft envelope
// for FrameData.
type Frame struct {
	Kind  FrameKind
	Hello NodeAddress
	Body  []byte
}

const maxFrameBytes = 64 << 20 // guards against a corrupt length prefix

// encodeFrame serializes a Frame into a length-prefixed record: a 4-byte
// little-endian length followed by that many gob-encoded bytes.
func encodeFrame(f Frame) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(f); err != nil {
		return nil, fmt.Errorf("transport: encode frame: %w", err)
	}
	if body.Len() > maxFrameBytes {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", body.Len())
	}
	out := make([]byte, 4+body.Len())
	binary.LittleEndian.PutUint32(out[:4], uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out, nil
}

func decodeFrame(body []byte) (Frame, error) {
	var f Frame
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("transport: decode frame: %w", err)
	}
	return f, nil
}

// frameDecoder incrementally assembles whole frames out of a byte stream
// delivered in arbitrary chunks, yielding only complete messages and
// buffering partial reads — the receiver-side half of the framing contract.
type frameDecoder struct {
	buf []byte
}

// Feed appends newly read bytes and returns every frame that is now
// complete, in arrival order.
func (d *frameDecoder) Feed(chunk []byte) ([]Frame, error) {
	d.buf = append(d.buf, chunk...)

	var out []Frame
	for {
		if len(d.buf) < 4 {
			return out, nil
		}
		n := binary.LittleEndian.Uint32(d.buf[:4])
		if n > maxFrameBytes {
			return out, fmt.Errorf("transport: declared frame length %d exceeds limit", n)
		}
		if uint32(len(d.buf)-4) < n {
			return out, nil
		}
		body := d.buf[4 : 4+n]
		f, err := decodeFrame(body)
		if err != nil {
			return out, err
		}
		out = append(out, f)
		d.buf = d.buf[4+n:]
	}
}
