// Package protocol implements the binary wire format spoken between the
// sync provider and the relay: a varuint codec and the framing for sync,
// awareness and sync-status messages.
package protocol

import (
	"bytes"
	"errors"
)

// ErrShortBuffer is returned when a decoder runs out of input mid-value.
var ErrShortBuffer = errors.New("protocol: short buffer")

// Encoder builds a binary message. The zero value is ready to use.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// WriteUint8 appends a single byte.
func (e *Encoder) WriteUint8(v byte) {
	e.buf.WriteByte(v)
}

// WriteVarUint appends v in the variable-length encoding used on the wire:
// 7 bits per byte, high bit set while more bytes follow.
func (e *Encoder) WriteVarUint(v uint64) {
	for v >= 0x80 {
		e.buf.WriteByte(byte(v)&0x7f | 0x80)
		v >>= 7
	}
	e.buf.WriteByte(byte(v))
}

// WriteVarBytes appends a varuint length prefix followed by the raw bytes.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf.Write(b)
}

// WriteString appends s as a length-prefixed UTF-8 byte string.
func (e *Encoder) WriteString(s string) {
	e.WriteVarBytes([]byte(s))
}

// Bytes returns the encoded message.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Decoder reads a binary message produced by Encoder.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps b without copying.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// ReadUint8 reads a single byte.
func (d *Decoder) ReadUint8() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrShortBuffer
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// ReadVarUint reads a variable-length unsigned integer.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		if d.pos >= len(d.buf) {
			return 0, ErrShortBuffer
		}
		if shift >= 64 {
			return 0, errors.New("protocol: varuint overflow")
		}
		b := d.buf[d.pos]
		d.pos++
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
	}
}

// ReadVarBytes reads a length-prefixed byte string. The returned slice
// aliases the decoder's buffer.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)-d.pos) < n {
		return nil, ErrShortBuffer
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HasContent reports whether unread bytes remain.
func (d *Decoder) HasContent() bool {
	return d.pos < len(d.buf)
}
