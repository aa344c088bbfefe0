// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wire implements the update exchange format: a variable-length
// integer codec and the binary encoding of updates, ID sets, and state
// vectors.
package wire

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when the input ends mid-value.
	ErrTruncated = errors.New("truncated input")
	// ErrOverflow is returned when a varint does not fit its target type.
	ErrOverflow = errors.New("varint overflow")
	// ErrMalformed is returned for structurally invalid payloads.
	ErrMalformed = errors.New("malformed payload")
)

// Encoder appends wire primitives to a growing buffer.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns an empty encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the encoded output.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return e.buf.Len()
}

// WriteUint8 writes one raw byte.
func (e *Encoder) WriteUint8(v uint8) {
	e.buf.WriteByte(v)
}

// WriteVarUint writes v in little-endian base-128 groups, the low seven
// bits first, the high bit marking continuation.
func (e *Encoder) WriteVarUint(v uint64) {
	for v >= 0x80 {
		e.buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	e.buf.WriteByte(byte(v))
}

// WriteBytes writes a varuint length prefix followed by the raw bytes.
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf.Write(b)
}

// WriteString writes a length-prefixed UTF-8 string.
func (e *Encoder) WriteString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf.WriteString(s)
}

// Decoder reads wire primitives from a byte slice.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps data for reading. The decoder does not copy data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{buf: data}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// ReadUint8 reads one raw byte.
func (d *Decoder) ReadUint8() (uint8, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrTruncated
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

// ReadVarUint reads a varuint of up to 64 bits.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var v uint64
	for shift := 0; shift < 64; shift += 7 {
		if d.pos >= len(d.buf) {
			return 0, ErrTruncated
		}
		b := d.buf[d.pos]
		d.pos++
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v, nil
		}
	}
	return 0, ErrOverflow
}

// ReadUint32 reads a varuint and checks it fits 32 bits.
func (d *Decoder) ReadUint32() (uint32, error) {
	v, err := d.ReadVarUint()
	if err != nil {
		return 0, err
	}
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("%w: %d exceeds 32 bits", ErrOverflow, v)
	}
	return uint32(v), nil
}

// ReadLen reads a varuint length and checks it against the remaining input.
func (d *Decoder) ReadLen() (int, error) {
	v, err := d.ReadVarUint()
	if err != nil {
		return 0, err
	}
	if v > uint64(d.Remaining()) {
		return 0, fmt.Errorf("%w: length %d with %d bytes left", ErrTruncated, v, d.Remaining())
	}
	return int(v), nil
}

// ReadBytes reads a length-prefixed byte slice. The result aliases the
// decoder's input.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadLen()
	if err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
