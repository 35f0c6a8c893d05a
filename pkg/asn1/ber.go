// Package asn1 implements the ASN.1 BER length field used to frame every
// TPDU, SPDU and APDU of the Common Interface.
package asn1

import "errors"

var (
	ErrBufferTooSmall = errors.New("asn1: buffer too small")
	ErrInvalidLength  = errors.New("asn1: invalid length field")
)

// Length field prefixes for the long forms
const (
	LongForm1 = 0x81
	LongForm2 = 0x82
)

// MaxEncodedLen is the largest length field this codec produces
const MaxEncodedLen = 3

// Decode reads a length field from the start of buf.
// It returns the decoded length and the number of bytes consumed (1, 2 or 3).
func Decode(buf []byte) (uint16, int, error) {
	if len(buf) < 1 {
		return 0, 0, ErrBufferTooSmall
	}

	b := buf[0]
	switch {
	case b < 0x80:
		return uint16(b), 1, nil
	case b == LongForm1:
		if len(buf) < 2 {
			return 0, 0, ErrBufferTooSmall
		}
		return uint16(buf[1]), 2, nil
	case b == LongForm2:
		if len(buf) < 3 {
			return 0, 0, ErrBufferTooSmall
		}
		return uint16(buf[1])<<8 | uint16(buf[2]), 3, nil
	}
	return 0, 0, ErrInvalidLength
}

// EncodedLen returns the size of the minimal length field for length
func EncodedLen(length uint16) int {
	switch {
	case length < 0x80:
		return 1
	case length < 0x100:
		return 2
	default:
		return 3
	}
}

// Encode writes the minimal length field for length into buf and returns
// the number of bytes written.
func Encode(length uint16, buf []byte) (int, error) {
	n := EncodedLen(length)
	if len(buf) < n {
		return 0, ErrBufferTooSmall
	}

	switch n {
	case 1:
		buf[0] = byte(length)
	case 2:
		buf[0] = LongForm1
		buf[1] = byte(length)
	default:
		buf[0] = LongForm2
		buf[1] = byte(length >> 8)
		buf[2] = byte(length)
	}
	return n, nil
}

// Append appends the length field for length to dst
func Append(dst []byte, length uint16) []byte {
	var tmp [MaxEncodedLen]byte
	n, _ := Encode(length, tmp[:])
	return append(dst, tmp[:n]...)
}

// EncodeInt encodes a length held in an int, rejecting values that do not
// fit the 16-bit field.
func EncodeInt(length int, buf []byte) (int, error) {
	if length < 0 || length > 0xffff {
		return 0, ErrInvalidLength
	}
	return Encode(uint16(length), buf)
}
