package util

import (
	"encoding/binary"
	"errors"

	"braces.dev/errtrace"
)

var (
	ErrUnexpectedEOF    = errors.New("unexpected end of data")
	ErrMalformedUvarint = errors.New("malformed uvarint")
)

// SizeUVarInt returns the number of bytes [AppendUVarInt] writes for val.
func SizeUVarInt(val uint64) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], val)
}

func AppendUVarInt(buf []byte, val uint64) []byte { return binary.AppendUvarint(buf, val) }

// ConsumeUVarInt decodes a uvarint from the head of data and returns it along with the rest of data.
func ConsumeUVarInt(data []byte) (uint64, []byte, error) {
	val, n := binary.Uvarint(data)
	switch {
	case n == 0:
		return 0, nil, errtrace.Wrap(ErrUnexpectedEOF)
	case n < 0:
		return 0, nil, errtrace.Wrap(ErrMalformedUvarint)
	}
	return val, data[n:], nil
}

// A prefixed string is its uvarint encoded length followed by the raw bytes.

func SizePrefixedString[T ~string | ~[]byte](val T) int {
	return SizeUVarInt(uint64(len(val))) + len(val)
}

func AppendPrefixedString[T ~string | ~[]byte](buf []byte, val T) []byte {
	return append(AppendUVarInt(buf, uint64(len(val))), val...)
}

// ConsumePrefixedString reads a string written by [AppendPrefixedString]
// and returns it along with the rest of data.
func ConsumePrefixedString(data []byte) (string, []byte, error) {
	n, rest, err := ConsumeUVarInt(data)
	if err != nil {
		return "", nil, errtrace.Wrap(err)
	}
	if n > uint64(len(rest)) {
		return "", nil, errtrace.Wrap(ErrUnexpectedEOF)
	}
	return string(rest[:n]), rest[n:], nil
}
