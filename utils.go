package mcap

import (
	"encoding/binary"
	"io"
	"math"
	"sort"
)

// This file is the primitive codec (little-endian scalars, length-prefixed strings/bytes/maps)
// described in the design doc. Every function here operates on a byte slice plus an explicit
// offset rather than an io.Reader, so the record codec in parse.go can decode a whole record
// body in one pass without incremental allocation.

func getUint16(buf []byte, offset int) (uint16, int, error) {
	if offset < 0 || offset > len(buf)-2 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(buf[offset:]), offset + 2, nil
}

func getUint32(buf []byte, offset int) (uint32, int, error) {
	if offset < 0 || offset > len(buf)-4 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(buf[offset:]), offset + 4, nil
}

func getUint64(buf []byte, offset int) (uint64, int, error) {
	if offset < 0 || offset > len(buf)-8 {
		return 0, 0, io.ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(buf[offset:]), offset + 8, nil
}

func putUint16(buf []byte, v uint16) int {
	binary.LittleEndian.PutUint16(buf, v)
	return 2
}

func putUint32(buf []byte, v uint32) int {
	binary.LittleEndian.PutUint32(buf, v)
	return 4
}

func putUint64(buf []byte, v uint64) int {
	binary.LittleEndian.PutUint64(buf, v)
	return 8
}

func putByte(buf []byte, b byte) (int, error) {
	if len(buf) < 1 {
		return 0, io.ErrShortBuffer
	}
	buf[0] = b
	return 1, nil
}

// getPrefixedString reads a u32-length-prefixed UTF-8 string starting at offset.
func getPrefixedString(buf []byte, offset int) (string, int, error) {
	length, offset, err := getUint32(buf, offset)
	if err != nil {
		return "", 0, err
	}
	if offset > len(buf)-int(length) {
		return "", 0, io.ErrShortBuffer
	}
	return string(buf[offset : offset+int(length)]), offset + int(length), nil
}

// getPrefixedBytes reads a u32-length-prefixed byte array starting at offset. The returned
// slice aliases buf.
func getPrefixedBytes(buf []byte, offset int) ([]byte, int, error) {
	length, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	if offset > len(buf)-int(length) {
		return nil, 0, io.ErrShortBuffer
	}
	return buf[offset : offset+int(length)], offset + int(length), nil
}

// getPrefixedMap reads a byteLen-prefixed run of back-to-back (string,string) entries.
func getPrefixedMap(buf []byte, offset int) (map[string]string, int, error) {
	byteLen, offset, err := getUint32(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	end := offset + int(byteLen)
	if end > len(buf) {
		return nil, 0, io.ErrShortBuffer
	}
	m := make(map[string]string)
	cursor := offset
	for cursor < end {
		var key, value string
		key, cursor, err = getPrefixedString(buf, cursor)
		if err != nil {
			return nil, 0, err
		}
		value, cursor, err = getPrefixedString(buf, cursor)
		if err != nil {
			return nil, 0, err
		}
		m[key] = value
	}
	return m, end, nil
}

func putPrefixedString(buf []byte, s string) int {
	offset := putUint32(buf, uint32(len(s)))
	offset += copy(buf[offset:], s)
	return offset
}

func putPrefixedBytes(buf []byte, b []byte) int {
	offset := putUint32(buf, uint32(len(b)))
	offset += copy(buf[offset:], b)
	return offset
}

// encodedMapLen returns the serialized byte length of m, not including its own length prefix.
func encodedMapLen(m map[string]string) int {
	n := 0
	for k, v := range m {
		n += 4 + len(k) + 4 + len(v)
	}
	return n
}

// putPrefixedMap writes m's byte length, followed by its (key,value) pairs in sorted key
// order so that writer output is deterministic.
func putPrefixedMap(buf []byte, m map[string]string) int {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	offset := putUint32(buf, uint32(encodedMapLen(m)))
	for _, k := range keys {
		offset += putPrefixedString(buf[offset:], k)
		offset += putPrefixedString(buf[offset:], m[k])
	}
	return offset
}

// safeMakeBytes allocates a buffer of n bytes, rejecting sizes that cannot be a valid record
// or chunk payload.
func safeMakeBytes(n uint64) ([]byte, error) {
	if n < math.MaxInt32 {
		return make([]byte, n), nil
	}
	return nil, ErrInvalidLength
}
