// Package wire frames persisted entries. Every frame starts with a magic,
// a format version and a kind byte; decoders reject anything else.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	version    byte = 2
	kindSingle byte = 1
	kindBulk   byte = 2

	headerLen = 8 + 8 + 8 // gen | entry version | updatedAt
	prefixLen = 4 + 1 + 1
)

var (
	ErrCorrupt = errors.New("querysync: corrupt persisted entry")
	magic4     = [...]byte{'Q', 'S', 'Y', 'N'}
)

// Header is the metadata stored alongside a payload.
type Header struct {
	Gen       uint64 // generation observed when the value was saved
	Version   uint64 // entry version at save time
	UpdatedAt time.Time
}

func hasPrefix(b []byte, kind byte) bool {
	return len(b) >= prefixLen && bytes.Equal(b[:4], magic4[:]) && b[4] == version && b[5] == kind
}

func putHeader(buf *bytes.Buffer, h Header) {
	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], h.Gen)
	buf.Write(u8[:])
	binary.BigEndian.PutUint64(u8[:], h.Version)
	buf.Write(u8[:])
	var ts int64
	if !h.UpdatedAt.IsZero() {
		ts = h.UpdatedAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(ts))
	buf.Write(u8[:])
}

func readHeader(b []byte) Header {
	h := Header{
		Gen:     binary.BigEndian.Uint64(b[0:8]),
		Version: binary.BigEndian.Uint64(b[8:16]),
	}
	if ts := int64(binary.BigEndian.Uint64(b[16:24])); ts != 0 {
		h.UpdatedAt = time.Unix(0, ts).UTC()
	}
	return h
}

// EncodeSingle frames one payload:
//
//	magic(4) | ver(1) | kind(1=single) | header(24) | vlen(u32 be) | payload(vlen)
func EncodeSingle(h Header, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(prefixLen + headerLen + 4 + len(payload))
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindSingle)
	putHeader(&buf, h)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])
	buf.Write(payload)
	return buf.Bytes()
}

// DecodeSingle is the inverse of EncodeSingle. The returned payload aliases b.
// Trailing bytes are treated as corruption.
func DecodeSingle(b []byte) (Header, []byte, error) {
	if len(b) < prefixLen+headerLen+4 || !hasPrefix(b, kindSingle) {
		return Header{}, nil, ErrCorrupt
	}
	off := prefixLen
	h := readHeader(b[off : off+headerLen])
	off += headerLen

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return Header{}, nil, ErrCorrupt
	}
	return h, b[off : off+vlen], nil
}

// BulkItem is one member of a bulk frame.
type BulkItem struct {
	Key     string
	Header  Header
	Payload []byte
}

// EncodeBulk frames several payloads:
//
//	magic(4) | ver(1) | kind(1=bulk) | n(u32 be)
//	[keyLen(u16 be) | key | header(24) | vlen(u32 be) | payload] * n
//
// Keys must be 1..65535 bytes long.
func EncodeBulk(items []BulkItem) ([]byte, error) {
	total := prefixLen + 4
	for i, it := range items {
		if l := len(it.Key); l == 0 || l > 0xFFFF {
			return nil, fmt.Errorf("wire: bulk item %d: invalid key length %d", i, l)
		}
		total += 2 + len(it.Key) + headerLen + 4 + len(it.Payload)
	}

	var buf bytes.Buffer
	buf.Grow(total)
	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindBulk)

	var u4 [4]byte
	var u2 [2]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(items)))
	buf.Write(u4[:])

	for _, it := range items {
		binary.BigEndian.PutUint16(u2[:], uint16(len(it.Key)))
		buf.Write(u2[:])
		buf.WriteString(it.Key)
		putHeader(&buf, it.Header)
		binary.BigEndian.PutUint32(u4[:], uint32(len(it.Payload)))
		buf.Write(u4[:])
		buf.Write(it.Payload)
	}
	return buf.Bytes(), nil
}

// DecodeBulk is the inverse of EncodeBulk. Payloads alias b.
func DecodeBulk(b []byte) ([]BulkItem, error) {
	if len(b) < prefixLen+4 || !hasPrefix(b, kindBulk) {
		return nil, ErrCorrupt
	}
	off := prefixLen
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	// every item needs at least 2+1+header+4 bytes
	if n > (len(b)-off)/(2+1+headerLen+4) {
		return nil, ErrCorrupt
	}

	items := make([]BulkItem, 0, n)
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return nil, ErrCorrupt
		}
		klen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if klen == 0 || klen > len(b)-off {
			return nil, ErrCorrupt
		}
		k := string(b[off : off+klen])
		off += klen

		if off+headerLen+4 > len(b) {
			return nil, ErrCorrupt
		}
		h := readHeader(b[off : off+headerLen])
		off += headerLen

		vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if vlen > len(b)-off {
			return nil, ErrCorrupt
		}
		items = append(items, BulkItem{Key: k, Header: h, Payload: b[off : off+vlen]})
		off += vlen
	}
	if off != len(b) {
		return nil, ErrCorrupt
	}
	return items, nil
}
