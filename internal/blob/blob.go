// Package blob implements the on-disk wire format for a persisted
// collection: a 3-byte header followed by length-prefixed, NUL-terminated
// (name, value) pairs, terminated by a zero-length name.
//
//	header     : 3 bytes, 0x49 0x52 0x01
//	pair       : name_field value_field
//	name_field : u16 BE length L (payload + NUL), L bytes, last byte 0x00
//	value_field: u16 BE length L (payload + NUL), L bytes, last byte 0x00
//	terminator : u16 BE 0x0000
//
// The header is reserved for future versioning and is currently not
// validated on decode; see the open question in SPEC_FULL.md.
package blob

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/wesleyyan-sb/colstore/internal/variable"
)

// Header is the fixed 3-byte prefix written by Encode and skipped
// (without validation) by Decode.
var Header = [3]byte{0x49, 0x52, 0x01}

// maxFieldLen is the largest length value (payload + NUL) that fits the
// u16 length prefix: a payload of 65535 bytes plus its terminator.
const maxFieldLen = 65536

// ErrCorrupt indicates the blob was truncated or otherwise failed a
// bounds check during decoding.
var ErrCorrupt = errors.New("blob: corrupt record")

// Encode marshals a collection into its on-disk byte representation.
// The caller must have already removed IS_NEW and UPDATE_RATE (the
// Manager does this before calling Encode; see spec §4.3.2). Encoding
// never fails: any name or value longer than 65535 bytes is clamped.
func Encode(col *variable.Collection) []byte {
	vars := col.Variables()

	size := len(Header) + 2 // terminator
	for _, v := range vars {
		size += 2 + fieldLen(len(v.Name))
		size += 2 + fieldLen(len(v.Value))
	}

	buf := make([]byte, size)
	offset := copy(buf, Header[:])

	for _, v := range vars {
		offset = writeField(buf, offset, v.Name)
		offset = writeField(buf, offset, v.Value)
	}

	binary.BigEndian.PutUint16(buf[offset:], 0)
	return buf
}

// fieldLen returns the wire length (payload + NUL), clamped to 65536.
func fieldLen(payloadLen int) int {
	l := payloadLen + 1
	if l > maxFieldLen {
		return maxFieldLen
	}
	return l
}

func writeField(buf []byte, offset int, payload []byte) int {
	l := fieldLen(len(payload))
	binary.BigEndian.PutUint16(buf[offset:], uint16(l))
	offset += 2
	n := l - 1
	copy(buf[offset:offset+n], payload[:min(n, len(payload))])
	buf[offset+l-1] = 0x00
	return offset + l
}

// Decode unmarshals a blob back into a collection. It is lenient about
// trailing garbage and oversized length fields (per spec §4.1 step 3/4):
// those conditions log a warning and return whatever was parsed so far
// rather than failing. A truncated record (a length field that would
// read past the end of the buffer) fails with ErrCorrupt, since that
// cannot be distinguished from a genuinely damaged file.
func Decode(data []byte, log *logrus.Logger) (*variable.Collection, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	col := variable.New()
	size := len(data)
	if size < len(Header) {
		return col, nil
	}

	offset := len(Header)
	for offset+1 < size {
		nameLen := int(binary.BigEndian.Uint16(data[offset:]))

		if nameLen == 0 {
			if offset < size-2 {
				log.WithField("offset", offset).Warn("blob: possibly corrupted database, zero-length name before end of record")
			}
			return col, nil
		}
		if nameLen > maxFieldLen {
			log.WithFields(logrus.Fields{"offset": offset, "name_len": nameLen}).
				Warn("blob: possibly corrupted database, name length exceeds maximum")
			return col, nil
		}

		offset += 2
		if offset+nameLen > size {
			return nil, fmt.Errorf("blob: truncated name field at offset %d: %w", offset, ErrCorrupt)
		}
		name := data[offset : offset+nameLen-1]
		offset += nameLen

		if offset+2 > size {
			return nil, fmt.Errorf("blob: truncated value length at offset %d: %w", offset, ErrCorrupt)
		}
		valueLen := int(binary.BigEndian.Uint16(data[offset:]))
		offset += 2
		if valueLen == 0 {
			return nil, fmt.Errorf("blob: zero-length value field at offset %d: %w", offset, ErrCorrupt)
		}
		if offset+valueLen > size {
			return nil, fmt.Errorf("blob: truncated value field at offset %d: %w", offset, ErrCorrupt)
		}
		value := data[offset : offset+valueLen-1]
		offset += valueLen

		if err := col.Add(name, value); err != nil {
			return nil, fmt.Errorf("blob: %w: %w", err, ErrCorrupt)
		}
	}

	return col, nil
}
