// Package fingerprint computes the content hashes used for staging change detection.
//
// A fingerprint is a BLAKE3-256 digest over an ordered list of field values. Every value is
// written with a type tag and a length prefix, so ("ab", "c") and ("a", "bc") differ and a
// null field never collides with an empty string.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

const (
	tagNull   byte = 0
	tagString byte = 1
	tagList   byte = 2
	tagNumber byte = 3
	tagDate   byte = 4
	tagBool   byte = 5
)

// Builder accumulates field values in order.
type Builder struct {
	h   *blake3.Hasher
	buf [binary.MaxVarintLen64]byte
}

func New() *Builder {
	return &Builder{h: blake3.New()}
}

func (b *Builder) write(tag byte, payload []byte) {
	b.h.Write([]byte{tag})
	n := binary.PutUvarint(b.buf[:], uint64(len(payload)))
	b.h.Write(b.buf[:n])
	b.h.Write(payload)
}

func (b *Builder) String(v string) *Builder {
	b.write(tagString, []byte(v))
	return b
}

func (b *Builder) OptString(v *string) *Builder {
	if v == nil {
		b.write(tagNull, nil)
		return b
	}
	return b.String(*v)
}

func (b *Builder) Strings(v []string) *Builder {
	// the count gets its own buffer; write reuses b.buf for the length prefix
	b.write(tagList, binary.AppendUvarint(nil, uint64(len(v))))
	for _, s := range v {
		b.String(s)
	}
	return b
}

func (b *Builder) Number(v *float64) *Builder {
	if v == nil {
		b.write(tagNull, nil)
		return b
	}
	b.write(tagNumber, []byte(strconv.FormatFloat(*v, 'f', -1, 64)))
	return b
}

// Date hashes the calendar date only, so time-of-day and zone never register as a change.
func (b *Builder) Date(v *time.Time) *Builder {
	if v == nil {
		b.write(tagNull, nil)
		return b
	}
	b.write(tagDate, []byte(v.Format(time.DateOnly)))
	return b
}

func (b *Builder) Bool(v bool) *Builder {
	if v {
		b.write(tagBool, []byte{1})
	} else {
		b.write(tagBool, []byte{0})
	}
	return b
}

// Sum returns the hex-encoded 256-bit digest.
func (b *Builder) Sum() string {
	return hex.EncodeToString(b.h.Sum(nil))
}
