// Package block unpacks the binary replies of SCPI instruments: IEEE-488.2
// arbitrary blocks and the REAL,32 / REAL,64 samples inside them.
package block

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gotmc/maglab"
)

// Order is the byte order selected with :FORM:BORD.
type Order int

// Byte orders. Normal is big-endian; Swapped is little-endian.
const (
	Normal Order = iota
	Swapped
)

func (o Order) binary() binary.ByteOrder {
	if o == Swapped {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func bad(format string, a ...any) error {
	return errors.Wrapf(maglab.ErrNotResponding, format, a...)
}

// Parse strips the block header from b and returns the payload.
//
//	#<n><n length digits><payload>   definite length
//	#0<payload>LF                    indefinite length, LF ends it
//
// Trailing terminator bytes after a definite-length payload are ignored.
func Parse(b []byte) ([]byte, error) {
	if len(b) < 2 {
		return nil, bad("block too short: %d bytes", len(b))
	}
	if b[0] != '#' {
		return nil, bad("invalid header: want # got %q", b[0])
	}
	n := int(b[1] - '0')
	if n < 0 || n > 9 {
		return nil, bad("invalid length digit count %q", b[1])
	}
	if n == 0 {
		data := b[2:]
		if l := len(data); l > 0 && data[l-1] == '\n' {
			data = data[:l-1]
		}
		return data, nil
	}
	if len(b) < 2+n {
		return nil, bad("block header truncated")
	}
	count, err := strconv.Atoi(string(b[2 : 2+n]))
	if err != nil {
		return nil, bad("invalid block length %q", b[2:2+n])
	}
	data := b[2+n:]
	if len(data) < count {
		return nil, bad("invalid length: expect %d, got %d", count, len(data))
	}
	return data[:count], nil
}

// Float32s decodes REAL,32 samples.
func Float32s(data []byte, o Order) ([]float64, error) {
	if len(data)%4 != 0 {
		return nil, bad("%d bytes remain after REAL,32 samples", len(data)%4)
	}
	bo := o.binary()
	vals := make([]float64, 0, len(data)/4)
	for len(data) > 0 {
		vals = append(vals, float64(math.Float32frombits(bo.Uint32(data))))
		data = data[4:]
	}
	return vals, nil
}

// Float64s decodes REAL,64 samples.
func Float64s(data []byte, o Order) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, bad("%d bytes remain after REAL,64 samples", len(data)%8)
	}
	bo := o.binary()
	vals := make([]float64, 0, len(data)/8)
	for len(data) > 0 {
		vals = append(vals, math.Float64frombits(bo.Uint64(data)))
		data = data[8:]
	}
	return vals, nil
}

// Decode parses a block and decodes its samples, size bytes each (4 or 8).
func Decode(b []byte, size int, o Order) ([]float64, error) {
	data, err := Parse(b)
	if err != nil {
		return nil, err
	}
	switch size {
	case 4:
		return Float32s(data, o)
	case 8:
		return Float64s(data, o)
	}
	return nil, &maglab.EnumError{Option: "sample size", Value: strconv.Itoa(size), Allowed: []string{"4", "8"}}
}

// Encode builds a definite-length block around samples. The simulator uses
// it to answer binary reads.
func Encode(vals []float64, size int, o Order) []byte {
	bo := o.binary()
	data := make([]byte, len(vals)*size)
	for i, v := range vals {
		if size == 4 {
			bo.PutUint32(data[i*4:], math.Float32bits(float32(v)))
		} else {
			bo.PutUint64(data[i*8:], math.Float64bits(v))
		}
	}
	l := strconv.Itoa(len(data))
	out := append([]byte("#"+strconv.Itoa(len(l))+l), data...)
	return out
}
