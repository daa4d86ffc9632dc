// Package gguf decodes the key/value header of GGUF model files.
//
// Callers usually only hold a prefix of the file (the first 256KiB of a local
// file, or a few MB fetched with an HTTP range request), so decoding is total
// once the magic and version have been checked: a read past the end of the
// buffer stops decoding and returns whatever entries were complete.
package gguf

import (
	"encoding/binary"
	"math"
	"math/big"
)

// Magic is the ASCII tag every GGUF file starts with.
const Magic = "GGUF"

// ValueType is the on-disk type tag of a metadata value.
type ValueType uint32

const (
	TypeUint8   ValueType = 0
	TypeInt8    ValueType = 1
	TypeUint16  ValueType = 2
	TypeInt16   ValueType = 3
	TypeUint32  ValueType = 4
	TypeInt32   ValueType = 5
	TypeFloat32 ValueType = 6
	TypeBool    ValueType = 7
	TypeString  ValueType = 8
	TypeArray   ValueType = 9
	TypeUint64  ValueType = 10
	TypeInt64   ValueType = 11
	TypeFloat64 ValueType = 12
)

// maxSafeInteger is the largest integer that round-trips through a float64.
const maxSafeInteger = 1<<53 - 1

// KV is one decoded metadata entry. Value holds a Go scalar (uint8 … float64,
// bool, string), []any for arrays, or *big.Int for 64-bit integers that do not
// fit in a float64 mantissa.
type KV struct {
	Key   string
	Type  ValueType
	Value any
}

// File is the decoded header.
type File struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
	Metadata    []KV
	// Truncated is set when decoding stopped before KVCount entries were read.
	Truncated bool

	index map[string]int
}

// Get returns the value stored under key.
func (f *File) Get(key string) (any, bool) {
	if f.index == nil {
		f.index = make(map[string]int, len(f.Metadata))
		for i, kv := range f.Metadata {
			f.index[kv.Key] = i
		}
	}
	i, ok := f.index[key]
	if !ok {
		return nil, false
	}
	return f.Metadata[i].Value, true
}

// Parse decodes the header of buf. Only a missing or foreign magic, a version
// the format no longer supports, or a buffer too short to hold them produce an
// error.
func Parse(buf []byte) (*File, error) {
	if len(buf) < 4 {
		return nil, ErrShortHeader
	}
	if string(buf[:4]) != Magic {
		return nil, ErrBadMagic
	}
	if len(buf) < 8 {
		return nil, ErrShortHeader
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	switch {
	case version == 1:
		return nil, &FormatError{Reason: ErrOutdatedVersion.Reason, Version: version}
	case version < 2:
		return nil, &FormatError{Reason: ErrUnsupportedVersion.Reason, Version: version}
	}

	f := &File{Version: version}
	d := &decoder{buf: buf, off: 8}
	var err error
	if f.TensorCount, err = d.u64(); err != nil {
		f.Truncated = true
		return f, nil
	}
	if f.KVCount, err = d.u64(); err != nil {
		f.Truncated = true
		return f, nil
	}
	for i := uint64(0); i < f.KVCount; i++ {
		kv, err := d.entry()
		if err != nil {
			f.Truncated = true
			break
		}
		f.Metadata = append(f.Metadata, kv)
	}
	return f, nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) take(n uint64) ([]byte, error) {
	if n > uint64(len(d.buf)-d.off) {
		return nil, errShortRead
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u64()
	if err != nil {
		return "", err
	}
	b, err := d.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) entry() (KV, error) {
	key, err := d.str()
	if err != nil {
		return KV{}, err
	}
	t, err := d.u32()
	if err != nil {
		return KV{}, err
	}
	vt := ValueType(t)
	var v any
	if vt == TypeArray {
		v, err = d.array()
	} else {
		v, err = d.scalar(vt)
	}
	if err != nil {
		return KV{}, err
	}
	return KV{Key: key, Type: vt, Value: v}, nil
}

// array decodes one level of array. Arrays of arrays stop decoding.
func (d *decoder) array() ([]any, error) {
	t, err := d.u32()
	if err != nil {
		return nil, err
	}
	et := ValueType(t)
	if et == TypeArray {
		return nil, errShortRead
	}
	n, err := d.u64()
	if err != nil {
		return nil, err
	}
	// Every element takes at least one byte, so a count larger than what is
	// left cannot be satisfied by this prefix.
	if n > uint64(len(d.buf)-d.off) {
		return nil, errShortRead
	}
	out := make([]any, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := d.scalar(et)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *decoder) scalar(t ValueType) (any, error) {
	switch t {
	case TypeUint8:
		return d.u8()
	case TypeInt8:
		v, err := d.u8()
		return int8(v), err
	case TypeUint16:
		return d.u16()
	case TypeInt16:
		v, err := d.u16()
		return int16(v), err
	case TypeUint32:
		return d.u32()
	case TypeInt32:
		v, err := d.u32()
		return int32(v), err
	case TypeFloat32:
		v, err := d.u32()
		return math.Float32frombits(v), err
	case TypeBool:
		v, err := d.u8()
		return v != 0, err
	case TypeString:
		return d.str()
	case TypeUint64:
		v, err := d.u64()
		if err != nil {
			return nil, err
		}
		if v > maxSafeInteger {
			return new(big.Int).SetUint64(v), nil
		}
		return v, nil
	case TypeInt64:
		u, err := d.u64()
		if err != nil {
			return nil, err
		}
		v := int64(u)
		if v > maxSafeInteger || v < -maxSafeInteger {
			return big.NewInt(v), nil
		}
		return v, nil
	case TypeFloat64:
		v, err := d.u64()
		return math.Float64frombits(v), err
	default:
		// Unknown tag: the width is unknown, nothing after it can be located.
		return nil, errShortRead
	}
}
