// Package gguftest builds GGUF headers for tests.
package gguftest

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Builder accumulates metadata entries and renders a GGUF header.
type Builder struct {
	version uint32
	tensors uint64
	count   int
	body    bytes.Buffer
}

// New returns a builder for a version 3 header.
func New() *Builder { return &Builder{version: 3} }

// Version overrides the header version.
func (b *Builder) Version(v uint32) *Builder { b.version = v; return b }

func (b *Builder) key(k string, t uint32) {
	b.count++
	b.putU64(uint64(len(k)))
	b.body.WriteString(k)
	b.putU32(t)
}

func (b *Builder) putU32(v uint32) { _ = binary.Write(&b.body, binary.LittleEndian, v) }
func (b *Builder) putU64(v uint64) { _ = binary.Write(&b.body, binary.LittleEndian, v) }

// Uint32 adds a uint32 entry.
func (b *Builder) Uint32(k string, v uint32) *Builder {
	b.key(k, 4)
	b.putU32(v)
	return b
}

// Uint64 adds a uint64 entry.
func (b *Builder) Uint64(k string, v uint64) *Builder {
	b.key(k, 10)
	b.putU64(v)
	return b
}

// Int64 adds an int64 entry.
func (b *Builder) Int64(k string, v int64) *Builder {
	b.key(k, 11)
	b.putU64(uint64(v))
	return b
}

// Float32 adds a float32 entry.
func (b *Builder) Float32(k string, v float32) *Builder {
	b.key(k, 6)
	b.putU32(math.Float32bits(v))
	return b
}

// Bool adds a bool entry.
func (b *Builder) Bool(k string, v bool) *Builder {
	b.key(k, 7)
	if v {
		b.body.WriteByte(1)
	} else {
		b.body.WriteByte(0)
	}
	return b
}

// String adds a string entry.
func (b *Builder) String(k, v string) *Builder {
	b.key(k, 8)
	b.putU64(uint64(len(v)))
	b.body.WriteString(v)
	return b
}

// Uint32Array adds an array of uint32.
func (b *Builder) Uint32Array(k string, vs ...uint32) *Builder {
	b.key(k, 9)
	b.putU32(4)
	b.putU64(uint64(len(vs)))
	for _, v := range vs {
		b.putU32(v)
	}
	return b
}

// StringArray adds an array of strings.
func (b *Builder) StringArray(k string, vs ...string) *Builder {
	b.key(k, 9)
	b.putU32(8)
	b.putU64(uint64(len(vs)))
	for _, v := range vs {
		b.putU64(uint64(len(v)))
		b.body.WriteString(v)
	}
	return b
}

// Bytes renders the header.
func (b *Builder) Bytes() []byte {
	var out bytes.Buffer
	out.WriteString("GGUF")
	_ = binary.Write(&out, binary.LittleEndian, b.version)
	_ = binary.Write(&out, binary.LittleEndian, b.tensors)
	_ = binary.Write(&out, binary.LittleEndian, uint64(b.count))
	out.Write(b.body.Bytes())
	return out.Bytes()
}

// Llama returns a builder populated with a llama-style architecture.
func Llama(layers, kvHeads, embedding, context, feedForward uint32) *Builder {
	return New().
		String("general.architecture", "llama").
		String("general.name", "test-model").
		Uint32("general.file_type", 15).
		Uint32("llama.block_count", layers).
		Uint32("llama.attention.head_count", kvHeads*4).
		Uint32("llama.attention.head_count_kv", kvHeads).
		Uint32("llama.embedding_length", embedding).
		Uint32("llama.context_length", context).
		Uint32("llama.feed_forward_length", feedForward)
}
