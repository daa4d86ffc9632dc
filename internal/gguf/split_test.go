package gguf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitName(t *testing.T) {
	base, part, total, ok := SplitName("llama.gguf-00002-of-00005.gguf")
	assert.True(t, ok)
	assert.Equal(t, "llama.gguf", base)
	assert.Equal(t, 2, part)
	assert.Equal(t, 5, total)

	for _, name := range []string{
		"llama.gguf",
		"llama-00001-of-00002.gguf",
		"llama.gguf-0001-of-0002.gguf",
		"llama.gguf-00003-of-00002.gguf",
		"llama.gguf-00000-of-00002.gguf",
	} {
		_, _, _, ok := SplitName(name)
		assert.Falsef(t, ok, "%s", name)
	}

	assert.Equal(t, []string{
		"m.gguf-00001-of-00003.gguf",
		"m.gguf-00002-of-00003.gguf",
		"m.gguf-00003-of-00003.gguf",
	}, PartNames("m.gguf", 3))
}

func TestPartURLs(t *testing.T) {
	got := PartURLs("https://hf.example/r/resolve/main/q.gguf-00001-of-00002.gguf?download=true")
	assert.Equal(t, []string{
		"https://hf.example/r/resolve/main/q.gguf-00001-of-00002.gguf?download=true",
		"https://hf.example/r/resolve/main/q.gguf-00002-of-00002.gguf?download=true",
	}, got)

	assert.Equal(t, []string{"https://hf.example/q.gguf"}, PartURLs("https://hf.example/q.gguf"))
	assert.Equal(t, []string{"https://hf.example/q.gguf-00002-of-00002.gguf"},
		PartURLs("https://hf.example/q.gguf-00002-of-00002.gguf"))
}
