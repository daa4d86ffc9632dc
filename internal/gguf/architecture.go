package gguf

import (
	"math/big"
	"strings"

	"localmodeld/pkg/types"
)

// Key suffixes. The namespace before them is the architecture name
// ("llama.block_count", "qwen2.block_count", ...).
const (
	suffixBlockCount  = ".block_count"
	suffixHeadCountKV = ".attention.head_count_kv"
	suffixEmbedding   = ".embedding_length"
	suffixContext     = ".context_length"
	suffixFeedForward = ".feed_forward_length"
	keyArchitecture   = "general.architecture"
	keyName           = "general.name"
	keyFileType       = "general.file_type"
)

// Architecture derives the VRAM-relevant fields from the metadata. ModelSizeMB
// is left at zero: it comes from the filesystem or HTTP, not the header.
func (f *File) Architecture() types.ModelArchitecture {
	arch := types.ModelArchitecture{FileType: -1}
	if v, ok := f.Get(keyArchitecture); ok {
		arch.Family, _ = v.(string)
	}
	if v, ok := f.Get(keyName); ok {
		arch.Name, _ = v.(string)
	}
	if v, ok := f.Get(keyFileType); ok {
		if n, ok := toInt(v); ok {
			arch.FileType = n
		}
	}
	arch.LayerCount = f.lookupInt(arch.Family, suffixBlockCount)
	arch.KVHeadCount = f.lookupInt(arch.Family, suffixHeadCountKV)
	arch.EmbeddingDim = f.lookupInt(arch.Family, suffixEmbedding)
	arch.TrainedContextLength = f.lookupInt(arch.Family, suffixContext)
	arch.FeedForwardDim = f.lookupInt(arch.Family, suffixFeedForward)
	return arch
}

// ParseArchitecture is Parse followed by Architecture.
func ParseArchitecture(buf []byte) (types.ModelArchitecture, error) {
	f, err := Parse(buf)
	if err != nil {
		return types.ModelArchitecture{}, err
	}
	return f.Architecture(), nil
}

// lookupInt prefers "<family><suffix>" and otherwise takes the first key
// ending in suffix.
func (f *File) lookupInt(family, suffix string) int {
	if family != "" {
		if v, ok := f.Get(family + suffix); ok {
			if n, ok := toInt(v); ok {
				return n
			}
		}
	}
	for _, kv := range f.Metadata {
		if !strings.HasSuffix(kv.Key, suffix) {
			continue
		}
		if n, ok := toInt(kv.Value); ok {
			return n
		}
	}
	return 0
}

// toInt converts a decoded value to int. Arrays yield their maximum element,
// which is how per-layer head counts are reported.
func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case uint8:
		return int(x), true
	case int8:
		return int(x), true
	case uint16:
		return int(x), true
	case int16:
		return int(x), true
	case uint32:
		return int(x), true
	case int32:
		return int(x), true
	case uint64:
		return int(x), true
	case int64:
		return int(x), true
	case float32:
		return int(x), true
	case float64:
		return int(x), true
	case *big.Int:
		if x.IsInt64() {
			return int(x.Int64()), true
		}
		return 0, false
	case []any:
		best, found := 0, false
		for _, e := range x {
			n, ok := toInt(e)
			if !ok {
				continue
			}
			if !found || n > best {
				best, found = n, true
			}
		}
		return best, found
	}
	return 0, false
}
