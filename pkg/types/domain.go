package types

// CacheType is the KV cache element type used when running a model.
type CacheType string

const (
	CacheFP16 CacheType = "fp16"
	CacheQ8_0 CacheType = "q8_0"
	CacheQ4_0 CacheType = "q4_0"
)

// ModelArchitecture carries the fields needed to estimate VRAM for a model.
// Zero means "unknown".
type ModelArchitecture struct {
	// Number of transformer blocks.
	// example: 32
	LayerCount int `json:"layer_count"`
	// Number of key/value attention heads (max across layers).
	// example: 8
	KVHeadCount int `json:"kv_head_count"`
	// Embedding dimension.
	// example: 4096
	EmbeddingDim int `json:"embedding_dim"`
	// Context length the model was trained with.
	// example: 8192
	TrainedContextLength int `json:"trained_context_length"`
	// Feed-forward dimension.
	// example: 14336
	FeedForwardDim int `json:"feed_forward_dim"`
	// Size of the weights in MB (all parts).
	// example: 4370
	ModelSizeMB float64 `json:"model_size_mb"`
	// Architecture family from general.architecture.
	// example: llama
	Family string `json:"family,omitempty"`
	// Model name from general.name.
	Name string `json:"name,omitempty"`
	// GGUF file type code from general.file_type, -1 when absent.
	FileType int `json:"file_type"`
}

// VRAMConfiguration is one candidate run configuration.
type VRAMConfiguration struct {
	GPULayers   int       `json:"gpu_layers"`
	ContextSize int       `json:"context_size"`
	CacheType   CacheType `json:"cache_type"`
	// example: 8K context
	Label string `json:"label"`
}

// VRAMEstimate is the estimated graphics memory in MB for one configuration.
// Conservative is always greater than Expected.
type VRAMEstimate struct {
	ExpectedMB     float64           `json:"expected_mb"`
	ConservativeMB float64           `json:"conservative_mb"`
	Config         VRAMConfiguration `json:"config"`
}

// LocalModelDescriptor describes a model file (or set of part files) on disk.
type LocalModelDescriptor struct {
	// Stable identifier: the entry filename.
	// example: llama-3.1-8b-q4_k_m.gguf
	ID string `json:"id"`
	// Human-friendly name (filename without extension and part suffix).
	// example: llama-3.1-8b-q4_k_m
	Name string `json:"name"`
	// Entry filename (part 00001 for multi-part models).
	Filename string `json:"filename"`
	// Absolute path to the entry file.
	// example: /home/user/models/llama-3.1-8b-q4_k_m.gguf
	Path string `json:"path"`
	// Total size in bytes across all parts.
	SizeBytes int64 `json:"size_bytes"`
	// Quantization code derived from the filename.
	// example: Q4_K_M
	Quant string `json:"quant"`
	// Parameter count hint from the filename (e.g. "8B").
	ParameterHint string `json:"parameter_hint,omitempty"`
	// Context length hint in tokens from the filename (e.g. "32k" -> 32000).
	ContextHint int `json:"context_hint,omitempty"`

	Architecture  *ModelArchitecture `json:"architecture,omitempty"`
	VRAMEstimates []VRAMEstimate     `json:"vram_estimates,omitempty"`

	IsMultiPart bool     `json:"is_multi_part"`
	TotalParts  int      `json:"total_parts,omitempty"`
	PartFiles   []string `json:"part_files,omitempty"`
}

// CatalogEntry is what the remote catalog hands us for a downloadable model.
// Only URL, Filename and Size are used here.
type CatalogEntry struct {
	ModelID       string `json:"model_id"`
	URL           string `json:"url"`
	Filename      string `json:"filename"`
	Size          int64  `json:"size"`
	Accessibility string `json:"accessibility,omitempty"`
}
