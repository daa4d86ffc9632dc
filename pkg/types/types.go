package types

import "time"

// RunSettings are the parameters a model is loaded with.
type RunSettings struct {
	ContextSize int `json:"context_size" yaml:"context_size" toml:"context_size"`
	GPULayers   int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	BatchSize   int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
}

// ModelRuntimeInfo describes a resident model. It only exists while the model is loaded.
type ModelRuntimeInfo struct {
	ModelID           string    `json:"model_id"`
	ModelPath         string    `json:"model_path"`
	ContextSize       int       `json:"context_size"`
	GPULayers         int       `json:"gpu_layers"`
	BatchSize         int       `json:"batch_size"`
	LoadedAt          time.Time `json:"loaded_at"`
	LastUsedAt        time.Time `json:"last_used_at"`
	ThreadIDs         []string  `json:"thread_ids"`
	EstimatedMemoryMB float64   `json:"estimated_memory_mb"`
}

// UsageStats accumulates prompt usage per model id.
type UsageStats struct {
	TotalPrompts int `json:"total_prompts"`
	TotalTokens  int `json:"total_tokens"`
}

// ModelStatus reports residency for a model id. Loaded and Loading are never both true.
type ModelStatus struct {
	Loaded      bool `json:"loaded"`
	Loading     bool `json:"loading"`
	ContextSize int  `json:"context_size,omitempty"`
	GPULayers   int  `json:"gpu_layers,omitempty"`
}

// DownloadProgress is the last reported state of an in-flight download.
type DownloadProgress struct {
	Filename string `json:"filename"`
	// Percent complete, 0 when the total size is unknown.
	Percent float64 `json:"percent"`
	// Instantaneous rate in bytes per second.
	BytesPerSec float64 `json:"bytes_per_sec"`
	// Human-readable rate, e.g. "12 MB/s".
	Speed      string `json:"speed"`
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
	// Part and TotalParts are set while a split model is downloading.
	Part       int  `json:"part,omitempty"`
	TotalParts int  `json:"total_parts,omitempty"`
	Done       bool `json:"done"`
}
