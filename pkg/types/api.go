package types

// ModelsResponse wraps the list of local models returned by GET /models.
type ModelsResponse struct {
	// Models found in the models directory.
	Models []LocalModelDescriptor `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	// HTTP status code, repeated from the response.
	Code int `json:"code"`
}

// ResidentStatus summarizes a resident model for /status.
type ResidentStatus struct {
	ModelID           string   `json:"model_id"`
	ContextSize       int      `json:"context_size"`
	GPULayers         int      `json:"gpu_layers"`
	LoadedAtUnix      int64    `json:"loaded_at_unix"`
	LastUsedUnix      int64    `json:"last_used_unix"`
	Threads           []string `json:"threads"`
	EstimatedMemoryMB float64  `json:"estimated_memory_mb"`
	TotalPrompts      int      `json:"total_prompts"`
	TotalTokens       int      `json:"total_tokens"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Residents     []ResidentStatus   `json:"residents"`
	Loading       []string           `json:"loading"`
	TotalMemoryMB float64            `json:"total_memory_mb"`
	Downloads     []DownloadProgress `json:"downloads"`
	WorkerPID     int                `json:"worker_pid,omitempty"`
}
