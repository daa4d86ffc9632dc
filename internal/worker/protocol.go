// Package worker runs model inference in a child process and talks to it over
// newline-delimited JSON on the child's stdin and stdout.
//
// Every request carries a correlation id. The worker answers with exactly one
// response per request, and generate requests additionally emit chunk
// messages with the same id before the response. The worker announces itself
// with a hello message carrying the protocol version before reading anything.
package worker

import "encoding/json"

// ProtocolVersion is bumped on any incompatible message change.
const ProtocolVersion = 1

// MessageType names a request kind.
type MessageType string

const (
	TypeHello          MessageType = "hello"
	TypePing           MessageType = "ping"
	TypeLoadModel      MessageType = "load_model"
	TypeCreateContext  MessageType = "create_context"
	TypeGenerate       MessageType = "generate"
	TypeDisposeContext MessageType = "dispose_context"
	TypeDisposeModel   MessageType = "dispose_model"
	TypeShutdown       MessageType = "shutdown"
	// TypeCancel aborts the in-flight request whose id it carries. No response.
	TypeCancel MessageType = "cancel"
)

// Request is sent host to worker.
type Request struct {
	ID   string          `json:"id"`
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response is the single terminal reply to a Request.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Chunk carries one streamed piece of generated text.
type Chunk struct {
	ID    string `json:"id"`
	Chunk string `json:"chunk"`
}

// Hello is the first line the worker writes.
type Hello struct {
	Type    MessageType `json:"type"`
	Version int         `json:"version"`
	PID     int         `json:"pid,omitempty"`
}

// envelope decodes any worker to host line.
type envelope struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Version int             `json:"version"`
	PID     int             `json:"pid"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Chunk   *string         `json:"chunk"`
}

// LoadModelParams is the data of a load_model request.
type LoadModelParams struct {
	Path        string `json:"path"`
	GPULayers   int    `json:"gpu_layers"`
	ContextSize int    `json:"context_size"`
	BatchSize   int    `json:"batch_size"`
	MMap        bool   `json:"mmap"`
}

// CreateContextParams is the data of a create_context request.
type CreateContextParams struct {
	Model       string `json:"model"`
	ContextSize int    `json:"context_size"`
	BatchSize   int    `json:"batch_size"`
	Threads     int    `json:"threads,omitempty"`
}

// HandleResult is returned by load_model and create_context.
type HandleResult struct {
	Handle string `json:"handle"`
}

// DisposeParams is the data of dispose_context and dispose_model.
type DisposeParams struct {
	Handle string `json:"handle"`
}

// GenerateParams controls sampling.
type GenerateParams struct {
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

// GenerateRequest is the data of a generate request.
type GenerateRequest struct {
	Context string         `json:"context"`
	Prompt  string         `json:"prompt"`
	Params  GenerateParams `json:"params"`
}

// GenerateResult is the data of a successful generate response.
type GenerateResult struct {
	Text             string `json:"text"`
	CompletionTokens int    `json:"completion_tokens"`
	FinishReason     string `json:"finish_reason"`
}
