package worker

import "context"

// Runtime loads models inside the worker process.
type Runtime interface {
	LoadModel(p LoadModelParams) (Model, error)
}

// Model is a loaded set of weights.
type Model interface {
	NewContext(p CreateContextParams) (Session, error)
	Close() error
}

// Session is an inference context bound to a model. Generate must return
// promptly once ctx is canceled.
type Session interface {
	Generate(ctx context.Context, prompt string, p GenerateParams, onToken func(string) error) (GenerateResult, error)
	Close() error
}

// LlamaBuilt reports whether this binary carries the go-llama.cpp runtime.
func LlamaBuilt() bool { return llamaBuilt }
