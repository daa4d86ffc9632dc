//go:build !llama

package worker

// Compiled when the 'llama' build tag is not set, keeping default builds
// CGO-free. Loads fail with ErrDependencyUnavailable.

const llamaBuilt = false

type llamaRuntime struct{}

// NewLlamaRuntime returns a runtime that refuses every load.
func NewLlamaRuntime(threads int) Runtime { return llamaRuntime{} }

func (llamaRuntime) LoadModel(LoadModelParams) (Model, error) {
	return nil, ErrDependencyUnavailable(errLlamaNotBuilt)
}
