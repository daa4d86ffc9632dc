//go:build llama

package worker

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = true

type llamaRuntime struct {
	threads int
}

// NewLlamaRuntime returns the go-llama.cpp runtime.
func NewLlamaRuntime(threads int) Runtime {
	return &llamaRuntime{threads: threads}
}

// llamaModel owns the weights. go-llama.cpp binds one context to the model,
// so at most one session exists per model.
type llamaModel struct {
	mu      sync.Mutex
	model   *llama.LLama
	ctxSize int
	threads int
	session *llamaSession
}

type llamaSession struct {
	m       *llamaModel
	threads int
}

func (r *llamaRuntime) LoadModel(p LoadModelParams) (Model, error) {
	if strings.TrimSpace(p.Path) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{
		llama.SetContext(p.ContextSize),
		llama.EnableF16Memory,
		llama.SetMMap(p.MMap),
	}
	if p.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(p.GPULayers))
	}
	if p.BatchSize > 0 {
		mo = append(mo, llama.SetNBatch(p.BatchSize))
	} else {
		mo = append(mo, llama.SetNBatch(512))
	}
	m, err := llama.New(p.Path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaModel{model: m, ctxSize: p.ContextSize, threads: r.threads}, nil
}

func (m *llamaModel) NewContext(p CreateContextParams) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil, errors.New("llama model not initialized")
	}
	if m.session != nil {
		return nil, errors.New("model already has a context")
	}
	if p.ContextSize > m.ctxSize {
		return nil, errors.New("context size exceeds the size the model was loaded with")
	}
	threads := m.threads
	if p.Threads > 0 {
		threads = p.Threads
	}
	m.session = &llamaSession{m: m, threads: threads}
	return m.session, nil
}

func (m *llamaModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model != nil {
		m.model.Free()
		m.model = nil
	}
	m.session = nil
	return nil
}

func (s *llamaSession) Generate(ctx context.Context, prompt string, p GenerateParams, onToken func(string) error) (GenerateResult, error) {
	s.m.mu.Lock()
	model := s.m.model
	s.m.mu.Unlock()
	if model == nil {
		return GenerateResult{}, errors.New("llama model not initialized")
	}

	var (
		tokens int
		cbErr  error
	)
	model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		tokens++
		if err := onToken(tok); err != nil {
			cbErr = err
			return false
		}
		return true
	})
	text, err := model.Predict(prompt, predictOptions(p, s.threads)...)
	if ctx.Err() != nil {
		return GenerateResult{}, ctx.Err()
	}
	if cbErr != nil {
		return GenerateResult{}, cbErr
	}
	if err != nil {
		return GenerateResult{}, err
	}
	reason := "stop"
	if p.MaxTokens > 0 && tokens >= p.MaxTokens {
		reason = "length"
	}
	return GenerateResult{Text: text, CompletionTokens: tokens, FinishReason: reason}, nil
}

func (s *llamaSession) Close() error {
	s.m.mu.Lock()
	if s.m.session == s {
		s.m.session = nil
	}
	s.m.mu.Unlock()
	return nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts sampling params into go-llama.cpp options.
func predictOptions(p GenerateParams, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, zn(p.MaxTokens, 512))),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(p.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(p.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(p.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(p.Seed))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}
