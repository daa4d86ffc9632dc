package manager

import (
	"context"
	"fmt"

	"localmodeld/internal/worker"
)

// Generate streams a completion for prompt from resident model id to
// onToken and records the prompt in the model's usage stats.
func (m *Manager) Generate(ctx context.Context, id, prompt string, params worker.GenerateParams, onToken func(string) error) (worker.GenerateResult, error) {
	_, h, ok := m.reg.Get(id)
	if !ok {
		return worker.GenerateResult{}, ErrModelNotLoaded(id)
	}
	w, _, err := m.workerFor(ctx)
	if err != nil {
		return worker.GenerateResult{}, err
	}
	m.reg.Touch(id)
	res, err := w.Generate(ctx, worker.GenerateRequest{Context: h.Context, Prompt: prompt, Params: params}, onToken)
	if err != nil {
		return res, fmt.Errorf("generate %s: %w", id, err)
	}
	m.reg.RecordUsage(id, res.CompletionTokens)
	return res, nil
}

// GenerateForThread generates with whichever model threadID is bound to.
func (m *Manager) GenerateForThread(ctx context.Context, threadID, prompt string, params worker.GenerateParams, onToken func(string) error) (worker.GenerateResult, error) {
	info, _, ok := m.reg.GetByThread(threadID)
	if !ok {
		return worker.GenerateResult{}, ErrModelNotLoaded("thread " + threadID)
	}
	return m.Generate(ctx, info.ModelID, prompt, params, onToken)
}
