package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"localmodeld/internal/worker"
	"localmodeld/pkg/types"
)

// fakeWorker is an in-memory Worker used by tests.
type fakeWorker struct {
	loadDelay time.Duration
	loadErr   error
	ctxErr    error
	tokens    []string
	// exitInContext makes the worker die while a context is being created.
	exitInContext bool

	loads     atomic.Int32
	shutdowns atomic.Int32

	mu       sync.Mutex
	seq      int
	calls    []string
	lastLoad worker.LoadModelParams
	onExit   func(error)
}

func (f *fakeWorker) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeWorker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeWorker) LoadModel(ctx context.Context, p worker.LoadModelParams) (string, error) {
	f.loads.Add(1)
	if f.loadDelay > 0 {
		select {
		case <-time.After(f.loadDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.loadErr != nil {
		return "", f.loadErr
	}
	f.mu.Lock()
	f.seq++
	h := fmt.Sprintf("model-%d", f.seq)
	f.lastLoad = p
	f.calls = append(f.calls, "load:"+p.Path)
	f.mu.Unlock()
	return h, nil
}

func (f *fakeWorker) CreateContext(_ context.Context, p worker.CreateContextParams) (string, error) {
	if f.ctxErr != nil {
		return "", f.ctxErr
	}
	if f.exitInContext {
		f.exit(errBoom)
	}
	f.record("ctx:" + p.Model)
	return "ctx-of-" + p.Model, nil
}

func (f *fakeWorker) Generate(ctx context.Context, req worker.GenerateRequest, onToken func(string) error) (worker.GenerateResult, error) {
	for _, tok := range f.tokens {
		if err := ctx.Err(); err != nil {
			return worker.GenerateResult{}, err
		}
		if err := onToken(tok); err != nil {
			return worker.GenerateResult{}, err
		}
	}
	return worker.GenerateResult{Text: strings.Join(f.tokens, ""), CompletionTokens: len(f.tokens), FinishReason: "stop"}, nil
}

func (f *fakeWorker) DisposeContext(_ context.Context, h string) error {
	f.record("dispose_ctx:" + h)
	return nil
}

func (f *fakeWorker) DisposeModel(_ context.Context, h string) error {
	f.record("dispose_model:" + h)
	return nil
}

func (f *fakeWorker) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	return nil
}

func (f *fakeWorker) PID() int { return 4242 }

// exit simulates the worker process dying.
func (f *fakeWorker) exit(err error) {
	f.mu.Lock()
	fn := f.onExit
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func testArch(layers, trainedCtx int) *types.ModelArchitecture {
	return &types.ModelArchitecture{
		LayerCount:           layers,
		KVHeadCount:          8,
		EmbeddingDim:         4096,
		TrainedContextLength: trainedCtx,
		FeedForwardDim:       11008,
		ModelSizeMB:          4000,
		FileType:             -1,
	}
}

func desc(id string, arch *types.ModelArchitecture) types.LocalModelDescriptor {
	return types.LocalModelDescriptor{
		ID:           id,
		Name:         strings.TrimSuffix(id, ".gguf"),
		Filename:     id,
		Path:         "/models/" + id,
		SizeBytes:    100 << 20,
		Quant:        "Q4_K_M",
		Architecture: arch,
	}
}

type testEnv struct {
	m      *Manager
	fw     *fakeWorker
	pub    *MemoryPublisher
	spawns atomic.Int32
}

// newTestManager wires a Manager to a fake worker and a fixed model list.
func newTestManager(t *testing.T, fw *fakeWorker, models []types.LocalModelDescriptor, mutate func(*ManagerConfig)) *testEnv {
	t.Helper()
	env := &testEnv{fw: fw, pub: NewMemoryPublisher()}
	cfg := ManagerConfig{
		Models: func(context.Context) ([]types.LocalModelDescriptor, error) { return models, nil },
		Spawn: func(_ context.Context, onExit func(error)) (Worker, error) {
			env.spawns.Add(1)
			fw.mu.Lock()
			fw.onExit = onExit
			fw.mu.Unlock()
			return fw, nil
		},
		Logger:    zerolog.Nop(),
		Publisher: env.pub,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.m = NewWithConfig(cfg)
	return env
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

var errBoom = errors.New("boom")
