package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"localmodeld/internal/gguf/gguftest"
	"localmodeld/internal/httpapi"
	"localmodeld/internal/manager"
	"localmodeld/internal/service"
	"localmodeld/internal/worker"
)

// createTempModelsDir creates a temporary directory populated with small but
// valid .gguf files and returns the directory path and the model IDs.
func createTempModelsDir(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	data := gguftest.Llama(32, 8, 4096, 8192, 14336).Bytes()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir, names
}

// wordRuntime answers every prompt by echoing its words as tokens.
type wordRuntime struct{}

func (wordRuntime) LoadModel(worker.LoadModelParams) (worker.Model, error) { return wordModel{}, nil }

type wordModel struct{}

func (wordModel) NewContext(worker.CreateContextParams) (worker.Session, error) { return wordSession{}, nil }
func (wordModel) Close() error                                                  { return nil }

type wordSession struct{}

func (wordSession) Generate(ctx context.Context, prompt string, _ worker.GenerateParams, onToken func(string) error) (worker.GenerateResult, error) {
	words := strings.Fields(prompt)
	for _, w := range words {
		if err := onToken(w); err != nil {
			return worker.GenerateResult{}, err
		}
	}
	return worker.GenerateResult{Text: strings.Join(words, ""), CompletionTokens: len(words), FinishReason: "stop"}, nil
}
func (wordSession) Close() error { return nil }

// inProcessSpawner serves the worker protocol over pipes inside the test binary.
func inProcessSpawner(t *testing.T, rt worker.Runtime) manager.SpawnFunc {
	return func(ctx context.Context, onExit func(error)) (manager.Worker, error) {
		hostR, workerW := io.Pipe()
		workerR, hostW := io.Pipe()
		srvCtx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go func() {
			_ = worker.NewServer(rt, zerolog.Nop()).Serve(srvCtx, workerR, workerW)
			_ = workerW.Close()
		}()
		return worker.Dial(ctx, hostR, hostW, worker.Config{Logger: zerolog.Nop(), OnExit: onExit})
	}
}

func newServerForDir(t *testing.T, modelsDir string, mutate func(*service.Config)) (*httptest.Server, *service.Service) {
	t.Helper()
	cfg := service.Config{
		ModelsDir:  modelsDir,
		Spawn:      inProcessSpawner(t, wordRuntime{}),
		Registerer: prometheus.NewRegistry(),
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := service.New(cfg)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(svc, httpapi.Options{Registerer: cfg.Registerer}))
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close(context.Background())
	})
	return srv, svc
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	return do(t, req)
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
