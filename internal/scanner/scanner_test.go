package scanner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"localmodeld/internal/gguf/gguftest"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestScan_FiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"a.gguf", "b.GGUF", "not-model.txt", "model.bin"} {
		writeFile(t, dir, f, nil)
	}
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[0].ID != "a.gguf" || models[1].ID != "b.GGUF" {
		t.Fatalf("unexpected ids: %q %q", models[0].ID, models[1].ID)
	}
	if models[0].Architecture != nil {
		t.Fatalf("empty file should have no architecture")
	}
	if models[0].Quant != DefaultQuant {
		t.Fatalf("quant = %q, want default", models[0].Quant)
	}
}

func TestScan_IncompleteSplitSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.gguf-00001-of-00003.gguf", []byte("x"))
	writeFile(t, dir, "big.gguf-00002-of-00003.gguf", []byte("x"))
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 0 {
		t.Fatalf("expected no entries for an incomplete split model, got %+v", models)
	}
}

func TestScan_SplitModelAssembled(t *testing.T) {
	dir := t.TempDir()
	hdr := gguftest.Llama(32, 8, 4096, 8192, 14336).Bytes()
	writeFile(t, dir, "llama-8b-Q4_K_M.gguf-00001-of-00002.gguf", append(hdr, make([]byte, 1000)...))
	writeFile(t, dir, "llama-8b-Q4_K_M.gguf-00002-of-00002.gguf", make([]byte, 2000))

	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 {
		t.Fatalf("expected 1 model, got %d", len(models))
	}
	m := models[0]
	if !m.IsMultiPart || m.TotalParts != 2 || len(m.PartFiles) != 2 {
		t.Fatalf("unexpected split fields: %+v", m)
	}
	if m.ID != "llama-8b-Q4_K_M.gguf" || m.Name != "llama-8b-Q4_K_M" {
		t.Fatalf("unexpected id/name: %q %q", m.ID, m.Name)
	}
	if m.Filename != "llama-8b-Q4_K_M.gguf-00001-of-00002.gguf" {
		t.Fatalf("entry should be part 1, got %q", m.Filename)
	}
	if want := int64(len(hdr) + 1000 + 2000); m.SizeBytes != want {
		t.Fatalf("size = %d, want %d", m.SizeBytes, want)
	}
	if m.Architecture == nil || m.Architecture.LayerCount != 32 {
		t.Fatalf("architecture not parsed: %+v", m.Architecture)
	}
	if m.Quant != "Q4_K_M" || m.ParameterHint != "8B" {
		t.Fatalf("hints: quant=%q params=%q", m.Quant, m.ParameterHint)
	}
	if m.ContextHint != 8192 {
		t.Fatalf("context hint should come from the header, got %d", m.ContextHint)
	}
	// Tiny test files give a tiny size, which the formula still evaluates.
	if len(m.VRAMEstimates) != 4 {
		t.Fatalf("expected 4 estimates, got %d", len(m.VRAMEstimates))
	}
}

func TestScan_ContextHintFillsMissingHeaderField(t *testing.T) {
	dir := t.TempDir()
	hdr := gguftest.New().
		String("general.architecture", "mistral").
		Uint32("mistral.block_count", 32).
		Uint32("mistral.attention.head_count_kv", 8).
		Uint32("mistral.embedding_length", 4096).
		Uint32("mistral.feed_forward_length", 14336).
		Bytes()
	writeFile(t, dir, "mistral-7b-32k-q8_0.gguf", hdr)
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	m := models[0]
	if m.ContextHint != 32000 || m.Architecture.TrainedContextLength != 32000 {
		t.Fatalf("context: hint=%d arch=%d", m.ContextHint, m.Architecture.TrainedContextLength)
	}
	if m.Quant != "Q8_0" {
		t.Fatalf("quant = %q", m.Quant)
	}
}

func TestScan_RecursiveSkipsHidden(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sub/one.gguf", nil)
	writeFile(t, dir, ".cache/two.gguf", nil)
	writeFile(t, dir, "zeta.gguf", nil)
	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 2 || models[0].ID != "one.gguf" || models[1].ID != "zeta.gguf" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestScan_MissingDir(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestScan_ExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
	writeFile(t, home, "models/x.gguf", nil)
	models, err := LoadDir("~/models")
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "x.gguf" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestHeuristics(t *testing.T) {
	cases := []struct {
		name   string
		params string
		quant  string
		ctx    int
	}{
		{"Meta-Llama-3.1-8B-Instruct-Q4_K_M.gguf", "8B", "Q4_K_M", 0},
		{"qwen2.5-0.5b-instruct-iq2_xs.gguf", "0.5B", "IQ2_XS", 0},
		{"Mixtral-8x7B-v0.1.BF16.gguf", "8x7B", "BF16", 0},
		{"mistral-7b-instruct-32k.gguf", "7B", DefaultQuant, 32000},
		{"phi-3-mini-128k-instruct.f32.gguf", "", "F32", 128000},
		{"big.gguf-00001-of-00002.gguf", "", DefaultQuant, 0},
	}
	for _, c := range cases {
		if got := ParameterHint(c.name); got != c.params {
			t.Errorf("ParameterHint(%q) = %q, want %q", c.name, got, c.params)
		}
		if got := QuantFromName(c.name); got != c.quant {
			t.Errorf("QuantFromName(%q) = %q, want %q", c.name, got, c.quant)
		}
		if got := ContextHint(c.name); got != c.ctx {
			t.Errorf("ContextHint(%q) = %d, want %d", c.name, got, c.ctx)
		}
	}
}

func TestWatch_Debounced(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{Dir: dir, Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, 50*time.Millisecond, func() { calls.Add(1) }) }()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 5; i++ {
		writeFile(t, dir, "m.gguf", make([]byte, i+1))
	}
	writeFile(t, dir, "notes.txt", []byte("ignored"))

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one debounced callback, got %d", got)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
}
