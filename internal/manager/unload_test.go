package manager

import (
	"reflect"
	"testing"

	"localmodeld/pkg/types"
)

func TestUnload_DisposesAndPublishes(t *testing.T) {
	fw := &fakeWorker{}
	env := newTestManager(t, fw, []types.LocalModelDescriptor{desc("m.gguf", nil)}, nil)
	ctx := testCtx(t)
	if _, err := env.m.Load(ctx, "m.gguf", "t1"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := env.m.Unload(ctx, "m.gguf"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if st := env.m.Status("m.gguf"); st.Loaded {
		t.Fatalf("still loaded: %+v", st)
	}
	want := []string{EventLoadStart, EventLoadDone, EventUnloadDone}
	if got := env.pub.Names("m.gguf"); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	// Usage stats survive the unload.
	if _, ok := env.m.Registry().Usage("m.gguf"); !ok {
		t.Fatalf("usage dropped on unload")
	}
}

func TestUnload_NotResidentIsNoop(t *testing.T) {
	fw := &fakeWorker{}
	env := newTestManager(t, fw, nil, nil)
	if err := env.m.Unload(testCtx(t), "ghost.gguf"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if len(fw.Calls()) != 0 || len(env.pub.Events()) != 0 {
		t.Fatalf("unexpected side effects: calls=%v events=%v", fw.Calls(), env.pub.Events())
	}
}

func TestPrepareForDeletion(t *testing.T) {
	fw := &fakeWorker{}
	env := newTestManager(t, fw, []types.LocalModelDescriptor{desc("m.gguf", nil)}, nil)
	ctx := testCtx(t)

	if err := env.m.PrepareForDeletion(ctx, "m.gguf"); err != nil {
		t.Fatalf("PrepareForDeletion (absent): %v", err)
	}
	if _, err := env.m.Load(ctx, "m.gguf", ""); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := env.m.PrepareForDeletion(ctx, "m.gguf"); err != nil {
		t.Fatalf("PrepareForDeletion: %v", err)
	}
	if ids := env.m.Registry().ResidentIDs(); len(ids) != 0 {
		t.Fatalf("residents = %v", ids)
	}
}
