package vram

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localmodeld/internal/gguf"
	"localmodeld/internal/gguf/gguftest"
	"localmodeld/pkg/types"
)

type fakeSource struct {
	mu       sync.Mutex
	prefix   map[string][]byte
	sizes    map[string]int64
	failures map[string]int // transient failures left per url
	reads    map[string]int
	heads    []string

	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		prefix:   map[string][]byte{},
		sizes:    map[string]int64{},
		failures: map[string]int{},
		reads:    map[string]int{},
	}
}

func (f *fakeSource) ReadPrefix(ctx context.Context, url string, n int64) ([]byte, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads[url]++
	if f.failures[url] > 0 {
		f.failures[url]--
		return nil, errors.New("connection reset")
	}
	b, ok := f.prefix[url]
	if !ok {
		return nil, &gguf.StatusError{URL: url, StatusCode: 404}
	}
	return b, nil
}

func (f *fakeSource) ContentLength(ctx context.Context, url string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads = append(f.heads, url)
	n, ok := f.sizes[url]
	if !ok {
		return 0, &gguf.StatusError{URL: url, StatusCode: 404}
	}
	return n, nil
}

func (f *fakeSource) readCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads[url]
}

func header() []byte { return gguftest.Llama(32, 8, 4096, 8192, 11008).Bytes() }

func newTestEstimator(src MetadataSource) *RemoteEstimator {
	return NewRemoteEstimator(RemoteConfig{Source: src, Backoff: time.Millisecond, Timeout: time.Second})
}

func TestRemoteEstimator_SingleFile(t *testing.T) {
	src := newFakeSource()
	src.prefix["https://hf.example/m.gguf"] = header()
	e := newTestEstimator(src)

	res, err := e.Estimate(context.Background(), types.CatalogEntry{URL: "https://hf.example/m.gguf", Size: 4000 << 20})
	require.NoError(t, err)
	assert.Equal(t, 32, res.Architecture.LayerCount)
	assert.InDelta(t, 4000, res.Architecture.ModelSizeMB, 0.001)
	require.Len(t, res.Estimates, 4)
	assert.Equal(t, 8192, res.Estimates[3].Config.ContextSize)
	assert.Empty(t, src.heads, "catalog size is used for single files")

	_, err = e.Estimate(context.Background(), types.CatalogEntry{URL: "https://hf.example/m.gguf"})
	require.NoError(t, err)
	assert.Equal(t, 1, src.readCount("https://hf.example/m.gguf"), "second call is served from cache")
}

func TestRemoteEstimator_MultiPartSumsSizes(t *testing.T) {
	src := newFakeSource()
	first := "https://hf.example/repo/big.gguf-00001-of-00003.gguf"
	src.prefix[first] = header()
	src.sizes[first] = 2000 << 20
	src.sizes["https://hf.example/repo/big.gguf-00002-of-00003.gguf"] = 2000 << 20
	src.sizes["https://hf.example/repo/big.gguf-00003-of-00003.gguf"] = 1000 << 20

	res, err := newTestEstimator(src).Estimate(context.Background(), types.CatalogEntry{URL: first, Size: 1})
	require.NoError(t, err)
	assert.InDelta(t, 5000, res.Architecture.ModelSizeMB, 0.001)
	assert.Len(t, src.heads, 3)
}

func TestRemoteEstimator_RetriesTransient(t *testing.T) {
	src := newFakeSource()
	u := "https://hf.example/flaky.gguf"
	src.prefix[u] = header()
	src.failures[u] = 2

	res, err := newTestEstimator(src).Estimate(context.Background(), types.CatalogEntry{URL: u, Size: 4000 << 20})
	require.NoError(t, err)
	assert.Len(t, res.Estimates, 4)
	assert.Equal(t, 3, src.readCount(u))
}

func TestRemoteEstimator_GivesUpAfterRetries(t *testing.T) {
	src := newFakeSource()
	u := "https://hf.example/down.gguf"
	src.prefix[u] = header()
	src.failures[u] = 10

	e := newTestEstimator(src)
	_, err := e.Estimate(context.Background(), types.CatalogEntry{URL: u, Size: 1 << 30})
	require.Error(t, err)
	assert.Equal(t, 3, src.readCount(u))
	assert.Zero(t, e.CachedEntries(), "transient failures are not cached")
}

func TestRemoteEstimator_TerminalFailureCached(t *testing.T) {
	src := newFakeSource()
	bad := "https://hf.example/not-gguf.gguf"
	src.prefix[bad] = []byte("PK\x03\x04 definitely a zip file")
	e := newTestEstimator(src)

	_, err := e.Estimate(context.Background(), types.CatalogEntry{URL: bad, Size: 1})
	require.ErrorIs(t, err, gguf.ErrBadMagic)
	_, err = e.Estimate(context.Background(), types.CatalogEntry{URL: bad, Size: 1})
	require.ErrorIs(t, err, gguf.ErrBadMagic)
	assert.Equal(t, 1, src.readCount(bad), "format errors are not retried and are cached")

	missing := "https://hf.example/missing.gguf"
	_, err = e.Estimate(context.Background(), types.CatalogEntry{URL: missing})
	var se *gguf.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, src.readCount(missing))

	partial := "https://hf.example/partial.gguf"
	src.prefix[partial] = gguftest.New().String("general.architecture", "llama").Bytes()
	_, err = e.Estimate(context.Background(), types.CatalogEntry{URL: partial, Size: 1 << 30})
	require.ErrorIs(t, err, ErrMissingField)
	assert.Equal(t, 3, e.CachedEntries())
}

func TestRemoteEstimator_BoundedConcurrencyAndCoalescing(t *testing.T) {
	src := newFakeSource()
	src.delay = 20 * time.Millisecond
	urls := []string{"u1.gguf", "u2.gguf", "u3.gguf", "u4.gguf", "u5.gguf", "u6.gguf"}
	for _, u := range urls {
		src.prefix["https://hf.example/"+u] = header()
	}
	e := newTestEstimator(src)

	var wg sync.WaitGroup
	for _, u := range urls {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				_, err := e.Estimate(context.Background(), types.CatalogEntry{URL: "https://hf.example/" + u, Size: 1 << 32})
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	assert.LessOrEqual(t, src.peak.Load(), int32(2))
	for _, u := range urls {
		assert.Equal(t, 1, src.readCount("https://hf.example/"+u), u)
	}
}

func TestRemoteEstimator_CallerCancel(t *testing.T) {
	src := newFakeSource()
	src.delay = 200 * time.Millisecond
	u := "https://hf.example/slow.gguf"
	src.prefix[u] = header()
	e := newTestEstimator(src)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Estimate(ctx, types.CatalogEntry{URL: u, Size: 1 << 32})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared fetch keeps going and lands in the cache.
	require.Eventually(t, func() bool { return e.CachedEntries() == 1 }, 2*time.Second, 10*time.Millisecond)
}
