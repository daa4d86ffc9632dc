package gguf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const (
	// LocalPrefixBytes is how much of a local file is read for metadata.
	LocalPrefixBytes = 256 << 10
	// RemotePrefixBytes caps HTTP range reads. Tokenizer vocabularies push
	// the interesting keys past the first megabytes for some models.
	RemotePrefixBytes = 25 << 20
)

// ReadLocalPrefix returns the first min(size, LocalPrefixBytes) bytes of the
// file at path together with the file size.
func ReadLocalPrefix(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	n := fi.Size()
	if n > LocalPrefixBytes {
		n = LocalPrefixBytes
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", path, err)
	}
	return buf, fi.Size(), nil
}

// RangeReader fetches metadata prefixes and sizes of remote model files.
type RangeReader struct {
	// Client defaults to http.DefaultClient. Callers bound requests with ctx.
	Client    *http.Client
	UserAgent string
	// Token, when set, is sent as a bearer token.
	Token string
}

func (r *RangeReader) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

func (r *RangeReader) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}
	if tok := strings.TrimSpace(r.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// ReadPrefix fetches up to n bytes from the start of url. Servers that ignore
// the Range header are tolerated; the body is cut at n bytes.
func (r *RangeReader) ReadPrefix(ctx context.Context, url string, n int64) ([]byte, error) {
	if n <= 0 || n > RemotePrefixBytes {
		n = RemotePrefixBytes
	}
	req, err := r.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, n))
	if err != nil {
		return nil, fmt.Errorf("read prefix of %s: %w", url, err)
	}
	return buf, nil
}

// ContentLength issues a HEAD request and returns the reported size.
func (r *RangeReader) ContentLength(ctx context.Context, url string) (int64, error) {
	req, err := r.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return 0, err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("gguf: HEAD %s: no content length", url)
	}
	return resp.ContentLength, nil
}
