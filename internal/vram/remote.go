package vram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"localmodeld/internal/gguf"
	"localmodeld/pkg/types"
)

// Defaults applied when the corresponding RemoteConfig fields are unset.
const (
	defaultMaxInFlight = 2
	defaultTimeout     = 30 * time.Second
	defaultRetries     = 2
	defaultBackoff     = 500 * time.Millisecond
)

// MetadataSource fetches header prefixes and sizes of remote model files.
// *gguf.RangeReader satisfies it.
type MetadataSource interface {
	ReadPrefix(ctx context.Context, url string, n int64) ([]byte, error)
	ContentLength(ctx context.Context, url string) (int64, error)
}

// RemoteConfig tunes a RemoteEstimator.
type RemoteConfig struct {
	Source MetadataSource
	// MaxInFlight bounds concurrent fetches. Default 2.
	MaxInFlight int
	// Timeout caps every attempt. Default 30s.
	Timeout time.Duration
	// Retries after the first attempt for transient failures. Default 2;
	// negative disables retrying.
	Retries int
	// Backoff before the first retry, doubled afterwards.
	Backoff time.Duration
	// PrefixBytes read from the entry file. Default gguf.RemotePrefixBytes.
	PrefixBytes int64
	CacheTTL    time.Duration
	Logger      zerolog.Logger
}

// RemoteResult is the estimate for a model that is not on disk.
type RemoteResult struct {
	Architecture types.ModelArchitecture
	Estimates    []types.VRAMEstimate
}

// RemoteEstimator estimates not-yet-downloaded models from HTTP range reads.
// Concurrent requests for the same URL share one fetch.
type RemoteEstimator struct {
	src     MetadataSource
	sem     *semaphore.Weighted
	group   singleflight.Group
	cache   *resultCache
	timeout time.Duration
	retries int
	backoff time.Duration
	prefix  int64
	log     zerolog.Logger
}

// NewRemoteEstimator builds an estimator from cfg, applying defaults.
func NewRemoteEstimator(cfg RemoteConfig) *RemoteEstimator {
	e := &RemoteEstimator{
		src:     cfg.Source,
		cache:   newResultCache(cfg.CacheTTL),
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		prefix:  cfg.PrefixBytes,
		log:     cfg.Logger,
	}
	if e.src == nil {
		e.src = &gguf.RangeReader{}
	}
	n := cfg.MaxInFlight
	if n <= 0 {
		n = defaultMaxInFlight
	}
	e.sem = semaphore.NewWeighted(int64(n))
	if e.timeout <= 0 {
		e.timeout = defaultTimeout
	}
	if e.retries < 0 {
		e.retries = 0
	} else if cfg.Retries == 0 {
		e.retries = defaultRetries
	}
	if e.backoff <= 0 {
		e.backoff = defaultBackoff
	}
	if e.prefix <= 0 {
		e.prefix = gguf.RemotePrefixBytes
	}
	return e
}

// Estimate returns the architecture and standard estimates for entry. Results
// and terminal failures are cached by URL; a canceled ctx is never cached.
func (e *RemoteEstimator) Estimate(ctx context.Context, entry types.CatalogEntry) (RemoteResult, error) {
	if strings.TrimSpace(entry.URL) == "" {
		return RemoteResult{}, errors.New("vram: catalog entry has no url")
	}
	if hit, ok := e.cache.get(entry.URL); ok {
		return hit.res, hit.err
	}
	ch := e.group.DoChan(entry.URL, func() (any, error) {
		// Shared by every waiter, so it must not die with the first caller.
		res, err := e.fetch(context.WithoutCancel(ctx), entry)
		if err == nil || isTerminal(err) {
			e.cache.put(entry.URL, res, err)
		}
		return res, err
	})
	select {
	case <-ctx.Done():
		return RemoteResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return RemoteResult{}, r.Err
		}
		return r.Val.(RemoteResult), nil
	}
}

func (e *RemoteEstimator) fetch(ctx context.Context, entry types.CatalogEntry) (RemoteResult, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return RemoteResult{}, err
	}
	defer e.sem.Release(1)

	backoff := e.backoff
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return RemoteResult{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		res, err := e.attempt(ctx, entry)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if isTerminal(err) {
			break
		}
		e.log.Debug().Str("url", entry.URL).Int("attempt", attempt+1).Err(err).Msg("remote estimate attempt failed")
	}
	e.log.Warn().Str("url", entry.URL).Err(lastErr).Msg("remote estimate failed")
	return RemoteResult{}, lastErr
}

func (e *RemoteEstimator) attempt(parent context.Context, entry types.CatalogEntry) (RemoteResult, error) {
	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()

	buf, err := e.src.ReadPrefix(ctx, entry.URL, e.prefix)
	if err != nil {
		return RemoteResult{}, err
	}
	arch, err := gguf.ParseArchitecture(buf)
	if err != nil {
		return RemoteResult{}, err
	}
	size, err := e.totalSize(ctx, entry)
	if err != nil {
		return RemoteResult{}, err
	}
	arch.ModelSizeMB = float64(size) / (1 << 20)
	ests, err := EstimateStandard(arch)
	if err != nil {
		return RemoteResult{Architecture: arch}, err
	}
	return RemoteResult{Architecture: arch, Estimates: ests}, nil
}

// totalSize sums the sizes of every part of a split model. Single files use
// the catalog size when it is known.
func (e *RemoteEstimator) totalSize(ctx context.Context, entry types.CatalogEntry) (int64, error) {
	urls := gguf.PartURLs(entry.URL)
	if len(urls) == 1 && entry.Size > 0 {
		return entry.Size, nil
	}
	var total int64
	for _, u := range urls {
		n, err := e.src.ContentLength(ctx, u)
		if err != nil {
			return 0, fmt.Errorf("size of %s: %w", u, err)
		}
		total += n
	}
	return total, nil
}

// isTerminal reports errors that retrying cannot fix.
func isTerminal(err error) bool {
	if gguf.IsFormatError(err) || errors.Is(err, ErrMissingField) {
		return true
	}
	var se *gguf.StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}

// CachedEntries returns the number of cached results.
func (e *RemoteEstimator) CachedEntries() int { return e.cache.len() }
