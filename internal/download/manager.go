// Package download fetches model files into the models directory with
// progress reporting, cancellation and cleanup of partial files.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"localmodeld/internal/common/fsutil"
	"localmodeld/internal/gguf"
	"localmodeld/pkg/types"
)

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "localmodeld/1.0"

// PartialSuffix marks a file still being written. The scanner only picks up
// names ending in .gguf, so in-flight transfers never look like models.
const PartialSuffix = ".partial"

const (
	defaultProgressInterval = time.Second
	chunkSize               = 256 << 10
)

// Hooks observe job lifecycle (metrics). Any field may be nil.
type Hooks struct {
	Started  func(filename string)
	Finished func(filename string, bytes int64, elapsed time.Duration, err error)
}

// Config configures a Manager.
type Config struct {
	Client    *http.Client
	UserAgent string
	// Token is the default bearer token; Options.Token overrides it per call.
	Token string
	// MaxBytesPerSec caps the transfer rate of each job; 0 means unlimited.
	MaxBytesPerSec int64
	// ProgressInterval is the minimum time between progress reports. Default 1s.
	ProgressInterval time.Duration
	Logger           zerolog.Logger
	Hooks            Hooks
}

// Options are per-call download options.
type Options struct {
	OnProgress func(types.DownloadProgress)
	Token      string
}

// Manager runs downloads. At most one job per filename is in flight.
type Manager struct {
	client    *http.Client
	userAgent string
	token     string
	maxRate   int64
	interval  time.Duration
	log       zerolog.Logger
	hooks     Hooks

	mu   sync.Mutex
	jobs map[string]*job
}

// New returns a Manager for cfg.
func New(cfg Config) *Manager {
	m := &Manager{
		client:    cfg.Client,
		userAgent: cfg.UserAgent,
		token:     cfg.Token,
		maxRate:   cfg.MaxBytesPerSec,
		interval:  cfg.ProgressInterval,
		log:       cfg.Logger,
		hooks:     cfg.Hooks,
		jobs:      make(map[string]*job),
	}
	if m.client == nil {
		// No overall timeout: model files take minutes; ctx bounds the call.
		m.client = &http.Client{Timeout: 0}
	}
	if strings.TrimSpace(m.userAgent) == "" {
		m.userAgent = DefaultUserAgent
	}
	if m.interval <= 0 {
		m.interval = defaultProgressInterval
	}
	return m
}

// Download fetches entry.URL into destPath. It fails with ErrAlreadyDownloading
// while another job for the same filename runs and with ErrAlreadyExists if
// destPath is present. On any failure, cancellation included, the partial
// file is removed before returning.
func (m *Manager) Download(ctx context.Context, entry types.CatalogEntry, destPath string, opts Options) error {
	filename := jobName(entry, destPath)
	j, ctx, err := m.begin(ctx, filename)
	if err != nil {
		return err
	}
	defer m.end(j)

	if fsutil.PathExists(destPath) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, destPath)
	}
	return m.run(ctx, j, entry.URL, destPath, 0, 0, opts)
}

// DownloadParts fetches every numbered part of a split model into destDir.
// Parts already on disk are skipped, so an interrupted transfer resumes at the
// first missing part. Single-file entries behave like Download. The returned
// paths are in part order.
func (m *Manager) DownloadParts(ctx context.Context, entry types.CatalogEntry, destDir string, opts Options) ([]string, error) {
	urls := gguf.PartURLs(entry.URL)
	name := entry.Filename
	if name == "" {
		name = filepath.Base(entry.URL)
	}
	if len(urls) == 1 {
		dest := filepath.Join(destDir, name)
		return []string{dest}, m.Download(ctx, entry, dest, opts)
	}
	base, _, total, ok := gguf.SplitName(name)
	if !ok {
		base, _, total, _ = gguf.SplitName(FileNameFromURL(urls[0]))
	}
	names := gguf.PartNames(base, total)

	j, ctx, err := m.begin(ctx, name)
	if err != nil {
		return nil, err
	}
	defer m.end(j)

	paths := make([]string, 0, total)
	for i, u := range urls {
		dest := filepath.Join(destDir, names[i])
		paths = append(paths, dest)
		if fsutil.PathExists(dest) {
			m.log.Debug().Str("filename", names[i]).Msg("download part already present")
			continue
		}
		if err := m.run(ctx, j, u, dest, i+1, total, opts); err != nil {
			return paths, err
		}
	}
	return paths, nil
}

// Cancel aborts the job for filename and reports whether one was running.
func (m *Manager) Cancel(filename string) bool {
	m.mu.Lock()
	j := m.jobs[filename]
	m.mu.Unlock()
	if j == nil {
		return false
	}
	j.cancel()
	m.log.Info().Str("filename", filename).Msg("download cancel requested")
	return true
}

// Progress returns the last report of the job for filename.
func (m *Manager) Progress(filename string) (types.DownloadProgress, bool) {
	m.mu.Lock()
	j := m.jobs[filename]
	m.mu.Unlock()
	if j == nil {
		return types.DownloadProgress{}, false
	}
	return j.get(), true
}

// Active lists the progress of every in-flight job, sorted by filename.
func (m *Manager) Active() []types.DownloadProgress {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()
	out := make([]types.DownloadProgress, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.get())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Filename < out[k].Filename })
	return out
}

// CancelAll aborts every job (shutdown).
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		j.cancel()
	}
}

func (m *Manager) begin(ctx context.Context, filename string) (*job, context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.jobs[filename]; busy {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyDownloading, filename)
	}
	ctx, cancel := context.WithCancel(ctx)
	j := &job{filename: filename, cancel: cancel}
	j.progress = types.DownloadProgress{Filename: filename, Speed: FormatSpeed(0)}
	m.jobs[filename] = j
	return j, ctx, nil
}

func (m *Manager) end(j *job) {
	j.cancel()
	m.mu.Lock()
	if m.jobs[j.filename] == j {
		delete(m.jobs, j.filename)
	}
	m.mu.Unlock()
}

// run streams one URL into dest and reports progress on j.
func (m *Manager) run(ctx context.Context, j *job, url, dest string, part, total int, opts Options) (err error) {
	start := time.Now()
	var written int64
	if m.hooks.Started != nil {
		m.hooks.Started(j.filename)
	}
	defer func() {
		if m.hooks.Finished != nil {
			m.hooks.Finished(j.filename, written, time.Since(start), err)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", m.userAgent)
	token := opts.Token
	if token == "" {
		token = m.token
	}
	if tok := strings.TrimSpace(token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return m.failed(ctx, j, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return m.failed(ctx, j, statusError(url, resp.StatusCode))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create models dir: %w", err)
	}
	if fsutil.PathExists(dest) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, dest)
	}
	// A leftover temp file belongs to an interrupted transfer; the job table
	// guarantees no one else is writing it.
	tmp := dest + PartialSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	m.log.Info().Str("filename", j.filename).Str("dest", dest).Int64("size", resp.ContentLength).Msg("download started")

	written, err = m.copy(ctx, j, f, resp.Body, resp.ContentLength, part, total, opts)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = publish(tmp, dest)
	}
	if err != nil {
		if rmErr := fsutil.RemoveIfExists(tmp); rmErr != nil {
			m.log.Warn().Str("filename", j.filename).Err(rmErr).Msg("download remove partial file")
		}
		return m.failed(ctx, j, err)
	}

	final := types.DownloadProgress{
		Filename:   j.filename,
		Percent:    100,
		Speed:      FormatSpeed(0),
		Downloaded: written,
		Total:      written,
		Part:       part,
		TotalParts: total,
		Done:       part == total,
	}
	j.set(final)
	if opts.OnProgress != nil {
		opts.OnProgress(final)
	}
	m.log.Info().Str("filename", j.filename).Int64("bytes", written).Dur("elapsed", time.Since(start)).Msg("download finished")
	return nil
}

func (m *Manager) copy(ctx context.Context, j *job, w io.Writer, r io.Reader, size int64, part, total int, opts Options) (int64, error) {
	var lim *rate.Limiter
	if m.maxRate > 0 {
		lim = rate.NewLimiter(rate.Limit(m.maxRate), chunkSize)
	}
	mt := newMeter(m.interval, size, time.Now())
	buf := make([]byte, chunkSize)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if lim != nil {
				if err := lim.WaitN(ctx, n); err != nil {
					return done, err
				}
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return done, fmt.Errorf("write: %w", err)
			}
			done += int64(n)
			if p, ok := mt.tick(time.Now(), done); ok {
				p.Filename, p.Part, p.TotalParts = j.filename, part, total
				j.set(p)
				if opts.OnProgress != nil {
					opts.OnProgress(p)
				}
			}
		}
		if rerr == io.EOF {
			if size > 0 && done < size {
				return done, io.ErrUnexpectedEOF
			}
			return done, nil
		}
		if rerr != nil {
			return done, rerr
		}
	}
}

// failed logs err and prefers the context error when the job was canceled.
func (m *Manager) failed(ctx context.Context, j *job, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		m.log.Info().Str("filename", j.filename).Msg("download canceled")
		return fmt.Errorf("download %s: %w", j.filename, ctxErr)
	}
	m.log.Warn().Str("filename", j.filename).Err(err).Msg("download failed")
	return err
}

// publish moves a finished temp file to its final name, refusing to replace
// a file that appeared meanwhile.
func publish(tmp, dest string) error {
	if fsutil.PathExists(dest) {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, dest)
	}
	return os.Rename(tmp, dest)
}

func jobName(entry types.CatalogEntry, destPath string) string {
	if entry.Filename != "" {
		return entry.Filename
	}
	return filepath.Base(destPath)
}

// FileNameFromURL is the last path element of u without query or fragment.
func FileNameFromURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return filepath.Base(u)
}
