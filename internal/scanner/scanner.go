// Package scanner lists the GGUF models available in the models directory.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"localmodeld/internal/common/fsutil"
	"localmodeld/internal/gguf"
	"localmodeld/internal/vram"
	"localmodeld/pkg/types"
)

// Config configures a Scanner.
type Config struct {
	// Dir is the models directory. A leading "~" is expanded.
	Dir    string
	Logger zerolog.Logger
	// ReadPrefix overrides how header bytes are read (tests).
	ReadPrefix func(path string) ([]byte, int64, error)
}

// Scanner walks the models directory and builds descriptors.
type Scanner struct {
	dir        string
	log        zerolog.Logger
	readPrefix func(string) ([]byte, int64, error)
}

// New returns a Scanner for cfg.Dir.
func New(cfg Config) *Scanner {
	s := &Scanner{dir: cfg.Dir, log: cfg.Logger, readPrefix: cfg.ReadPrefix}
	if s.readPrefix == nil {
		s.readPrefix = gguf.ReadLocalPrefix
	}
	return s
}

// LoadDir scans dir with default settings.
func LoadDir(dir string) ([]types.LocalModelDescriptor, error) {
	return New(Config{Dir: dir, Logger: zerolog.Nop()}).Scan(context.Background())
}

// Dir returns the absolute models directory.
func (s *Scanner) Dir() (string, error) {
	base, err := fsutil.ExpandHome(s.dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	return abs, nil
}

// partSet collects the part files of one split model.
type partSet struct {
	base  string
	dir   string
	total int
	paths map[int]string
	sizes map[int]int64
}

type file struct {
	path string
	size int64
}

// Scan walks the models directory. Hidden directories are skipped. A split
// model is listed only if every part is present; part 00001 is its entry.
// Descriptors are sorted by name.
func (s *Scanner) Scan(ctx context.Context) ([]types.LocalModelDescriptor, error) {
	root, err := s.Dir()
	if err != nil {
		return nil, err
	}
	var singles []file
	parts := map[string]*partSet{}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			s.log.Debug().Str("path", p).Err(err).Msg("scanner skip")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := d.Name()
		if d.IsDir() {
			if p != root && fsutil.IsHidden(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if base, part, total, ok := gguf.SplitName(name); ok {
			key := filepath.Join(filepath.Dir(p), base) + fmt.Sprintf("#%d", total)
			ps := parts[key]
			if ps == nil {
				ps = &partSet{base: base, dir: filepath.Dir(p), total: total, paths: map[int]string{}, sizes: map[int]int64{}}
				parts[key] = ps
			}
			ps.paths[part] = p
			ps.sizes[part] = info.Size()
			return nil
		}
		singles = append(singles, file{path: p, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	out := make([]types.LocalModelDescriptor, 0, len(singles)+len(parts))
	for _, f := range singles {
		name := filepath.Base(f.path)
		out = append(out, s.describe(types.LocalModelDescriptor{
			ID:        name,
			Name:      stem(name),
			Filename:  name,
			Path:      f.path,
			SizeBytes: f.size,
		}))
	}
	for _, ps := range parts {
		if len(ps.paths) != ps.total {
			s.log.Debug().Str("model", ps.base).Int("parts", len(ps.paths)).Int("total", ps.total).Msg("scanner skip incomplete split model")
			continue
		}
		d := types.LocalModelDescriptor{
			ID:          ps.base,
			Name:        stem(ps.base),
			Filename:    filepath.Base(ps.paths[1]),
			Path:        ps.paths[1],
			IsMultiPart: true,
			TotalParts:  ps.total,
		}
		for i := 1; i <= ps.total; i++ {
			d.SizeBytes += ps.sizes[i]
			d.PartFiles = append(d.PartFiles, filepath.Base(ps.paths[i]))
		}
		out = append(out, s.describe(d))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})
	return dedupe(out, s.log), nil
}

// describe fills the header-derived and filename-derived fields of d.
func (s *Scanner) describe(d types.LocalModelDescriptor) types.LocalModelDescriptor {
	d.ParameterHint = ParameterHint(d.Filename)
	d.Quant = QuantFromName(d.Filename)
	d.ContextHint = ContextHint(d.Filename)

	buf, _, err := s.readPrefix(d.Path)
	if err != nil {
		s.log.Debug().Str("model", d.ID).Err(err).Msg("scanner read header")
		return d
	}
	arch, err := gguf.ParseArchitecture(buf)
	if err != nil {
		s.log.Debug().Str("model", d.ID).Err(err).Msg("scanner parse header")
		return d
	}
	arch.ModelSizeMB = float64(d.SizeBytes) / (1 << 20)
	if arch.TrainedContextLength > 0 {
		d.ContextHint = arch.TrainedContextLength
	} else if d.ContextHint > 0 {
		arch.TrainedContextLength = d.ContextHint
	}
	if q, ok := QuantFromFileType(arch.FileType); ok {
		d.Quant = q
	}
	d.Architecture = &arch
	if ests, err := vram.EstimateStandard(arch); err == nil {
		d.VRAMEstimates = ests
	}
	return d
}

// dedupe keeps the first descriptor per id; nested directories can hold
// files with the same name.
func dedupe(in []types.LocalModelDescriptor, log zerolog.Logger) []types.LocalModelDescriptor {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, d := range in {
		if _, dup := seen[d.ID]; dup {
			log.Warn().Str("model", d.ID).Str("path", d.Path).Msg("scanner duplicate model id ignored")
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out
}
