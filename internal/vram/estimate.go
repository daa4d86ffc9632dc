// Package vram estimates graphics memory needed to run a GGUF model from its
// header metadata, without loading it.
//
// The formula is an empirical fit against llama.cpp measurements. All sizes
// are in MB (MiB).
package vram

import (
	"errors"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"

	"localmodeld/pkg/types"
)

// Fitted constants.
const (
	coefSizeOffset  = 17.9955
	coefKV          = 3.1486e-5
	coefEmbedRatio  = 50.7782
	coefEmbedOffset = 9.9879
	minLayerSurplus = 0.9691
	baseOverheadMB  = 1516.52
)

// ConservativeMarginMB is added to the expected figure for the conservative one.
const ConservativeMarginMB = 577

// FullOffload asks for every layer on the GPU; it is clamped to the layer count.
const FullOffload = 999

// contextStep is the granularity standard configurations are rounded to.
const contextStep = 1024

// ErrMissingField is matched (errors.Is) by every *MissingFieldError.
var ErrMissingField = errors.New("vram: missing architecture field")

// ErrInvalidConfig reports a configuration the formula cannot evaluate.
var ErrInvalidConfig = errors.New("vram: invalid configuration")

// MissingFieldError names the architecture field that was absent.
type MissingFieldError struct{ Field string }

func (e *MissingFieldError) Error() string { return "vram: missing architecture field " + e.Field }

func (e *MissingFieldError) Is(target error) bool { return target == ErrMissingField }

// CacheWeight returns the per-element weight of a KV cache type.
func CacheWeight(t types.CacheType) (float64, bool) {
	switch t {
	case types.CacheQ4_0:
		return 4, true
	case types.CacheQ8_0:
		return 8, true
	case types.CacheFP16, "":
		return 16, true
	}
	return 0, false
}

// Complete reports the first missing field of arch, or nil.
func Complete(arch types.ModelArchitecture) error {
	switch {
	case arch.LayerCount <= 0:
		return &MissingFieldError{Field: "layer_count"}
	case arch.KVHeadCount <= 0:
		return &MissingFieldError{Field: "kv_head_count"}
	case arch.EmbeddingDim <= 0:
		return &MissingFieldError{Field: "embedding_dim"}
	case arch.TrainedContextLength <= 0:
		return &MissingFieldError{Field: "trained_context_length"}
	case arch.FeedForwardDim <= 0:
		return &MissingFieldError{Field: "feed_forward_dim"}
	case arch.ModelSizeMB <= 0:
		return &MissingFieldError{Field: "model_size_mb"}
	}
	return nil
}

// Estimate computes the expected and conservative VRAM for running arch with
// gpuLayers offloaded, a context of ctx tokens and the given cache type.
func Estimate(arch types.ModelArchitecture, gpuLayers, ctx int, cache types.CacheType) (types.VRAMEstimate, error) {
	return EstimateConfig(arch, types.VRAMConfiguration{
		GPULayers:   gpuLayers,
		ContextSize: ctx,
		CacheType:   cache,
		Label:       ContextLabel(ctx),
	})
}

// EstimateConfig is Estimate with the configuration passed as a value. The
// returned config has GPULayers clamped to the layer count.
func EstimateConfig(arch types.ModelArchitecture, cfg types.VRAMConfiguration) (types.VRAMEstimate, error) {
	if err := Complete(arch); err != nil {
		return types.VRAMEstimate{}, err
	}
	if cfg.ContextSize <= 0 {
		return types.VRAMEstimate{}, fmt.Errorf("%w: context size %d", ErrInvalidConfig, cfg.ContextSize)
	}
	c, ok := CacheWeight(cfg.CacheType)
	if !ok {
		return types.VRAMEstimate{}, fmt.Errorf("%w: cache type %q", ErrInvalidConfig, cfg.CacheType)
	}
	if cfg.GPULayers < 0 {
		cfg.GPULayers = 0
	}
	if cfg.GPULayers > arch.LayerCount {
		cfg.GPULayers = arch.LayerCount
	}
	if cfg.CacheType == "" {
		cfg.CacheType = types.CacheFP16
	}

	layers := float64(cfg.GPULayers)
	ctx := float64(cfg.ContextSize)
	sizePerLayer := arch.ModelSizeMB / float64(arch.LayerCount)
	kvFactor := float64(arch.KVHeadCount) * c * ctx
	embedRatio := float64(arch.EmbeddingDim) / ctx

	surplus := math.Max(minLayerSurplus, c-(math.Floor(coefEmbedRatio*embedRatio)+coefEmbedOffset))
	expected := (sizePerLayer-coefSizeOffset+coefKV*kvFactor)*(layers+surplus) + baseOverheadMB
	// Snap to 1/1024 MB so that adding the margin is exact in float64.
	expected = math.Round(expected*1024) / 1024

	return types.VRAMEstimate{
		ExpectedMB:     expected,
		ConservativeMB: expected + ConservativeMarginMB,
		Config:         cfg,
	}, nil
}

// StandardConfigurations returns the four fp16 full-offload configurations at
// 25, 50, 75 and 100 percent of the trained context.
func StandardConfigurations(arch types.ModelArchitecture) []types.VRAMConfiguration {
	if arch.TrainedContextLength <= 0 {
		return nil
	}
	layers := FullOffload
	if arch.LayerCount > 0 && arch.LayerCount < layers {
		layers = arch.LayerCount
	}
	out := make([]types.VRAMConfiguration, 0, 4)
	for _, pct := range []float64{0.25, 0.5, 0.75, 1} {
		ctx := roundContext(float64(arch.TrainedContextLength) * pct)
		out = append(out, types.VRAMConfiguration{
			GPULayers:   layers,
			ContextSize: ctx,
			CacheType:   types.CacheFP16,
			Label:       ContextLabel(ctx),
		})
	}
	return out
}

// EstimateStandard estimates every standard configuration of arch.
func EstimateStandard(arch types.ModelArchitecture) ([]types.VRAMEstimate, error) {
	if err := Complete(arch); err != nil {
		return nil, err
	}
	cfgs := StandardConfigurations(arch)
	out := make([]types.VRAMEstimate, 0, len(cfgs))
	for _, cfg := range cfgs {
		est, err := EstimateConfig(arch, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, est)
	}
	return out, nil
}

// LargestFitting returns the standard estimate with the largest context whose
// conservative figure fits in budgetMB.
func LargestFitting(estimates []types.VRAMEstimate, budgetMB float64) (types.VRAMEstimate, bool) {
	var best types.VRAMEstimate
	found := false
	for _, e := range estimates {
		if e.ConservativeMB > budgetMB {
			continue
		}
		if !found || e.Config.ContextSize > best.Config.ContextSize {
			best, found = e, true
		}
	}
	return best, found
}

// ContextLabel renders ctx as "<n>K context".
func ContextLabel(ctx int) string {
	k := float64(ctx) / contextStep
	if k == math.Trunc(k) {
		return fmt.Sprintf("%dK context", int(k))
	}
	return fmt.Sprintf("%.1fK context", k)
}

// FormatMB renders an MB figure for humans, e.g. "4.3 GiB".
func FormatMB(mb float64) string {
	if mb <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(mb * (1 << 20)))
}

func roundContext(v float64) int {
	n := int(math.Round(v/contextStep)) * contextStep
	if n < contextStep {
		n = contextStep
	}
	return n
}
