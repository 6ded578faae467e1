// Package engine runs gpt-oss inference: it binds a mapped checkpoint to a
// device, owns per-session execution contexts and drives the forward pass
// and sampler.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/device"
	"github.com/23skdu/longbow-gptoss/internal/kernels"
	"github.com/23skdu/longbow-gptoss/internal/layout"
	"github.com/23skdu/longbow-gptoss/internal/logger"
	"github.com/23skdu/longbow-gptoss/internal/metrics"
	"github.com/23skdu/longbow-gptoss/internal/mmap"
	"github.com/23skdu/longbow-gptoss/internal/modelfile"
	"github.com/23skdu/longbow-gptoss/internal/tokenizer"
	"github.com/d4l3k/go-bfloat16"
)

// weightSampleSize is how many bf16 values of the embedding and unembedding
// are summed by the load-time corruption check.
const weightSampleSize = 4096

// Model is a loaded checkpoint. Weights are read-only after load, so one
// Model may back any number of Contexts.
type Model struct {
	Config    config.ModelConfig
	Layout    layout.Layout
	Tokenizer *tokenizer.Tokenizer
	Runtime   config.Runtime

	dev     device.Device
	file    *modelfile.File
	shared  *device.Buffer
	experts []*device.Buffer

	mu        sync.Mutex
	pipelines map[string]*device.Pipeline
	closed    bool
}

// LoadModel maps the checkpoint at path and exposes its weights to dev.
func LoadModel(path string, dev device.Device, rt config.Runtime) (_ *Model, err error) {
	start := time.Now()
	if err := rt.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	mf, err := modelfile.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	m := &Model{
		Config:    mf.Header.Config,
		Layout:    mf.Layout,
		Runtime:   rt,
		dev:       dev,
		file:      mf,
		pipelines: make(map[string]*device.Pipeline),
	}
	defer func() {
		if err != nil {
			_ = m.Close()
		}
	}()

	m.Tokenizer, err = tokenizer.New(mf.Header.SpecialUUIDs, mf.Header.Tokenizer.NumTextTokens, mf.Regex(), mf.TokenTable())
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	m.shared, err = dev.WrapBuffer("shared", mf.Shared.Bytes())
	if err != nil {
		return nil, fmt.Errorf("wrap shared weights: %w", err)
	}
	for n, r := range mf.Experts {
		b, err := dev.WrapBuffer(fmt.Sprintf("block%d.experts", n), r.Bytes())
		if err != nil {
			return nil, fmt.Errorf("wrap block %d experts: %w", n, err)
		}
		m.experts = append(m.experts, b)
	}

	m.checkWeightSample("embedding", m.Layout.Embedding)
	m.checkWeightSample("unembedding", m.Layout.Unembedding)

	metrics.RecordModelLoad(time.Since(start))
	logger.Log.Info("Model loaded",
		"path", path,
		"device", dev.Name(),
		"blocks", m.Config.NumBlocks,
		"experts", m.Config.NumExperts,
		"vocab", m.Config.VocabularySize,
		"weights_bytes", m.WeightBytes(),
		"duration", time.Since(start))
	return m, nil
}

// checkWeightSample warns when the leading values of a weight region sum to
// exactly zero. A zero sample usually means an empty or misaligned file, but
// loading continues.
func (m *Model) checkWeightSample(region string, span layout.Span) {
	n := min(int64(weightSampleSize), span.Size/2)
	raw, err := m.file.Shared.Slice(span.Offset, 2*n)
	if err != nil {
		logger.Log.Warn("Weight sample out of range", "region", region, "error", err)
		return
	}
	if err := m.file.Shared.Advise(span.Offset, 2*n, mmap.AdviseSequential); err != nil {
		logger.Log.Debug("Weight sample advise failed", "region", region, "error", err)
	}
	var sum float64
	for _, v := range bfloat16.DecodeFloat32(raw) {
		sum += float64(v)
	}
	if sum == 0 {
		logger.Log.Warn("Weight sample is all zeros; file may be empty, corrupt or misaligned",
			"region", region, "offset", span.Offset, "values", n)
		metrics.RecordWeightSampleZero(region)
	}
}

// Pipeline returns the compiled pipeline for a kernel, compiling it on first use.
func (m *Model) Pipeline(name string) (*device.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrModelClosed
	}
	if p, ok := m.pipelines[name]; ok {
		return p, nil
	}
	p, err := m.dev.NewPipeline(name)
	if err != nil {
		return nil, err
	}
	m.pipelines[name] = p
	return p, nil
}

// Device returns the device the model's weights are bound to.
func (m *Model) Device() device.Device { return m.dev }

// Shared returns the shared weight buffer at span.
func (m *Model) Shared(span layout.Span) device.Ref {
	return device.Ref{Buffer: m.shared, Offset: int(span.Offset)}
}

// Experts returns the expert weight region of block n.
func (m *Model) Experts(n int) device.Ref {
	return device.Ref{Buffer: m.experts[n]}
}

// WeightBytes is the total size of the mapped weight regions.
func (m *Model) WeightBytes() int64 {
	return m.Layout.SharedSize + int64(m.Layout.NumBlocks)*m.Layout.ExpertRegionSize
}

// Description summarises a loaded model.
type Description struct {
	Path             string
	Device           string
	Config           config.ModelConfig
	NumTextTokens    uint32
	NumSpecialTokens uint32
	SpecialTokens    map[string]uint32
	SharedSize       int64
	ExpertRegionSize int64
	WeightBytes      int64
	PageSize         int64
}

func (m *Model) Describe() Description {
	d := Description{
		Path:             m.file.Path,
		Device:           m.dev.Name(),
		Config:           m.Config,
		NumTextTokens:    m.Tokenizer.NumTextTokens(),
		NumSpecialTokens: m.Tokenizer.NumSpecialTokens(),
		SpecialTokens:    make(map[string]uint32),
		SharedSize:       m.Layout.SharedSize,
		ExpertRegionSize: m.Layout.ExpertRegionSize,
		WeightBytes:      m.WeightBytes(),
		PageSize:         m.Layout.PageSize,
	}
	for _, s := range tokenizer.SpecialTokens() {
		if id := m.Tokenizer.SpecialTokenID(s); id != tokenizer.UnsetID {
			d.SpecialTokens[s.String()] = id
		}
	}
	return d
}

// Close releases the device bindings and unmaps the checkpoint. Contexts
// created from the model must not be used afterwards.
func (m *Model) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.pipelines = nil
	m.mu.Unlock()

	if m.shared != nil {
		m.shared.Release()
	}
	for _, b := range m.experts {
		b.Release()
	}
	m.experts = nil
	return m.file.Close()
}

var _ kernels.Pipelines = (*Model)(nil)
