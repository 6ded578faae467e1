package engine

import (
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/device"
	"github.com/23skdu/longbow-gptoss/internal/kernels"
	"github.com/23skdu/longbow-gptoss/internal/modelfile"
)

const testTextTokens = 64

func testConfig() config.ModelConfig {
	return config.ModelConfig{
		ContextLength:      32,
		NumBlocks:          2,
		NumExperts:         4,
		NumActiveExperts:   2,
		EmbeddingDim:       64,
		MLPDim:             64,
		SwiGLULimit:        7,
		HeadDim:            16,
		NumHeads:           4,
		NumKVHeads:         2,
		AttentionWindow:    4,
		RopeTheta:          150000,
		InterpolationScale: 1,
		YarnOffset:         0,
		YarnScale:          0,
		YarnMultiplier:     1,
		RMSNormEpsilon:     1e-5,
	}
}

func testRuntime() config.Runtime {
	rt := config.Default()
	rt.Workers = 4
	rt.MaxThreadgroups = 8
	return rt
}

// writeModel writes a synthetic checkpoint, letting mutate adjust the writer.
func writeModel(t *testing.T, mutate func(w *modelfile.Writer)) string {
	t.Helper()
	w := modelfile.Synthetic(testConfig(), testTextTokens, 7)
	if mutate != nil {
		mutate(w)
	}
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func loadModel(t *testing.T, path string, rt config.Runtime) *Model {
	t.Helper()
	dev := device.NewCPU(kernels.Library(), device.CPUOptions{Workers: rt.Workers, MaxThreadgroups: rt.MaxThreadgroups})
	m, err := LoadModel(path, dev, rt)
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testModel(t *testing.T) *Model {
	t.Helper()
	return loadModel(t, writeModel(t, nil), testRuntime())
}

func newTestContext(t *testing.T, m *Model, opts ContextOptions) *Context {
	t.Helper()
	c, err := NewContext(m, opts)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func prompt(n int) []uint32 {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = uint32(3*i+1) % testTextTokens
	}
	return ids
}
