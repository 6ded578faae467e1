package engine

import (
	"slices"
	"testing"

	"github.com/23skdu/longbow-gptoss/internal/modelfile"
)

func TestAttentionWindowAlternates(t *testing.T) {
	cfg := testConfig()
	cfg.NumBlocks = 4
	tests := []struct {
		block int
		want  int
	}{
		{0, cfg.AttentionWindow},
		{1, 0},
		{2, cfg.AttentionWindow},
		{3, 0},
	}
	for _, tt := range tests {
		if got := attentionWindow(cfg, tt.block); got != tt.want {
			t.Errorf("block %d: expected window %d, got %d", tt.block, tt.want, got)
		}
	}
}

// Block 1 keys are computed from block 0's attention output, so they show
// whether block 0 attended through the sliding window. Positions inside the
// window see the same context either way; later positions must not.
func TestSlidingWindowOnEvenBlocks(t *testing.T) {
	window := testConfig().AttentionWindow
	ids := prompt(10)

	keys := func(mutate func(w *modelfile.Writer)) [][][]float32 {
		c := newTestContext(t, loadModel(t, writeModel(t, mutate), testRuntime()), ContextOptions{})
		c.AddTokens(ids)
		if err := c.Process(t.Context()); err != nil {
			t.Fatal(err)
		}
		out := make([][][]float32, 2)
		for block := range out {
			for pos := range ids {
				k, err := c.kvcache.Keys(block, pos)
				if err != nil {
					t.Fatal(err)
				}
				out[block] = append(out[block], slices.Clone(k))
			}
		}
		return out
	}
	windowed := keys(nil)
	unbounded := keys(func(w *modelfile.Writer) { w.Config.AttentionWindow = 0 })

	for pos := range ids {
		if !slices.Equal(windowed[0][pos], unbounded[0][pos]) {
			t.Errorf("block 0 position %d: expected keys independent of the window", pos)
		}
	}
	for pos := 0; pos < window; pos++ {
		if !slices.Equal(windowed[1][pos], unbounded[1][pos]) {
			t.Errorf("block 1 position %d: expected identical keys inside the window", pos)
		}
	}
	differs := false
	for pos := window; pos < len(ids); pos++ {
		if !slices.Equal(windowed[1][pos], unbounded[1][pos]) {
			differs = true
		}
	}
	if !differs {
		t.Error("expected block 0's sliding window to change block 1 keys beyond the window")
	}
}
