package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-gptoss/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestContextCounters(t *testing.T) {
	m := testModel(t)
	c := newTestContext(t, m, ContextOptions{})

	c.Reset()
	if n := c.AddTokens(prompt(10)); n != 10 {
		t.Fatalf("expected 10 tokens appended, got %d", n)
	}
	if c.NumTokens() != 10 || c.NumBatchTokens() != 10 || c.NumKvTokens() != 0 {
		t.Errorf("expected counters 10/10/0, got tokens=%d batch=%d kv=%d",
			c.NumTokens(), c.NumBatchTokens(), c.NumKvTokens())
	}

	if err := c.Process(t.Context()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if c.NumKvTokens() != 10 || c.NumBatchTokens() != 0 || c.NumProcessedTokens() != 1 {
		t.Errorf("expected kv=10 batch=0 processed=1, got kv=%d batch=%d processed=%d",
			c.NumKvTokens(), c.NumBatchTokens(), c.NumProcessedTokens())
	}

	c.Reset()
	if c.NumTokens() != 0 || c.NumKvTokens() != 0 || c.NumBatchTokens() != 0 || c.NumProcessedTokens() != 0 {
		t.Error("expected reset to zero every counter")
	}
	if c.Occurrences(prompt(1)[0]) != 0 {
		t.Error("expected reset to clear occurrences")
	}
}

func TestContextCapacity(t *testing.T) {
	m := testModel(t)

	tests := []struct {
		name string
		opts ContextOptions
		want int
	}{
		{"model limit", ContextOptions{}, 32},
		{"smaller override", ContextOptions{ContextLength: 8}, 8},
		{"larger override is capped", ContextOptions{ContextLength: 1000}, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContext(t, m, tt.opts)
			if c.Capacity() != tt.want {
				t.Errorf("expected capacity %d, got %d", tt.want, c.Capacity())
			}
		})
	}

	if _, err := NewContext(m, ContextOptions{ContextLength: -1}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestAppendTokenOverflow(t *testing.T) {
	m := testModel(t)
	c := newTestContext(t, m, ContextOptions{ContextLength: 4})

	if n := c.AddTokens(prompt(6)); n != 4 {
		t.Errorf("expected AddTokens to stop at capacity 4, got %d", n)
	}
	err := c.AppendToken(1)
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("expected ErrContextOverflow, got %v", err)
	}
	if c.NumTokens() != 4 || c.NumBatchTokens() != 4 {
		t.Errorf("expected overflow to leave counters at 4/4, got %d/%d", c.NumTokens(), c.NumBatchTokens())
	}
}

func TestAddTokensOutOfRange(t *testing.T) {
	m := testModel(t)
	c := newTestContext(t, m, ContextOptions{})
	before := testutil.ToFloat64(metrics.TokensOutOfRange)

	c.AddTokens([]uint32{1, 5000, 2})
	if c.NumTokens() != 3 {
		t.Errorf("expected out-of-range token to be kept, got %d tokens", c.NumTokens())
	}
	if got := testutil.ToFloat64(metrics.TokensOutOfRange); got != before+1 {
		t.Errorf("expected out-of-range counter %v, got %v", before+1, got)
	}
	if err := c.Process(t.Context()); err != nil {
		t.Fatalf("expected processing to continue, got %v", err)
	}
	want := []uint32{1, 5000, 2}
	for i, id := range c.Tokens() {
		if id != want[i] {
			t.Errorf("expected token %d at %d, got %d", want[i], i, id)
		}
	}
}

// Scores must not depend on how the pending tokens are split into batches
// or on whether earlier tokens came from the KV cache.
func TestProcessBatchingInvariance(t *testing.T) {
	path := writeModel(t, nil)
	ids := prompt(11)

	single := loadModel(t, path, testRuntime())
	ref := newTestContext(t, single, ContextOptions{})
	ref.AddTokens(ids)
	if err := ref.Process(t.Context()); err != nil {
		t.Fatal(err)
	}
	want, err := ref.Scores()
	if err != nil {
		t.Fatal(err)
	}

	rt := testRuntime()
	rt.MaxBatchTokens = 3
	chunked := newTestContext(t, loadModel(t, path, rt), ContextOptions{})
	chunked.AddTokens(ids)
	if err := chunked.Process(t.Context()); err != nil {
		t.Fatal(err)
	}

	incremental := newTestContext(t, single, ContextOptions{})
	incremental.AddTokens(ids[:7])
	if err := incremental.Process(t.Context()); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids[7:] {
		if err := incremental.AppendToken(id); err != nil {
			t.Fatal(err)
		}
		if err := incremental.Process(t.Context()); err != nil {
			t.Fatal(err)
		}
	}

	for name, c := range map[string]*Context{"chunked": chunked, "incremental": incremental} {
		got, err := c.Scores()
		if err != nil {
			t.Fatal(err)
		}
		for i := range want {
			if math.Abs(float64(got[i]-want[i])) > 1e-4*(1+math.Abs(float64(want[i]))) {
				t.Errorf("%s: expected score[%d] %v, got %v", name, i, want[i], got[i])
				break
			}
		}
		if c.NumKvTokens() != len(ids) {
			t.Errorf("%s: expected %d cached tokens, got %d", name, len(ids), c.NumKvTokens())
		}
	}
}

func TestKVCacheFilled(t *testing.T) {
	m := testModel(t)
	c := newTestContext(t, m, ContextOptions{})
	c.AddTokens(prompt(5))
	if err := c.Process(t.Context()); err != nil {
		t.Fatal(err)
	}
	for block := 0; block < m.Config.NumBlocks; block++ {
		for pos := 0; pos < 5; pos++ {
			keys, err := c.kvcache.Keys(block, pos)
			if err != nil {
				t.Fatal(err)
			}
			var norm float64
			for _, k := range keys {
				norm += float64(k) * float64(k)
			}
			if norm == 0 {
				t.Errorf("expected keys cached for block %d position %d", block, pos)
			}
		}
	}
	if used := c.kvcache.UsedBytes(5); used != int64(m.Config.NumBlocks*5*2*m.Config.KVDim()*4) {
		t.Errorf("expected used bytes %d, got %d", m.Config.NumBlocks*5*2*m.Config.KVDim()*4, used)
	}
}

func TestScoresBeforeProcess(t *testing.T) {
	c := newTestContext(t, testModel(t), ContextOptions{})
	if _, err := c.Scores(); !errors.Is(err, ErrEmptyContext) {
		t.Errorf("expected ErrEmptyContext, got %v", err)
	}
	if _, err := c.Sample(t.Context(), Sampler{}); !errors.Is(err, ErrEmptyContext) {
		t.Errorf("expected ErrEmptyContext, got %v", err)
	}
}
