package engine

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/23skdu/longbow-gptoss/internal/modelfile"
	"github.com/google/go-cmp/cmp"
)

type recordingObserver struct {
	events []TokenEvent
}

func (r *recordingObserver) ObserveToken(e TokenEvent) { r.events = append(r.events, e) }

func TestGenerateDeterministic(t *testing.T) {
	m := testModel(t)
	c := newTestContext(t, m, ContextOptions{})

	first, err := c.GenerateTokens(t.Context(), prompt(5), 8, Sampler{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) == 0 {
		t.Fatal("expected generated tokens")
	}
	second, err := c.GenerateTokens(t.Context(), prompt(5), 8, Sampler{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("expected identical greedy output (-first +second):\n%s", diff)
	}

	other := newTestContext(t, m, ContextOptions{Seed: 99})
	third, err := other.GenerateTokens(t.Context(), prompt(5), 8, Sampler{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, third); diff != "" {
		t.Errorf("expected greedy output independent of seed (-first +third):\n%s", diff)
	}
}

func TestGenerateStochasticReproducible(t *testing.T) {
	m := testModel(t)
	s := Sampler{Temperature: 1.5, TopP: 0.95}

	run := func(seed uint64) []uint32 {
		c := newTestContext(t, m, ContextOptions{Seed: seed})
		out, err := c.GenerateTokens(t.Context(), prompt(4), 10, s, nil)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	a, b := run(1234), run(1234)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("expected identical output for a fixed seed (-a +b):\n%s", diff)
	}
}

func TestGenerateAppendsAndObserves(t *testing.T) {
	m := testModel(t)
	obs := &recordingObserver{}
	c := newTestContext(t, m, ContextOptions{Observer: obs})

	out, err := c.GenerateTokens(t.Context(), prompt(5), 4, Sampler{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.NumTokens() != 5+len(out) {
		t.Errorf("expected %d tokens in context, got %d", 5+len(out), c.NumTokens())
	}
	if diff := cmp.Diff(out, c.Tokens()[5:]); diff != "" {
		t.Errorf("expected generated tokens appended (-want +got):\n%s", diff)
	}
	if len(obs.events) != len(out) {
		t.Fatalf("expected %d events, got %d", len(out), len(obs.events))
	}
	for i, e := range obs.events {
		if e.Position != 5+i || e.Token != out[i] {
			t.Errorf("expected event %d at position %d token %d, got %+v", i, 5+i, out[i], e)
		}
	}
	if obs.events[0].BatchTokens != 5 {
		t.Errorf("expected first event to follow a 5-token batch, got %d", obs.events[0].BatchTokens)
	}
	for _, id := range out {
		if c.Occurrences(id) == 0 {
			t.Errorf("expected occurrence tracked for %d", id)
		}
	}
}

func TestGenerateContinues(t *testing.T) {
	m := testModel(t)
	c := newTestContext(t, m, ContextOptions{})
	whole, err := c.GenerateTokens(t.Context(), prompt(5), 6, Sampler{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(whole) < 6 {
		t.Skip("generation hit a stop token")
	}

	split := newTestContext(t, m, ContextOptions{})
	head, err := split.GenerateTokens(t.Context(), prompt(5), 3, Sampler{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	tail, err := split.GenerateTokens(t.Context(), nil, 3, Sampler{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(whole, append(head, tail...)); diff != "" {
		t.Errorf("expected continued generation to match (-whole +split):\n%s", diff)
	}
}

func TestGenerateCallbackStops(t *testing.T) {
	c := newTestContext(t, testModel(t), ContextOptions{})
	var seen []uint32
	out, err := c.GenerateTokens(t.Context(), prompt(3), 10, Sampler{}, func(id uint32) bool {
		seen = append(seen, id)
		return len(seen) < 2
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) > 2 {
		t.Errorf("expected at most 2 tokens, got %d", len(out))
	}
	if diff := cmp.Diff(out, seen); diff != "" {
		t.Errorf("expected callback to see every token (-out +seen):\n%s", diff)
	}
}

// A model without special tokens never stops early, so generation runs
// until the context is full.
func TestGenerateContextOverflow(t *testing.T) {
	path := writeModel(t, func(w *modelfile.Writer) { w.SpecialUUIDs = nil })
	c := newTestContext(t, loadModel(t, path, testRuntime()), ContextOptions{ContextLength: 8})

	out, err := c.GenerateTokens(t.Context(), prompt(6), 10, Sampler{}, nil)
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("expected ErrContextOverflow, got %v", err)
	}
	if len(out) != 2 || c.NumTokens() != 8 {
		t.Errorf("expected 2 tokens and a full context, got %d tokens and %d in context", len(out), c.NumTokens())
	}

	if _, err := c.GenerateTokens(t.Context(), prompt(9), 1, Sampler{}, nil); !errors.Is(err, ErrContextOverflow) {
		t.Errorf("expected oversized prompt to fail with ErrContextOverflow, got %v", err)
	}
}

func TestGenerateStopsOnStopToken(t *testing.T) {
	m := testModel(t)
	stop := m.Tokenizer.StopTokens()
	if len(stop) != 3 {
		t.Fatalf("expected 3 stop tokens, got %v", stop)
	}

	c := newTestContext(t, m, ContextOptions{})
	out, err := c.GenerateTokens(t.Context(), prompt(5), 20, Sampler{Temperature: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range out {
		if slices.Contains(stop, id) && i != len(out)-1 {
			t.Errorf("expected generation to stop at stop token %d (index %d of %d)", id, i, len(out))
		}
	}
}

func TestGenerateErrors(t *testing.T) {
	c := newTestContext(t, testModel(t), ContextOptions{})

	if _, err := c.GenerateTokens(t.Context(), nil, 1, Sampler{}, nil); !errors.Is(err, ErrEmptyContext) {
		t.Errorf("expected ErrEmptyContext, got %v", err)
	}
	if _, err := c.GenerateTokens(t.Context(), prompt(2), 1, Sampler{Temperature: -1}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := c.GenerateTokens(t.Context(), prompt(2), -1, Sampler{}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := c.GenerateTokens(ctx, prompt(2), 3, Sampler{}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
