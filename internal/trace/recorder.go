// Package trace records generation events as Arrow IPC files.
package trace

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/23skdu/longbow-gptoss/internal/engine"
	"github.com/23skdu/longbow-gptoss/internal/tokenizer"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	colPosition = iota
	colToken
	colText
	colScore
	colPath
	colBatchTokens
	colProcessNanos
	colSampleNanos
)

var fields = []arrow.Field{
	{Name: "position", Type: arrow.PrimitiveTypes.Int64},
	{Name: "token", Type: arrow.PrimitiveTypes.Uint32},
	{Name: "text", Type: arrow.BinaryTypes.String},
	{Name: "score", Type: arrow.PrimitiveTypes.Float32},
	{Name: "path", Type: arrow.BinaryTypes.String},
	{Name: "batch_tokens", Type: arrow.PrimitiveTypes.Int32},
	{Name: "process_ns", Type: arrow.PrimitiveTypes.Int64},
	{Name: "sample_ns", Type: arrow.PrimitiveTypes.Int64},
}

// Recorder buffers token events and writes them as one Arrow record batch.
// It implements engine.Observer.
type Recorder struct {
	mu      sync.Mutex
	mem     memory.Allocator
	schema  *arrow.Schema
	builder *array.RecordBuilder
	codec   tokenizer.Codec
	rows    int
}

// NewRecorder creates a recorder. codec, if non-nil, fills the text column;
// meta is stored as schema metadata.
func NewRecorder(codec tokenizer.Codec, meta map[string]string) *Recorder {
	md := arrow.MetadataFrom(meta)
	schema := arrow.NewSchema(fields, &md)
	mem := memory.NewGoAllocator()
	return &Recorder{
		mem:     mem,
		schema:  schema,
		builder: array.NewRecordBuilder(mem, schema),
		codec:   codec,
	}
}

func (r *Recorder) ObserveToken(e engine.TokenEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var text string
	if r.codec != nil {
		text = r.codec.Decode([]uint32{e.Token})
	}
	b := r.builder
	b.Field(colPosition).(*array.Int64Builder).Append(int64(e.Position))
	b.Field(colToken).(*array.Uint32Builder).Append(e.Token)
	b.Field(colText).(*array.StringBuilder).Append(text)
	b.Field(colScore).(*array.Float32Builder).Append(e.Score)
	b.Field(colPath).(*array.StringBuilder).Append(e.Path)
	b.Field(colBatchTokens).(*array.Int32Builder).Append(int32(e.BatchTokens))
	b.Field(colProcessNanos).(*array.Int64Builder).Append(e.ProcessTime.Nanoseconds())
	b.Field(colSampleNanos).(*array.Int64Builder).Append(e.SampleTime.Nanoseconds())
	r.rows++
}

// Len is the number of buffered events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

// WriteFile writes the buffered events to path in the Arrow IPC file format
// and clears the buffer.
func (r *Recorder) WriteFile(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.builder.NewRecord()
	defer rec.Release()
	r.rows = 0

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(r.schema), ipc.WithAllocator(r.mem))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("create trace writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		_ = f.Close()
		return fmt.Errorf("write trace record: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close trace writer: %w", err)
	}
	return f.Close()
}

// Release frees the builder.
func (r *Recorder) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builder.Release()
}

// Trace is a decoded trace file.
type Trace struct {
	Metadata map[string]string
	Events   []engine.TokenEvent
	Text     []string
}

// ReadFile reads a trace written by Recorder.WriteFile.
func ReadFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	rdr, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	defer rdr.Close()

	if !sameFields(rdr.Schema()) {
		return nil, fmt.Errorf("read trace: unexpected schema %s", rdr.Schema())
	}
	md := rdr.Schema().Metadata()
	t := &Trace{Metadata: make(map[string]string, md.Len())}
	for i, k := range md.Keys() {
		t.Metadata[k] = md.Values()[i]
	}

	for i := 0; i < rdr.NumRecords(); i++ {
		rec, err := rdr.Record(i)
		if err != nil {
			return nil, fmt.Errorf("read trace record %d: %w", i, err)
		}
		position := rec.Column(colPosition).(*array.Int64)
		token := rec.Column(colToken).(*array.Uint32)
		text := rec.Column(colText).(*array.String)
		score := rec.Column(colScore).(*array.Float32)
		path := rec.Column(colPath).(*array.String)
		batch := rec.Column(colBatchTokens).(*array.Int32)
		process := rec.Column(colProcessNanos).(*array.Int64)
		sample := rec.Column(colSampleNanos).(*array.Int64)
		for j := 0; j < int(rec.NumRows()); j++ {
			t.Events = append(t.Events, engine.TokenEvent{
				Position:    int(position.Value(j)),
				Token:       token.Value(j),
				Score:       score.Value(j),
				Path:        path.Value(j),
				BatchTokens: int(batch.Value(j)),
				ProcessTime: time.Duration(process.Value(j)),
				SampleTime:  time.Duration(sample.Value(j)),
			})
			t.Text = append(t.Text, text.Value(j))
		}
	}
	return t, nil
}

func sameFields(s *arrow.Schema) bool {
	if s.NumFields() != len(fields) {
		return false
	}
	for i, f := range fields {
		if !arrow.TypeEqual(s.Field(i).Type, f.Type) || s.Field(i).Name != f.Name {
			return false
		}
	}
	return true
}

// SessionMetadata builds the schema metadata for a generation session.
func SessionMetadata(model string, seed uint64, s engine.Sampler) map[string]string {
	return map[string]string{
		"model":             model,
		"seed":              strconv.FormatUint(seed, 10),
		"temperature":       strconv.FormatFloat(float64(s.Temperature), 'g', -1, 32),
		"top_p":             strconv.FormatFloat(float64(s.TopP), 'g', -1, 32),
		"top_k":             strconv.Itoa(s.TopK),
		"frequency_penalty": strconv.FormatFloat(float64(s.FrequencyPenalty), 'g', -1, 32),
		"presence_penalty":  strconv.FormatFloat(float64(s.PresencePenalty), 'g', -1, 32),
	}
}
