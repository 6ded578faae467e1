package modelfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/layout"
	"github.com/23skdu/longbow-gptoss/internal/tokenizer"
	"github.com/google/uuid"
)

// Writer produces a complete checkpoint. Weight regions start zeroed and are
// populated by the fill callbacks.
type Writer struct {
	// Config.VocabularySize is derived from the token tables and ignored here.
	Config       config.ModelConfig
	SpecialUUIDs []uuid.UUID
	TextTokens   [][]byte
	Regex        string

	FillShared  func(l layout.Layout, buf []byte)
	FillExperts func(l layout.Layout, block int, buf []byte)

	// Identity overrides; uuid.Nil selects the supported value.
	ModelUUID     uuid.UUID
	LayoutUUID    uuid.UUID
	TokenizerUUID uuid.UUID
}

func orDefault(u, def uuid.UUID) uuid.UUID {
	if u == uuid.Nil {
		return def
	}
	return u
}

// Layout returns the layout the written file will have.
func (w *Writer) Layout() (layout.Layout, error) {
	cfg := w.Config
	cfg.VocabularySize = len(w.TextTokens) + len(w.SpecialUUIDs)
	return layout.Compute(cfg, layout.PageSize)
}

func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	l, err := w.Layout()
	if err != nil {
		return 0, err
	}
	table, err := tokenizer.EncodeTable(w.TextTokens)
	if err != nil {
		return 0, err
	}

	var hdr bytes.Buffer
	hdr.WriteString(Magic)
	le := binary.LittleEndian
	_ = binary.Write(&hdr, le, uint32(0))
	_ = binary.Write(&hdr, le, orDefault(w.ModelUUID, ModelUUID))
	_ = binary.Write(&hdr, le, headerFromConfig(w.Config))
	_ = binary.Write(&hdr, le, orDefault(w.LayoutUUID, LayoutUUID))
	_ = binary.Write(&hdr, le, orDefault(w.TokenizerUUID, TokenizerUUID))
	_ = binary.Write(&hdr, le, TokenizerHeader{
		NumSpecialTokens: uint32(len(w.SpecialUUIDs)),
		NumTextTokens:    uint32(len(w.TextTokens)),
		RegexSize:        uint32(len(w.Regex)),
		TokensSize:       uint32(len(table)),
	})
	_ = binary.Write(&hdr, le, w.SpecialUUIDs)
	hdr.WriteString(w.Regex)
	hdr.Write(table)
	hdr.Write(make([]byte, layout.RoundUp(int64(hdr.Len()), layout.PageSize)-int64(hdr.Len())))

	var total int64
	write := func(b []byte) error {
		n, err := out.Write(b)
		total += int64(n)
		return err
	}
	if err := write(hdr.Bytes()); err != nil {
		return total, err
	}

	shared := make([]byte, l.SharedSize)
	if w.FillShared != nil {
		w.FillShared(l, shared)
	}
	if err := write(shared); err != nil {
		return total, err
	}

	experts := make([]byte, l.ExpertRegionSize)
	for n := 0; n < l.NumBlocks; n++ {
		clear(experts)
		if w.FillExperts != nil {
			w.FillExperts(l, n, experts)
		}
		if err := write(experts); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return &IOError{Op: "create", Err: err}
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	if _, err := w.WriteTo(bw); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return &IOError{Op: "flush", Err: err}
	}
	return f.Close()
}

// PutBF16 stores vals as bfloat16 with round-to-nearest-even.
func PutBF16(dst []byte, vals []float32) {
	for i, v := range vals {
		bits := math.Float32bits(v)
		if v != v {
			bits = 0x7FC00000
		} else {
			bits += 0x7FFF + (bits>>16)&1
		}
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(bits>>16))
	}
}

var e2m1Values = [8]float32{0, 0.5, 1, 1.5, 2, 3, 4, 6}

// PutMXFP4 quantizes vals (a multiple of 32) into packed e2m1 nibbles, low
// nibble first, and one power-of-two scale byte per 32-value block.
func PutMXFP4(blocks, scales []byte, vals []float32) {
	for b := 0; b*config.MXFP4BlockSize < len(vals); b++ {
		block := vals[b*config.MXFP4BlockSize : (b+1)*config.MXFP4BlockSize]
		var maxAbs float64
		for _, v := range block {
			maxAbs = math.Max(maxAbs, math.Abs(float64(v)))
		}
		exp := 0
		if maxAbs > 0 {
			exp = int(math.Ceil(math.Log2(maxAbs / 6)))
		}
		exp = max(-127, min(127, exp))
		scales[b] = byte(exp + 127)
		scale := math.Ldexp(1, exp)

		for i, v := range block {
			code := nearestE2M1(float64(v) / scale)
			idx := b*config.MXFP4BlockSize/2 + i/2
			if i%2 == 0 {
				blocks[idx] = blocks[idx]&0xF0 | code
			} else {
				blocks[idx] = blocks[idx]&0x0F | code<<4
			}
		}
	}
}

func nearestE2M1(x float64) byte {
	var sign byte
	if x < 0 {
		sign = 8
		x = -x
	}
	best := 0
	for i, v := range e2m1Values {
		if math.Abs(float64(v)-x) < math.Abs(float64(e2m1Values[best])-x) {
			best = i
		}
	}
	return sign | byte(best)
}
