// Package modelfile reads and writes the "GPT-OSS v1.0" checkpoint format:
// a fixed header, the tokenizer payload, then page-aligned weight regions.
package modelfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/layout"
	"github.com/23skdu/longbow-gptoss/internal/mmap"
	"github.com/google/uuid"
)

const Magic = "GPT-OSS v1.0"

var (
	ModelUUID     = uuid.MustParse("df52dc86-1789-4ed0-a295-66f10508145b")
	LayoutUUID    = uuid.MustParse("229177a8-5775-4268-bfd8-d588b351c56d")
	TokenizerUUID = uuid.MustParse("7401aded-2a95-40cb-b782-9ccebaafe72b")
)

// maxSpecialTokens bounds the special-token table read from untrusted input.
const maxSpecialTokens = 1 << 16

// modelHeader is the on-disk order of the 17 hyperparameter fields.
type modelHeader struct {
	ContextLength      uint32
	NumBlocks          uint32
	NumExperts         uint32
	NumActiveExperts   uint32
	EmbeddingDim       uint32
	MLPDim             uint32
	SwiGLULimit        float32
	HeadDim            uint32
	NumHeads           uint32
	NumKVHeads         uint32
	AttentionWindow    uint32
	RopeTheta          float32
	InterpolationScale float32
	YarnOffset         float32
	YarnScale          float32
	YarnMultiplier     float32
	RMSNormEpsilon     float32
}

func (h modelHeader) config() config.ModelConfig {
	return config.ModelConfig{
		ContextLength:      int(h.ContextLength),
		NumBlocks:          int(h.NumBlocks),
		NumExperts:         int(h.NumExperts),
		NumActiveExperts:   int(h.NumActiveExperts),
		EmbeddingDim:       int(h.EmbeddingDim),
		MLPDim:             int(h.MLPDim),
		SwiGLULimit:        h.SwiGLULimit,
		HeadDim:            int(h.HeadDim),
		NumHeads:           int(h.NumHeads),
		NumKVHeads:         int(h.NumKVHeads),
		AttentionWindow:    int(h.AttentionWindow),
		RopeTheta:          h.RopeTheta,
		InterpolationScale: h.InterpolationScale,
		YarnOffset:         h.YarnOffset,
		YarnScale:          h.YarnScale,
		YarnMultiplier:     h.YarnMultiplier,
		RMSNormEpsilon:     h.RMSNormEpsilon,
	}
}

func headerFromConfig(c config.ModelConfig) modelHeader {
	return modelHeader{
		ContextLength:      uint32(c.ContextLength),
		NumBlocks:          uint32(c.NumBlocks),
		NumExperts:         uint32(c.NumExperts),
		NumActiveExperts:   uint32(c.NumActiveExperts),
		EmbeddingDim:       uint32(c.EmbeddingDim),
		MLPDim:             uint32(c.MLPDim),
		SwiGLULimit:        c.SwiGLULimit,
		HeadDim:            uint32(c.HeadDim),
		NumHeads:           uint32(c.NumHeads),
		NumKVHeads:         uint32(c.NumKVHeads),
		AttentionWindow:    uint32(c.AttentionWindow),
		RopeTheta:          c.RopeTheta,
		InterpolationScale: c.InterpolationScale,
		YarnOffset:         c.YarnOffset,
		YarnScale:          c.YarnScale,
		YarnMultiplier:     c.YarnMultiplier,
		RMSNormEpsilon:     c.RMSNormEpsilon,
	}
}

type TokenizerHeader struct {
	NumSpecialTokens uint32
	NumTextTokens    uint32
	RegexSize        uint32
	TokensSize       uint32
}

// Header is everything before the tokenizer payload, plus the offsets derived
// from it.
type Header struct {
	Config       config.ModelConfig
	Tokenizer    TokenizerHeader
	SpecialUUIDs []uuid.UUID

	// PayloadOffset is where the regex bytes start; the text-token table follows.
	PayloadOffset int64
	// WeightsOffset is the page-aligned start of the shared weight region.
	WeightsOffset int64
}

func (h *Header) PayloadSize() int64 {
	return int64(h.Tokenizer.RegexSize) + int64(h.Tokenizer.TokensSize)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func readField(r io.Reader, what string, v any) error {
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: truncated %s", ErrInvalidFormat, what)
		}
		return &IOError{Op: "read " + what, Err: err}
	}
	return nil
}

func readUUID(r io.Reader, field string, want uuid.UUID, kind error) error {
	var got uuid.UUID
	if err := readField(r, field+" uuid", &got); err != nil {
		return err
	}
	if got != want {
		return &UUIDMismatchError{Field: field, Got: got, Want: want, kind: kind}
	}
	return nil
}

// ReadHeader parses the file from its first byte up to the end of the
// special-token table. It does not consume the tokenizer payload.
func ReadHeader(r io.Reader) (*Header, error) {
	cr := &countingReader{r: r}

	var fileHeader struct {
		Magic    [12]byte
		Reserved uint32
	}
	if err := readField(cr, "file header", &fileHeader); err != nil {
		return nil, err
	}
	if string(fileHeader.Magic[:]) != Magic {
		return nil, ErrInvalidMagic{Magic: fileHeader.Magic}
	}
	if fileHeader.Reserved != 0 {
		return nil, fmt.Errorf("%w: reserved header bytes are %#x", ErrInvalidFormat, fileHeader.Reserved)
	}

	if err := readUUID(cr, "model", ModelUUID, ErrInvalidUUID); err != nil {
		return nil, err
	}

	var mh modelHeader
	if err := readField(cr, "model header", &mh); err != nil {
		return nil, err
	}

	if err := readUUID(cr, "layout", LayoutUUID, ErrUnsupportedLayout); err != nil {
		return nil, err
	}
	if err := readUUID(cr, "tokenizer", TokenizerUUID, ErrUnsupportedTokenizer); err != nil {
		return nil, err
	}

	h := &Header{Config: mh.config()}
	if err := readField(cr, "tokenizer header", &h.Tokenizer); err != nil {
		return nil, err
	}
	if h.Tokenizer.NumSpecialTokens > maxSpecialTokens {
		return nil, fmt.Errorf("%w: %d special tokens (max %d)", ErrInvalidFormat, h.Tokenizer.NumSpecialTokens, maxSpecialTokens)
	}
	h.SpecialUUIDs = make([]uuid.UUID, h.Tokenizer.NumSpecialTokens)
	if err := readField(cr, "special token table", h.SpecialUUIDs); err != nil {
		return nil, err
	}

	h.Config.VocabularySize = int(h.Tokenizer.NumTextTokens) + int(h.Tokenizer.NumSpecialTokens)
	if err := h.Config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	h.PayloadOffset = cr.n
	h.WeightsOffset = layout.RoundUp(h.PayloadOffset+h.PayloadSize(), layout.PageSize)
	return h, nil
}

// File is an opened checkpoint with its payload and weight regions mapped
// read-only. Close releases every mapping.
type File struct {
	Path    string
	Header  *Header
	Layout  layout.Layout
	Payload *mmap.Region
	Shared  *mmap.Region
	Experts []*mmap.Region

	f *os.File
}

// Open parses the header, computes the weight layout and maps every region.
func Open(path string) (_ *File, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}
	mf := &File{Path: path, f: f}
	defer func() {
		if err != nil {
			_ = mf.Close()
		}
	}()

	mf.Header, err = ReadHeader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	mf.Layout, err = layout.Compute(mf.Header.Config, layout.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, &IOError{Op: "stat", Err: err}
	}
	need := mf.Header.WeightsOffset + mf.Layout.SharedSize + int64(mf.Layout.NumBlocks)*mf.Layout.ExpertRegionSize
	if info.Size() < need {
		return nil, fmt.Errorf("%w: file is %d bytes, weights need %d", ErrInvalidFormat, info.Size(), need)
	}

	mf.Payload, err = mmap.Map(f, mf.Header.PayloadOffset, mf.Header.PayloadSize(), mmap.AdviseRandom)
	if err != nil {
		return nil, &IOError{Op: "map tokenizer payload", Err: err}
	}
	mf.Shared, err = mmap.Map(f, mf.Header.WeightsOffset, mf.Layout.SharedSize, mmap.AdviseNormal)
	if err != nil {
		return nil, &IOError{Op: "map shared weights", Err: err}
	}
	offset := mf.Header.WeightsOffset + mf.Layout.SharedSize
	for n := 0; n < mf.Layout.NumBlocks; n++ {
		r, err := mmap.Map(f, offset, mf.Layout.ExpertRegionSize, mmap.AdviseNormal)
		if err != nil {
			return nil, &IOError{Op: fmt.Sprintf("map block %d experts", n), Err: err}
		}
		mf.Experts = append(mf.Experts, r)
		offset += mf.Layout.ExpertRegionSize
	}
	return mf, nil
}

// Regex returns the pre-tokenizer regex bytes from the mapped payload.
func (mf *File) Regex() []byte {
	return mf.Payload.Bytes()[:mf.Header.Tokenizer.RegexSize]
}

// TokenTable returns the length-prefixed text-token table from the mapped payload.
func (mf *File) TokenTable() []byte {
	return mf.Payload.Bytes()[mf.Header.Tokenizer.RegexSize:]
}

func (mf *File) Close() error {
	var errs []error
	for _, r := range append([]*mmap.Region{mf.Payload, mf.Shared}, mf.Experts...) {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	mf.Experts = nil
	if mf.f != nil {
		if err := mf.f.Close(); err != nil {
			errs = append(errs, err)
		}
		mf.f = nil
	}
	return errors.Join(errs...)
}
